package fedctl

import (
	"context"
	"fmt"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/eventNotifier"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/federation"
	"github.com/urfave/cli/v2"
)

func operatorCommand() *cli.Command {
	return &cli.Command{
		Name:  "operator",
		Usage: "Manage this domain's operator registration",
		Subcommands: []*cli.Command{
			{
				Name:      "register",
				Usage:     "Register the operator on the ledger",
				ArgsUsage: "[name]",
				Action: func(c *cli.Context) error {
					client, err := getClient(c)
					if err != nil {
						return err
					}
					tx, err := client.RegisterOperator(c.Context, c.Args().First())
					if err != nil {
						return fmt.Errorf("failed to register operator: %w", err)
					}
					return getFormatter(c).PrintTransaction(tx)
				},
			},
			{
				Name:  "remove",
				Usage: "Remove the operator from the ledger",
				Action: func(c *cli.Context) error {
					client, err := getClient(c)
					if err != nil {
						return err
					}
					tx, err := client.RemoveOperator(c.Context)
					if err != nil {
						return fmt.Errorf("failed to remove operator: %w", err)
					}
					return getFormatter(c).PrintTransaction(tx)
				},
			},
			{
				Name:  "show",
				Usage: "Show the operator's registration and provider status",
				Action: func(c *cli.Context) error {
					client, err := getClient(c)
					if err != nil {
						return err
					}
					status, err := client.GetOperatorStatus(c.Context)
					if err != nil {
						return fmt.Errorf("failed to get operator status: %w", err)
					}
					return getFormatter(c).PrintOperator(status)
				},
			},
		},
	}
}

func consumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "consume",
		Usage: "Request a service from the federation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Usage:    "Container image of the requested service",
				Required: true,
			},
			&cli.IntFlag{
				Name:  "replicas",
				Usage: "Number of replicas",
				Value: 1,
			},
			&cli.StringFlag{
				Name:  "service-id",
				Usage: "Service id to announce, generated when empty",
			},
			&cli.StringFlag{
				Name:  "app-container",
				Usage: "Local container to attach to the federation network",
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Wait until the lifecycle finishes and show its final state",
			},
			&cli.DurationFlag{
				Name:  "wait-timeout",
				Usage: "How long --wait waits",
				Value: 10 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			client, err := getClient(c)
			if err != nil {
				return err
			}
			requirements := &federation.Requirements{Image: c.String("image"), Replicas: c.Int("replicas")}
			if err := requirements.Validate(); err != nil {
				return err
			}
			serviceId, err := client.Consume(c.Context, &agent.ConsumeRequest{
				ServiceId:    c.String("service-id"),
				Image:        requirements.Image,
				Replicas:     requirements.Replicas,
				AppContainer: c.String("app-container"),
			})
			if err != nil {
				return fmt.Errorf("failed to start consumer: %w", err)
			}
			if !c.Bool("wait") {
				return getFormatter(c).PrintServiceId(serviceId)
			}
			rec, err := waitForTerminal(c.Context, client, serviceId, c.Duration("wait-timeout"), time.Second)
			if err != nil {
				return err
			}
			return getFormatter(c).PrintService(rec)
		},
	}
}

type serviceGetter interface {
	GetService(ctx context.Context, serviceId string) (*storage.LifecycleRecord, error)
}

// waitForTerminal polls a service until its lifecycle reaches a terminal state
func waitForTerminal(ctx context.Context, client serviceGetter, serviceId string, timeout, interval time.Duration) (*storage.LifecycleRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		rec, err := client.GetService(ctx, serviceId)
		if err != nil {
			return nil, fmt.Errorf("failed to get service %s: %w", serviceId, err)
		}
		if rec.State.IsTerminal() {
			return rec, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("service %s still %s: %w", serviceId, rec.State, ctx.Err())
		case <-ticker.C:
		}
	}
}

func provideCommand() *cli.Command {
	return &cli.Command{
		Name:  "provide",
		Usage: "Control whether this domain bids on announced services",
		Subcommands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start watching announcements and bidding",
				Action: func(c *cli.Context) error {
					client, err := getClient(c)
					if err != nil {
						return err
					}
					status, err := client.StartProvider(c.Context)
					if err != nil {
						return fmt.Errorf("failed to start provider: %w", err)
					}
					return getFormatter(c).PrintProvider(status)
				},
			},
			{
				Name:  "stop",
				Usage: "Stop bidding on new announcements",
				Action: func(c *cli.Context) error {
					client, err := getClient(c)
					if err != nil {
						return err
					}
					status, err := client.StopProvider(c.Context)
					if err != nil {
						return fmt.Errorf("failed to stop provider: %w", err)
					}
					return getFormatter(c).PrintProvider(status)
				},
			},
		},
	}
}

func servicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "services",
		Usage: "Inspect service lifecycles tracked by the agent",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List service lifecycles",
				Action: func(c *cli.Context) error {
					client, err := getClient(c)
					if err != nil {
						return err
					}
					records, err := client.ListServices(c.Context)
					if err != nil {
						return fmt.Errorf("failed to list services: %w", err)
					}
					return getFormatter(c).PrintServices(records)
				},
			},
			{
				Name:      "show",
				Usage:     "Show one service lifecycle",
				ArgsUsage: "<service-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.ShowSubcommandHelp(c)
					}
					client, err := getClient(c)
					if err != nil {
						return err
					}
					rec, err := client.GetService(c.Context, c.Args().First())
					if err != nil {
						return fmt.Errorf("failed to get service: %w", err)
					}
					return getFormatter(c).PrintService(rec)
				},
			},
			{
				Name:      "terminate",
				Usage:     "Cancel a running lifecycle or release a finished one",
				ArgsUsage: "<service-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.ShowSubcommandHelp(c)
					}
					client, err := getClient(c)
					if err != nil {
						return err
					}
					if err := client.TerminateService(c.Context, c.Args().First()); err != nil {
						return fmt.Errorf("failed to terminate service: %w", err)
					}
					_, err = fmt.Fprintf(c.App.Writer, "Terminated %s\n", c.Args().First())
					return err
				},
			},
		},
	}
}

func subscriptionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "subscriptions",
		Usage: "Manage webhook subscriptions to ledger events",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Forward an event type to a callback URL",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "event",
						Usage:    "Event type, e.g. ServiceAnnouncement or NewBid",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "callback-url",
						Usage:    "URL notifications are POSTed to",
						Required: true,
					},
					&cli.Uint64Flag{
						Name:  "last-n-blocks",
						Usage: "Replay matching events from this many recent blocks",
					},
				},
				Action: func(c *cli.Context) error {
					client, err := getClient(c)
					if err != nil {
						return err
					}
					sub, err := client.Subscribe(c.Context, &eventNotifier.SubscriptionRequest{
						Event:       federation.EventType(c.String("event")),
						CallbackUrl: c.String("callback-url"),
						LastNBlocks: c.Uint64("last-n-blocks"),
					})
					if err != nil {
						return fmt.Errorf("failed to subscribe: %w", err)
					}
					return getFormatter(c).PrintSubscription(sub)
				},
			},
			{
				Name:  "list",
				Usage: "List subscriptions",
				Action: func(c *cli.Context) error {
					client, err := getClient(c)
					if err != nil {
						return err
					}
					subs, err := client.ListSubscriptions(c.Context)
					if err != nil {
						return fmt.Errorf("failed to list subscriptions: %w", err)
					}
					return getFormatter(c).PrintSubscriptions(subs)
				},
			},
			{
				Name:      "remove",
				Usage:     "Remove a subscription",
				ArgsUsage: "<subscription-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.ShowSubcommandHelp(c)
					}
					client, err := getClient(c)
					if err != nil {
						return err
					}
					if err := client.Unsubscribe(c.Context, c.Args().First()); err != nil {
						return fmt.Errorf("failed to remove subscription: %w", err)
					}
					_, err = fmt.Fprintf(c.App.Writer, "Removed subscription %s\n", c.Args().First())
					return err
				},
			},
		},
	}
}
