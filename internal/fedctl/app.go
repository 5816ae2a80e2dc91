// Package fedctl is the command line client of the federation agent API.
package fedctl

import (
	"fmt"
	"io"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/clients"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/clients/agentClient"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/logger"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const (
	DefaultAgentUrl = "http://localhost:8000"

	metadataClient    = "client"
	metadataFormatter = "formatter"
)

// App builds the fedctl application writing its output to out
func App(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "fedctl",
		Usage:  "Control a federation agent",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "agent-url",
				Usage:   "Base URL of the federation agent API",
				Value:   DefaultAgentUrl,
				EnvVars: []string{"FEDCTL_AGENT_URL"},
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Output format (table, json)",
				Value:   OutputTable,
				EnvVars: []string{"FEDCTL_OUTPUT"},
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Usage:   "Timeout of a single API call",
				Value:   2 * time.Minute,
				EnvVars: []string{"FEDCTL_TIMEOUT"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log API calls",
				EnvVars: []string{"FEDCTL_VERBOSE"},
			},
		},
		Before: func(c *cli.Context) error {
			formatter, err := NewFormatter(c.String("output"), out)
			if err != nil {
				return err
			}
			l := zap.NewNop()
			if c.Bool("verbose") {
				if l, err = logger.NewLogger(&logger.LoggerConfig{Debug: true}); err != nil {
					return err
				}
			}
			cfg := clients.DefaultClientConfig()
			cfg.Timeout = c.Duration("timeout")
			client, err := agentClient.NewAgentClient(c.String("agent-url"), cfg, l)
			if err != nil {
				return err
			}
			c.App.Metadata = map[string]any{
				metadataClient:    client,
				metadataFormatter: formatter,
			}
			return nil
		},
		Commands: []*cli.Command{
			operatorCommand(),
			consumeCommand(),
			provideCommand(),
			servicesCommand(),
			subscriptionsCommand(),
		},
	}
}

func getClient(c *cli.Context) (*agentClient.AgentClient, error) {
	client, ok := c.App.Metadata[metadataClient].(*agentClient.AgentClient)
	if !ok {
		return nil, fmt.Errorf("agent client not initialized")
	}
	return client, nil
}

func getFormatter(c *cli.Context) *Formatter {
	return c.App.Metadata[metadataFormatter].(*Formatter)
}
