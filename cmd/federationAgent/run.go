package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/agentConfig"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage"
	agentBadger "github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage/badger"
	agentMemory "github.com/adamzr2000/blockchain-mec-federation/pkg/agent/storage/memory"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/agentServer"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/chainPoller"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/chainPoller/ledgerPoller"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/clients"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/clients/hostManagerClient"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/config"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/eventNotifier"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/hostManager"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger/ethereumLedger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/ledger/simulatedLedger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/logger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/metrics"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/overlay"
	registryMemory "github.com/adamzr2000/blockchain-mec-federation/pkg/registry/storage/memory"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/shutdown"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/transactionSigner"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the federation agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		applyFlagOverrides(Config)

		l, err := logger.NewLogger(&logger.LoggerConfig{Debug: Config.Debug})
		if err != nil {
			return err
		}
		defer l.Sync() //nolint:errcheck

		if err := Config.Validate(); err != nil {
			l.Sugar().Errorw("Invalid configuration", "error", err)
			return err
		}
		l.Sugar().Infow("Starting federation agent",
			"domain", Config.DomainName,
			"role", Config.Role,
			"ledger", Config.Ledger.Type,
			"hostManager", Config.HostManager.Type,
			"storage", Config.Storage.Type,
		)
		return runAgent(Config, l)
	},
}

// applyFlagOverrides lets flags and environment variables win over the config file
func applyFlagOverrides(cfg *agentConfig.AgentConfig) {
	if viper.IsSet(config.KebabToSnakeCase(agentConfig.Debug)) {
		cfg.Debug = viper.GetBool(config.KebabToSnakeCase(agentConfig.Debug))
	}
	if port := viper.GetInt(config.KebabToSnakeCase(agentConfig.ServerPort)); port > 0 {
		if cfg.Server == nil {
			cfg.Server = &agentConfig.ServerConfig{}
		}
		cfg.Server.Port = port
	}
}

func runAgent(cfg *agentConfig.AgentConfig, l *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	agentMetrics := metrics.NewAgentMetrics(reg)

	store, err := newStore(cfg.Storage, l)
	if err != nil {
		return err
	}

	client, err := newLedgerClient(ctx, cfg.Ledger, l)
	if err != nil {
		_ = store.Close()
		return err
	}

	host, err := newHostManager(cfg.HostManager, reg, l)
	if err != nil {
		_ = store.Close()
		return err
	}

	a, err := agent.NewAgent(cfg, client, host, store, agentMetrics, l)
	if err != nil {
		_ = store.Close()
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		_ = store.Close()
		return fmt.Errorf("failed to start agent: %w", err)
	}

	notifier := eventNotifier.NewEventNotifier(cfg.Notifier, client, l)
	poller := ledgerPoller.NewLedgerPoller(client, store, chainPoller.FanOut(a.HandleEvent, notifier.HandleEvent), cfg.Ledger.Poller, l)
	server := agentServer.NewServer(ctx, a, notifier, cfg.Server, agentMetrics, reg, l)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return poller.Run(gctx) })
	g.Go(func() error { return notifier.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	var runErr error
	groupDone := make(chan bool)
	go func() {
		runErr = g.Wait()
		close(groupDone)
	}()

	shutdown.ListenForShutdown(shutdown.CreateGracefulShutdownChannel(), groupDone, func() {
		l.Sugar().Infow("Shutting down federation agent")
		cancel()
		<-groupDone
		if err := a.Close(); err != nil {
			l.Sugar().Errorw("Failed to stop agent", "error", err)
		}
		if closer, ok := host.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				l.Sugar().Errorw("Failed to close host manager", "error", err)
			}
		}
		if err := store.Close(); err != nil {
			l.Sugar().Errorw("Failed to close storage", "error", err)
		}
	}, shutdownTimeout, l)

	select {
	case <-groupDone:
		if runErr != nil && !errors.Is(runErr, context.Canceled) {
			return runErr
		}
		return nil
	default:
		return fmt.Errorf("shutdown did not finish within %s", shutdownTimeout)
	}
}

func newStore(cfg *config.StorageConfig, l *zap.Logger) (storage.AgentStore, error) {
	switch cfg.Type {
	case config.StorageType_Badger:
		l.Sugar().Infow("Using BadgerDB storage", "dir", cfg.BadgerConfig.Dir)
		store, err := agentBadger.NewBadgerAgentStore(cfg.BadgerConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create badger store: %w", err)
		}
		return store, nil
	default:
		l.Sugar().Infow("Using in-memory storage")
		return agentMemory.NewInMemoryAgentStore(), nil
	}
}

func newLedgerClient(ctx context.Context, cfg *agentConfig.LedgerConfig, l *zap.Logger) (ledger.Client, error) {
	switch cfg.Type {
	case agentConfig.LedgerType_Ethereum:
		client, err := ethereumLedger.Dial(ctx, cfg.Ethereum, l)
		if err != nil {
			return nil, err
		}
		return client, nil
	case agentConfig.LedgerType_Simulated:
		address, err := transactionSigner.AddressFromConfig(cfg.Signer)
		if err != nil {
			return nil, err
		}
		sl := simulatedLedger.NewSimulatedLedger(cfg.Simulated, registryMemory.NewInMemoryRegistryStore(), l)
		if err := sl.Start(ctx); err != nil {
			return nil, err
		}
		l.Sugar().Warnw("Using an in-process simulated ledger; only agents in this process share it",
			"address", address.String(),
		)
		return sl.ClientFor(address), nil
	default:
		return nil, fmt.Errorf("unsupported ledger type %q", cfg.Type)
	}
}

func newHostManager(cfg *agentConfig.HostManagerConfig, reg prometheus.Registerer, l *zap.Logger) (agent.HostManager, error) {
	switch cfg.Type {
	case agentConfig.HostManagerType_Remote:
		clientCfg := clients.DefaultClientConfig()
		clientCfg.Timeout = cfg.Timeout
		l.Sugar().Infow("Using remote host manager", "url", cfg.Url)
		return hostManagerClient.NewHostManagerClient(cfg.Url, clientCfg, l)
	default:
		wo, err := workloadOrchestrator.NewWorkloadOrchestrator(&workloadOrchestrator.WorkloadOrchestratorConfig{
			DockerHost:        cfg.DockerHost,
			PullMissingImages: true,
		}, l)
		if err != nil {
			return nil, err
		}
		return hostManager.NewLocalHostManager(overlay.NewNetlinkLinkManager(l), wo, metrics.NewHostMetrics(reg), l), nil
	}
}
