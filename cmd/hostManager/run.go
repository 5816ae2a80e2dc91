package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adamzr2000/blockchain-mec-federation/pkg/hostManager"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/logger"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/metrics"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/overlay"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/shutdown"
	"github.com/adamzr2000/blockchain-mec-federation/pkg/workloadOrchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the host manager",
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

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		hostMetrics := metrics.NewHostMetrics(reg)

		wo, err := workloadOrchestrator.NewWorkloadOrchestrator(Config.Docker, l)
		if err != nil {
			return err
		}
		host := hostManager.NewLocalHostManager(overlay.NewNetlinkLinkManager(l), wo, hostMetrics, l)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		server := hostManager.NewServer(ctx, host, Config.Server, hostMetrics, reg, l)

		l.Sugar().Infow("Starting host manager",
			"port", Config.Server.Port,
			"dockerHost", Config.Docker.DockerHost,
			"pullMissingImages", Config.Docker.PullMissingImages,
		)

		var serveErr error
		served := make(chan bool)
		go func() {
			serveErr = server.Start(ctx)
			close(served)
		}()

		shutdown.ListenForShutdown(shutdown.CreateGracefulShutdownChannel(), served, func() {
			l.Sugar().Infow("Shutting down host manager")
			cancel()
			<-served
			if err := host.Close(); err != nil {
				l.Sugar().Errorw("Failed to close host manager", "error", err)
			}
		}, 15*time.Second, l)

		select {
		case <-served:
			if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
				return serveErr
			}
			return nil
		default:
			return fmt.Errorf("host manager did not shut down in time")
		}
	},
}
