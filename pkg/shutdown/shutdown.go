package shutdown

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

func CreateGracefulShutdownChannel() chan os.Signal {
	gracefulShutdownNotifier := make(chan os.Signal, 1)
	signal.Notify(gracefulShutdownNotifier, syscall.SIGINT, syscall.SIGTERM)
	return gracefulShutdownNotifier
}

// ListenForShutdown blocks until a signal arrives on notifier or done is closed, then runs
// shutdownFunc. If shutdownFunc does not return within timeout the process exits anyway.
func ListenForShutdown(
	notifier chan os.Signal,
	done chan bool,
	shutdownFunc func(),
	timeout time.Duration,
	l *zap.Logger,
) {
	select {
	case sig := <-notifier:
		l.Sugar().Infow("Received shutdown signal", "signal", sig.String())
	case <-done:
		l.Sugar().Infow("Shutdown requested")
	}

	finished := make(chan struct{})
	go func() {
		shutdownFunc()
		close(finished)
	}()

	select {
	case <-finished:
		l.Sugar().Infow("Graceful shutdown complete")
	case <-time.After(timeout):
		l.Sugar().Warnw("Graceful shutdown timed out", "timeout", timeout.String())
	}
}
