//go:build unix

package worker

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"genjobs/internal/cancel"
)

// notifyCancel raises flag when the supervisor asks the worker to stop.
// SIGUSR1 comes from the process and docker launchers, SIGTERM from
// container runtimes shutting down.
func notifyCancel(flag *cancel.Flag, logger *slog.Logger) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGTERM, os.Interrupt)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("Received stop signal", "signal", sig.String())
			flag.Set()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
