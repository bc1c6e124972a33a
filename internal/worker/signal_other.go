//go:build !unix

package worker

import (
	"log/slog"
	"os"
	"os/signal"

	"genjobs/internal/cancel"
)

func notifyCancel(flag *cancel.Flag, logger *slog.Logger) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)

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
