package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// withInterrupt returns a context cancelled on SIGINT/SIGTERM. An interrupt
// also aborts in-flight backend requests, including shared ones the
// context alone cannot reach.
func (a *app) withInterrupt(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sig:
			a.cancels.CancelContext(backendContext)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sig)
		cancel()
	}
}
