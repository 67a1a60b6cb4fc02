package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context canceled on SIGINT or SIGTERM, so
// mount's bridge loop can run engine.Destroy before exiting instead of
// losing unflushed bitmap/superblock state to an abrupt kill.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// A second signal terminates immediately, in case unmount hangs.
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
