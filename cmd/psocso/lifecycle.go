package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// interruptibleContext returns a context canceled on SIGINT or SIGTERM, so
// an in-flight conversion unwinds (its renameio.PendingFile is cleaned up
// without replacing the destination) instead of leaving a half-written
// output file in place.
func interruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// A second signal terminates immediately, in case cleanup hangs.
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}

var shutdown struct {
	sync.Mutex
	fns    []func() error
	closed uint32
}

// onShutdown registers fn to run, in registration order, once funcmain is
// about to return. Must not be called from a registered fn.
func onShutdown(fn func() error) {
	if atomic.LoadUint32(&shutdown.closed) != 0 {
		panic("onShutdown called after runShutdown")
	}
	shutdown.Lock()
	defer shutdown.Unlock()
	shutdown.fns = append(shutdown.fns, fn)
}

// runShutdown runs every registered cleanup in order, stopping at the
// first error.
func runShutdown() error {
	atomic.StoreUint32(&shutdown.closed, 1)
	for _, fn := range shutdown.fns {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
