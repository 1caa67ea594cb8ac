// Package otabuilder implements the core of an OTA update-package builder
// for block-oriented device images: given a target (and optionally source)
// image set, it produces a transfer list plus new.dat/patch.dat side-files
// that a device can apply to move from the source state to the target
// state with minimum bytes transferred.
//
// The heavy lifting lives in the subpackages: blockset (disjoint block-range
// sets), image (random-access block image + file map), transfer (per-block
// action classification), depgraph (cycle-breaking scheduler), patch
// (external differ invocation + size-bounded chunking), emit (transfer-list
// and side-file assembly), fullimage (non-incremental passthrough) and
// coordinator (top-level per-partition pipeline).
package otabuilder

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context which is canceled when the process
// receives SIGINT or SIGTERM, so in-flight partition pipelines get a chance
// to clean up their temp artifacts (§5 Cancellation).
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// A second signal terminates immediately, useful if cleanup hangs.
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
