// Package testutil holds small helpers shared across this module's test
// files: a concurrent-scenario harness built on golang.org/x/sync/errgroup
// (the teacher corpus's own pattern for fanning out and collecting errors
// from concurrent workers) and a struct-diff wrapper around
// github.com/kylelemons/godebug/pretty (the teacher's own assertion style,
// see hanwen/go-fuse's nodefs/loopback_linux_test.go).
package testutil

import (
	"context"

	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/sync/errgroup"
)

// Harness runs n concurrent workers and reports the first error any of them
// returns, the way a real end-to-end scenario test (fork/exit/wait, timer
// preemption, lost-wakeup stress) spins up many goroutines standing in for
// processes or CPUs and needs their failures funneled back to t.Fatalf.
type Harness struct {
	g   *errgroup.Group
	ctx context.Context
}

// NewHarness returns a harness bound to ctx; workers observing ctx.Done can
// stop early once one of them has already failed.
func NewHarness(ctx context.Context) *Harness {
	g, ctx := errgroup.WithContext(ctx)
	return &Harness{g: g, ctx: ctx}
}

// Context returns the harness's (possibly already-cancelled) context.
func (h *Harness) Context() context.Context { return h.ctx }

// Go schedules fn to run concurrently with every other worker registered on
// this harness.
func (h *Harness) Go(fn func() error) {
	h.g.Go(fn)
}

// Wait blocks until every registered worker has returned, and reports the
// first non-nil error, if any.
func (h *Harness) Wait() error {
	return h.g.Wait()
}

// Diff renders a unified diff between got and want using pretty.Compare,
// returning "" when they are equivalent. Mirrors the teacher's own use of
// pretty.Compare for struct-shaped test assertions (process table
// snapshots, directory entries, buffer LRU order) rather than a bespoke
// field-by-field comparison.
func Diff(got, want any) string {
	return pretty.Compare(got, want)
}
