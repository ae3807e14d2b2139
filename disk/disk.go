// Package disk implements the named external driver collaborator of
// spec.md §6: rw(buf, is_write) sleeps the caller on the buffer until a
// completion interrupt wakes it. There being no real hardware here, the
// backing store is an in-memory block array and "interrupt delivery" is a
// goroutine that finishes the transfer and calls proc.Wakeup itself, which
// is enough to exercise every invariant the core cares about (the buffer
// cache never sees real vs. simulated I/O latency as a distinction).
package disk

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sheng99100/SeedOS/proc"
)

// BlockSize matches the buffer cache's block size.
const BlockSize = 1024

// completionCPUSeq hands out a distinct synthetic CPU identity to every
// completion goroutine. They are not a real hardware thread, but each one
// acquiring WaitLock is genuine cross-goroutine contention (two in-flight
// RW calls completing around the same time) rather than self-deadlock, and
// spinlock.Acquire panics if the same CPUID tries to reacquire a lock it
// already holds — so no two live completions may share one CPUID.
var completionCPUSeq int32

func nextCompletionCPU() *proc.CPU {
	id := atomic.AddInt32(&completionCPUSeq, 1)
	return proc.NewCPU(int(-id) - 1) // -2, -3, ... ; -1 stays reserved for a real boot CPU
}

// Disk is an in-memory block device. Its block count is fixed at construction,
// mirroring a teaching kernel's fixed-size disk image.
type Disk struct {
	mu     sync.Mutex
	blocks [][BlockSize]byte

	table *proc.Table

	// latency simulates transfer time so tests can observe that rw()
	// genuinely blocks the caller rather than completing synchronously
	// in-line; zero (the default) completes on the next scheduler tick.
	latency time.Duration
}

// New returns a zeroed disk of n blocks, wired to t for sleep/wakeup.
func New(t *proc.Table, n int) *Disk {
	return &Disk{blocks: make([][BlockSize]byte, n), table: t}
}

// SetLatency overrides the simulated per-request transfer delay; tests use
// this to exercise genuine blocking without slowing down the common case.
func (d *Disk) SetLatency(dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = dur
}

// Buf is the minimal shape rw needs from a buffer cache entry: its block
// number and the payload to read into or write from. bio.Buffer satisfies
// this.
type Buf interface {
	BlockNo() int
	Data() *[BlockSize]byte
}

// RW performs a transfer, sleeping the calling process until completion.
// Mirrors spec.md §6's disk driver: the caller must already hold the
// buffer's sleeping lock (enforced by bio, not here — this package only
// knows about the process/CPU it's told to sleep).
func (d *Disk) RW(p *proc.Process, c *proc.CPU, buf Buf, write bool) (*proc.CPU, error) {
	bno := buf.BlockNo()
	d.mu.Lock()
	if bno < 0 || bno >= len(d.blocks) {
		d.mu.Unlock()
		return c, fmt.Errorf("disk: rw: block %d out of range (have %d)", bno, len(d.blocks))
	}
	lat := d.latency
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		if lat > 0 {
			time.Sleep(lat)
		}
		d.mu.Lock()
		if write {
			d.blocks[bno] = *buf.Data()
		} else {
			*buf.Data() = d.blocks[bno]
		}
		d.mu.Unlock()
		close(done)

		completionC := nextCompletionCPU()
		d.table.WaitLock.Acquire(completionC)
		d.table.Wakeup(completionC, buf)
		d.table.WaitLock.Release(completionC)
	}()

	cur := c
	d.table.WaitLock.Acquire(cur)
	for {
		select {
		case <-done:
			d.table.WaitLock.Release(cur)
			return cur, nil
		default:
		}
		cur = proc.Sleep(p, cur, buf, &d.table.WaitLock)
	}
}
