package disk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Sheng99100/SeedOS/internal/testutil"
	"github.com/Sheng99100/SeedOS/proc"
)

type testBuf struct {
	bno  int
	data [BlockSize]byte
}

func (b *testBuf) BlockNo() int           { return b.bno }
func (b *testBuf) Data() *[BlockSize]byte { return &b.data }

func bootCPU() *proc.CPU { return proc.NewCPU(-1) }

func startCPUs(t *proc.Table, n int) {
	for i := 0; i < n; i++ {
		go proc.Scheduler(t, proc.NewCPU(i))
	}
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	table := proc.NewTable(4)
	startCPUs(table, 2)
	boot := bootCPU()

	d := New(table, 8)

	init, _ := table.Spawn(boot, nil, "init", func(p *proc.Process, c *proc.CPU) {
		<-make(chan struct{})
	})

	done := make(chan struct{})
	_, ok := proc.Fork(table, boot, init, func(p *proc.Process, c *proc.CPU) {
		wbuf := &testBuf{bno: 3}
		copy(wbuf.data[:], "round-trip-data")
		c2, err := d.RW(p, c, wbuf, true)
		if err != nil {
			t.Errorf("write RW: %v", err)
		}

		rbuf := &testBuf{bno: 3}
		c2, err = d.RW(p, c2, rbuf, false)
		if err != nil {
			t.Errorf("read RW: %v", err)
		}
		if string(rbuf.data[:len("round-trip-data")]) != "round-trip-data" {
			t.Errorf("read back %q, want %q", rbuf.data[:len("round-trip-data")], "round-trip-data")
		}
		close(done)
		table.Exit(p, c2, 0)
	})
	if !ok {
		t.Fatalf("fork failed")
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("disk round trip never completed")
	}
}

func TestRWOutOfRangeBlockFails(t *testing.T) {
	table := proc.NewTable(4)
	startCPUs(table, 2)
	boot := bootCPU()
	d := New(table, 2)

	init, _ := table.Spawn(boot, nil, "init", func(p *proc.Process, c *proc.CPU) {
		<-make(chan struct{})
	})

	done := make(chan struct{})
	_, ok := proc.Fork(table, boot, init, func(p *proc.Process, c *proc.CPU) {
		buf := &testBuf{bno: 99}
		_, err := d.RW(p, c, buf, false)
		if err == nil {
			t.Errorf("expected out-of-range error")
		}
		close(done)
		table.Exit(p, c, 0)
	})
	if !ok {
		t.Fatalf("fork failed")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("out-of-range RW never returned")
	}
}

func TestRWBlocksCallerUntilCompletion(t *testing.T) {
	table := proc.NewTable(4)
	startCPUs(table, 2)
	boot := bootCPU()
	d := New(table, 4)
	d.SetLatency(100 * time.Millisecond)

	init, _ := table.Spawn(boot, nil, "init", func(p *proc.Process, c *proc.CPU) {
		<-make(chan struct{})
	})

	start := make(chan struct{})
	finished := make(chan time.Duration, 1)
	_, ok := proc.Fork(table, boot, init, func(p *proc.Process, c *proc.CPU) {
		buf := &testBuf{bno: 0}
		t0 := time.Now()
		close(start)
		c2, err := d.RW(p, c, buf, true)
		if err != nil {
			t.Errorf("RW: %v", err)
		}
		finished <- time.Since(t0)
		table.Exit(p, c2, 0)
	})
	if !ok {
		t.Fatalf("fork failed")
	}

	<-start
	select {
	case elapsed := <-finished:
		if elapsed < 100*time.Millisecond {
			t.Fatalf("RW returned after %v, expected it to block at least the simulated latency", elapsed)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("RW never completed")
	}
}

// TestConcurrentRWAcrossDistinctBlocksDoesNotPanic exercises spec.md §8
// scenario 6's "B+1 concurrent calls for distinct blocks": every call's
// completion goroutine acquires the same WaitLock around roughly the same
// time, so each one needs a distinct synthetic CPU identity or
// spinlock.Acquire panics as if the same CPU tried to reacquire a lock it
// already held.
func TestConcurrentRWAcrossDistinctBlocksDoesNotPanic(t *testing.T) {
	const nBlocks = 9 // B+1 for a buffer pool sized at 8
	table := proc.NewTable(nBlocks + 1)
	startCPUs(table, 4)
	boot := bootCPU()
	d := New(table, nBlocks)
	d.SetLatency(20 * time.Millisecond)

	init, _ := table.Spawn(boot, nil, "init", func(p *proc.Process, c *proc.CPU) {
		<-make(chan struct{})
	})

	h := testutil.NewHarness(context.Background())
	for i := 0; i < nBlocks; i++ {
		bno := i
		result := make(chan error, 1)
		_, ok := proc.Fork(table, boot, init, func(p *proc.Process, c *proc.CPU) {
			buf := &testBuf{bno: bno}
			c2, err := d.RW(p, c, buf, false)
			result <- err
			table.Exit(p, c2, 0)
		})
		if !ok {
			t.Fatalf("fork %d failed", i)
		}
		h.Go(func() error {
			select {
			case err := <-result:
				return err
			case <-time.After(3 * time.Second):
				return fmt.Errorf("block %d RW never completed", bno)
			}
		})
	}

	if err := h.Wait(); err != nil {
		t.Fatalf("%v", err)
	}
}
