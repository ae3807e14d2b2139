package wal

import (
	"testing"
	"time"

	"github.com/Sheng99100/SeedOS/disk"
	"github.com/Sheng99100/SeedOS/proc"
)

func bootCPU() *proc.CPU { return proc.NewCPU(-1) }

func startCPUs(t *proc.Table, n int) {
	for i := 0; i < n; i++ {
		go proc.Scheduler(t, proc.NewCPU(i))
	}
}

func TestBeginEndCommitsOnLastOutstanding(t *testing.T) {
	table := proc.NewTable(4)
	startCPUs(table, 2)
	boot := bootCPU()
	d := disk.New(table, 16)
	l := New(table, d, 0, MaxLogBlocks)

	init, _ := table.Spawn(boot, nil, "init", func(p *proc.Process, c *proc.CPU) {
		<-make(chan struct{})
	})

	var committed []int
	done := make(chan struct{})
	_, ok := proc.Fork(table, boot, init, func(p *proc.Process, c *proc.CPU) {
		c2 := l.Begin(p, c)
		l.Write(3)
		l.Write(5)
		var err error
		c2, err = l.End(p, c2, func(bno int) {
			committed = append(committed, bno)
		})
		if err != nil {
			t.Errorf("End: %v", err)
		}
		close(done)
		table.Exit(p, c2, 0)
	})
	if !ok {
		t.Fatalf("fork failed")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("transaction never completed")
	}

	if len(committed) != 2 {
		t.Fatalf("expected 2 blocks committed, got %v", committed)
	}
}

func TestWriteDeduplicatesWithinTransaction(t *testing.T) {
	table := proc.NewTable(4)
	startCPUs(table, 2)
	boot := bootCPU()
	d := disk.New(table, 16)
	l := New(table, d, 0, MaxLogBlocks)

	init, _ := table.Spawn(boot, nil, "init", func(p *proc.Process, c *proc.CPU) {
		<-make(chan struct{})
	})

	var commits int
	done := make(chan struct{})
	_, ok := proc.Fork(table, boot, init, func(p *proc.Process, c *proc.CPU) {
		c2 := l.Begin(p, c)
		l.Write(7)
		l.Write(7)
		l.Write(7)
		var err error
		c2, err = l.End(p, c2, func(bno int) { commits++ })
		if err != nil {
			t.Errorf("End: %v", err)
		}
		close(done)
		table.Exit(p, c2, 0)
	})
	if !ok {
		t.Fatalf("fork failed")
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("transaction never completed")
	}

	if commits != 1 {
		t.Fatalf("expected repeated writes to the same block to absorb into one commit entry, got %d", commits)
	}
}

func TestNestedTransactionsCommitOnce(t *testing.T) {
	table := proc.NewTable(4)
	startCPUs(table, 3)
	boot := bootCPU()
	d := disk.New(table, 16)
	l := New(table, d, 0, MaxLogBlocks)

	init, _ := table.Spawn(boot, nil, "init", func(p *proc.Process, c *proc.CPU) {
		<-make(chan struct{})
	})

	var commits int
	doneA := make(chan struct{})
	doneB := make(chan struct{})
	aInTxn := make(chan struct{})
	aCanEnd := make(chan struct{})

	_, ok := proc.Fork(table, boot, init, func(p *proc.Process, c *proc.CPU) {
		c2 := l.Begin(p, c)
		l.Write(1)
		close(aInTxn)
		<-aCanEnd
		var err error
		c2, err = l.End(p, c2, func(bno int) { commits++ })
		if err != nil {
			t.Errorf("A End: %v", err)
		}
		close(doneA)
		table.Exit(p, c2, 0)
	})
	if !ok {
		t.Fatalf("fork A failed")
	}

	<-aInTxn

	_, ok = proc.Fork(table, boot, init, func(p *proc.Process, c *proc.CPU) {
		c2 := l.Begin(p, c)
		l.Write(2)
		close(aCanEnd)
		var err error
		c2, err = l.End(p, c2, func(bno int) { commits++ })
		if err != nil {
			t.Errorf("B End: %v", err)
		}
		close(doneB)
		table.Exit(p, c2, 0)
	})
	if !ok {
		t.Fatalf("fork B failed")
	}

	select {
	case <-doneA:
	case <-time.After(2 * time.Second):
		t.Fatalf("transaction A never completed")
	}
	select {
	case <-doneB:
	case <-time.After(2 * time.Second):
		t.Fatalf("transaction B never completed")
	}

	if commits != 2 {
		t.Fatalf("expected both staged blocks committed exactly once total, got %d commit calls", commits)
	}
}
