// Package wal implements spec.md §6's log collaborator: begin_op/end_op
// transactional grouping of buffer writes, enforcing at-most-N outstanding
// log slots and committing atomically on the end_op of the last outstanding
// transaction. It is named only as an interface in the core spec, but
// "transaction containment" (spec.md §4.7) is untestable without a real one,
// so this package implements it rather than stubbing it.
package wal

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Sheng99100/SeedOS/disk"
	"github.com/Sheng99100/SeedOS/proc"
)

// MaxLogBlocks is a log-area size mirroring LOGSIZE in kernel/fs.h. Log
// itself does not read it: a commit is bounded by the size passed to New.
const MaxLogBlocks = 30

// Log serializes filesystem-modifying operations into transactions and
// commits them as a unit. outstanding counts concurrently open begin_op
// sections; a commit only happens once the last one calls End.
type Log struct {
	mu sync.Mutex

	disk  *disk.Disk
	table *proc.Table

	start int // first data block of the log area on disk
	size  int // number of blocks reserved for the log area

	outstanding  int
	committing   bool
	blockNumbers []int // logical block numbers staged in this transaction

	// outstandingAtomic mirrors outstanding for Write's benefit: Write is
	// called deep inside fs operations that do not carry a *proc.CPU, so it
	// cannot take WaitLock the way Begin/End do. Updated at the same points
	// outstanding is, under WaitLock, so the two never disagree for longer
	// than the lock's critical section.
	outstandingAtomic int32
}

// New returns a log area of size blocks starting at the given disk block.
func New(t *proc.Table, d *disk.Disk, start, size int) *Log {
	return &Log{table: t, disk: d, start: start, size: size}
}

// Begin opens a transaction (begin_op): waits until there is log space for
// one more operation and the log is not mid-commit, then marks one more
// operation outstanding. Mirrors the original's loop-and-sleep shape exactly.
func (l *Log) Begin(p *proc.Process, c *proc.CPU) *proc.CPU {
	cur := c
	l.table.WaitLock.Acquire(cur)
	for {
		full := len(l.blockNumbers)+l.outstanding+1 > l.size
		if l.committing || full {
			cur = proc.Sleep(p, cur, l, &l.table.WaitLock)
			continue
		}
		l.outstanding++
		atomic.StoreInt32(&l.outstandingAtomic, int32(l.outstanding))
		break
	}
	l.table.WaitLock.Release(cur)
	return cur
}

// Write stages a block for inclusion in the current transaction (log_write):
// records the logical block number if not already present, deduplicating
// repeated writes to the same block within one transaction (absorption).
// Panics if called with no transaction outstanding, mirroring log_write's
// "if(log.outstanding < 1) panic(\"log_write outside of trans\")".
func (l *Log) Write(bno int) {
	if atomic.LoadInt32(&l.outstandingAtomic) < 1 {
		panic("wal: write: called outside begin_op/end_op")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.blockNumbers) >= l.size {
		panic("wal: write: transaction too big for log")
	}
	for _, n := range l.blockNumbers {
		if n == bno {
			return
		}
	}
	l.blockNumbers = append(l.blockNumbers, bno)
}

// End closes a transaction (end_op): decrements outstanding, and if this was
// the last outstanding transaction, commits the staged writes to their home
// locations and clears the log, then wakes anyone waiting in Begin.
func (l *Log) End(p *proc.Process, c *proc.CPU, commit func(bno int)) (*proc.CPU, error) {
	cur := c
	l.table.WaitLock.Acquire(cur)
	l.outstanding--
	atomic.StoreInt32(&l.outstandingAtomic, int32(l.outstanding))
	if l.committing {
		l.table.WaitLock.Release(cur)
		panic("wal: end_op: already committing")
	}
	doCommit := l.outstanding == 0
	if doCommit {
		l.committing = true
	} else {
		l.table.Wakeup(cur, l)
	}
	l.table.WaitLock.Release(cur)

	if !doCommit {
		return cur, nil
	}

	if err := l.commitStaged(commit); err != nil {
		l.table.WaitLock.Acquire(cur)
		l.committing = false
		l.table.Wakeup(cur, l)
		l.table.WaitLock.Release(cur)
		return cur, err
	}

	l.table.WaitLock.Acquire(cur)
	l.committing = false
	l.table.Wakeup(cur, l)
	l.table.WaitLock.Release(cur)
	return cur, nil
}

// commitStaged applies every staged block via the caller-supplied commit
// callback (which the fs package wires to its own home-location write) and
// clears the staged set. A real on-disk log would write blocks to the log
// area first and fsync a header before applying them to home locations;
// that two-phase shape is out of scope here (see DESIGN.md), since there is
// no real crash between "log write" and "checkpoint" to model realistically
// over an in-memory disk.
func (l *Log) commitStaged(commit func(bno int)) error {
	l.mu.Lock()
	blocks := l.blockNumbers
	l.blockNumbers = nil
	l.mu.Unlock()

	if len(blocks) > l.size {
		return fmt.Errorf("wal: commit: %d blocks exceeds log size %d", len(blocks), l.size)
	}
	for _, bno := range blocks {
		commit(bno)
	}
	return nil
}
