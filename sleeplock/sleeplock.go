// Package sleeplock implements a long-held mutex (spec.md C3) built on
// package spinlock plus the sleep/wakeup mechanism in package proc. Unlike a
// Spinlock, a Lock may be held across blocking disk I/O.
package sleeplock

import (
	"github.com/Sheng99100/SeedOS/proc"
	"github.com/Sheng99100/SeedOS/spinlock"
)

// Lock is spec.md's sleeping lock: an embedded spinlock guarding a locked
// flag and the holder's pid, using the Lock's own address as its sleep
// channel (mirrors kernel/sleeplock.c's use of the lock itself as the
// wait-channel).
type Lock struct {
	spin   spinlock.Spinlock
	locked bool
	Pid    int
	Name   string
}

// New returns an unlocked sleeping lock.
func New(name string) *Lock {
	l := &Lock{Name: name}
	l.spin = *spinlock.New(name + ".spin")
	return l
}

// Acquire takes the embedded spinlock; while locked is true it sleeps on the
// lock's own address (releasing the spinlock atomically with respect to a
// matching Release/wakeup); on wake it reacquires and retests. Once it
// observes locked==false it claims the lock and records the holder. Returns
// the CPU the caller resumes on, which may differ from c.
func Acquire(p *proc.Process, c *proc.CPU, l *Lock) *proc.CPU {
	l.spin.Acquire(c)
	for l.locked {
		c = proc.Sleep(p, c, l, &l.spin)
	}
	l.locked = true
	l.Pid = p.Pid
	l.spin.Release(c)
	return c
}

// TryAcquire is a non-blocking variant absent from the original: it claims
// the lock only if immediately free. Returns false without blocking if
// already held.
func TryAcquire(p *proc.Process, c *proc.CPU, l *Lock) bool {
	l.spin.Acquire(c)
	defer l.spin.Release(c)
	if l.locked {
		return false
	}
	l.locked = true
	l.Pid = p.Pid
	return true
}

// Release clears locked, drops the pid, wakes anyone sleeping on the lock's
// address, and releases the spinlock.
func Release(t *proc.Table, c *proc.CPU, l *Lock) {
	l.spin.Acquire(c)
	l.locked = false
	l.Pid = 0
	t.Wakeup(c, l)
	l.spin.Release(c)
}

// Holding reports whether p specifically holds this lock right now — mirrors
// holdingsleep()'s `lk->locked && lk->pid == myproc()->pid`, not just
// "someone holds it" (another process legitimately holding l concurrently
// must not read as "I'm holding it").
func Holding(p *proc.Process, c *proc.CPU, l *Lock) bool {
	l.spin.Acquire(c)
	h := l.locked && l.Pid == p.Pid
	l.spin.Release(c)
	return h
}
