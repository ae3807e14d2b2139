// Package spinlock implements a mutual-exclusion lock whose waiters busy-wait
// rather than sleep. It is the bottom layer of the kernel's lock discipline:
// sleeplock.Lock and proc.Process both build on it.
//
// There is no real hardware interrupt-enable bit in this rendering of the
// kernel, so the owning CPU supplies push/pop hooks (see the CPU interface)
// that Acquire/Release call exactly where acquire()/release() call
// push_off()/pop_off() in kernel/spinlock.c. proc.CPU implements CPU.
package spinlock

import (
	"fmt"
	"math"
	"sync/atomic"
)

// CPUID names a CPU for lock-ownership bookkeeping.
type CPUID int32

// NoCPU is the owner value meaning "no CPU holds this lock". It is an id no
// CPU record uses (boot CPUs use -1, disk completions -2, -3, ...), so a
// lock between its CAS and its owner store never reads as held by a caller.
const NoCPU CPUID = math.MinInt32

// CPU is the capability a spinlock needs from whatever is calling
// Acquire/Release: an identity, and the nested interrupt-disable hooks.
// proc.CPU is the only real implementation; tests may supply their own.
type CPU interface {
	CPUID() CPUID
	PushOff()
	PopOff()
}

// Spinlock is a test-and-set mutex with a debug-only owner field.
//
// Mirrors kernel/spinlock.c's struct spinlock: a locked flag, the owning CPU
// (for holding() and for catching self-deadlock), and a name for
// diagnostics.
type Spinlock struct {
	locked int32
	owner  int32 // atomic CPUID; NoCPU when unlocked
	Name   string
}

// New returns an initialized, unlocked spinlock (initlock).
func New(name string) *Spinlock {
	return &Spinlock{owner: int32(NoCPU), Name: name}
}

// Acquire disables interrupts on c (push_off), then spins until the lock is
// held. Panics if c already holds it.
func (l *Spinlock) Acquire(c CPU) {
	c.PushOff()
	if l.holding(c.CPUID()) {
		panic(fmt.Sprintf("spinlock %q: acquire: already held by cpu %d", l.Name, c.CPUID()))
	}
	for !atomic.CompareAndSwapInt32(&l.locked, 0, 1) {
		// busy-wait; a real CPU would spin on a cache line here.
	}
	// The CAS already carries the happens-before edge; storing the owner
	// afterward keeps debug bookkeeping out of the window other CPUs spin
	// on.
	atomic.StoreInt32(&l.owner, int32(c.CPUID()))
}

// Release clears the lock and re-enables interrupts (pop_off) if this was
// the outermost held lock. Panics if c does not hold it.
func (l *Spinlock) Release(c CPU) {
	if !l.holding(c.CPUID()) {
		panic(fmt.Sprintf("spinlock %q: release: not held by cpu %d", l.Name, c.CPUID()))
	}
	atomic.StoreInt32(&l.owner, int32(NoCPU))
	atomic.StoreInt32(&l.locked, 0)
	c.PopOff()
}

// Holding reports whether c currently holds the lock.
func (l *Spinlock) Holding(c CPU) bool {
	return l.holding(c.CPUID())
}

func (l *Spinlock) holding(id CPUID) bool {
	return atomic.LoadInt32(&l.locked) != 0 && atomic.LoadInt32(&l.owner) == int32(id)
}

// IntrState tracks nested interrupt-disable sections for one CPU: Noff
// counts how many PushOff calls are outstanding, and Intena is the
// interrupt-enable value saved from the outermost one. It is per-CPU
// storage but, per spec, behaves as per-thread: the kernel thread that
// owns a CPU at a given moment must save/restore it across a context
// switch (see proc.CPU and the sched helper in package proc).
type IntrState struct {
	Noff   int
	Intena bool
}

// PushOff records whether interrupts were enabled (curIntrEnabled, supplied
// by the caller since this package owns no real interrupt controller) and
// increments the nesting count. Only the outermost call records Intena.
func (s *IntrState) PushOff(curIntrEnabled bool) {
	if s.Noff == 0 {
		s.Intena = curIntrEnabled
	}
	s.Noff++
}

// PopOff decrements the nesting count. Panics if unbalanced. Returns whether
// interrupts should now be re-enabled (true only once the outermost section
// has closed and that section had interrupts enabled on entry).
func (s *IntrState) PopOff() bool {
	if s.Noff < 1 {
		panic("spinlock: pop_off: unbalanced")
	}
	s.Noff--
	return s.Noff == 0 && s.Intena
}
