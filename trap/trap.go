// Package trap implements the two trap entry points and the one return path
// spec.md §4.5 describes, plus a one-time setup (New, analogous to trapinit
// from original_source/kernel/trap.c); there is no per-CPU installation
// step like trapinithart. There is no real hardware underneath this
// teaching kernel, so "redirect the trap vector" and "restore hardware
// registers" are modeled as the bookkeeping spec.md says they must perform
// (trapframe fields, interrupt-enable state) rather than literal register
// writes.
package trap

import (
	"fmt"
	"sync"

	"github.com/Sheng99100/SeedOS/proc"
)

// Cause classifies why UserTrap was entered, standing in for RISC-V's
// scause register.
type Cause int

const (
	CauseSyscall Cause = iota
	CauseDevice
	CauseOther
)

// Kind is devintr()'s return value: which sort of device event fired, or
// none recognized.
type Kind int

const (
	KindUnknown Kind = iota
	KindDevice
	KindTimer
)

// Controller holds the one piece of process-global trap state (the tick
// counter) and the injectable hooks that stand in for real hardware:
// DeviceIntr plays the role of devintr()'s PLIC dispatch, Syscall plays
// syscall()'s dispatch table. Controllers come from New, which binds the
// process table; a nil DeviceIntr means no device ever fires, and a nil
// Syscall makes UserTrap panic on a system call.
type Controller struct {
	table *proc.Table

	ticksMu sync.Mutex
	ticks   int

	// DeviceIntr reports which device(s), if any, have a pending
	// interrupt; called with interrupts conceptually disabled, mirroring
	// devintr()'s PLIC claim/complete pair. Returning KindUnknown means no
	// recognized device fired.
	DeviceIntr func() Kind

	// Syscall dispatches a pending system call for p running on c and
	// returns the (possibly swtch'd) CPU. Left nil by New; UserTrap panics
	// if a CauseSyscall trap arrives with no dispatcher installed.
	Syscall func(p *proc.Process, c *proc.CPU) *proc.CPU
}

// New returns a Controller bound to t, analogous to trapinit() initializing
// the tick lock.
func New(t *proc.Table) *Controller {
	return &Controller{table: t}
}

// Ticks returns the number of timer interrupts this controller has serviced
// on CPU 0, mirroring the original's global `ticks` counter (incremented
// only by cpuid()==0, woken via wakeup(&ticks)).
func (ctl *Controller) Ticks() int {
	ctl.ticksMu.Lock()
	defer ctl.ticksMu.Unlock()
	return ctl.ticks
}

// clockIntr is clockintr(): on CPU 0 it bumps the shared tick counter and
// wakes anyone sleeping on it (e.g. a future sleep(n-ticks) syscall).
// trapinithart's per-hart timer rearm has no counterpart here since this
// simulator drives timer events explicitly rather than from real hardware.
func (ctl *Controller) clockIntr(c *proc.CPU) {
	if c.CPUID() != 0 {
		return
	}
	ctl.ticksMu.Lock()
	ctl.ticks++
	ctl.ticksMu.Unlock()
	ctl.table.Wakeup(c, &ctl.ticks)
}

// devIntr is devintr(): it asks DeviceIntr which device fired, servicing
// the timer itself via clockIntr, and reports the Kind to the caller.
func (ctl *Controller) devIntr(c *proc.CPU) Kind {
	if ctl.DeviceIntr == nil {
		return KindUnknown
	}
	kind := ctl.DeviceIntr()
	if kind == KindTimer {
		ctl.clockIntr(c)
	}
	return kind
}

// UserTrap is usertrap(): entered with interrupts disabled, on behalf of a
// process that was running in user mode. Dispatches on cause, then kills or
// yields as spec.md §4.5 requires, finally handing off to UserTrapRet.
func (ctl *Controller) UserTrap(p *proc.Process, c *proc.CPU, cause Cause, epc uint64) *proc.CPU {
	if c.Proc != p {
		panic("trap: usertrap: not the CPU's current process")
	}
	p.Frame.Epc = epc

	var kind Kind
	switch cause {
	case CauseSyscall:
		if proc.Killed(p, c) {
			return ctl.exitKilled(p, c)
		}
		p.Frame.Epc += 4 // resume past the trapping instruction
		c.IntrOn = true  // safe now that scause/epc are saved
		if ctl.Syscall == nil {
			panic("trap: usertrap: syscall cause with no Syscall dispatcher installed")
		}
		c = ctl.Syscall(p, c)
	case CauseDevice:
		kind = ctl.devIntr(c)
		if kind == KindUnknown {
			proc.SetKilled(p, c)
		}
	default:
		proc.SetKilled(p, c)
	}

	if proc.Killed(p, c) {
		return ctl.exitKilled(p, c)
	}
	if kind == KindTimer {
		c = proc.Yield(p, c)
	}
	return ctl.UserTrapRet(p, c)
}

func (ctl *Controller) exitKilled(p *proc.Process, c *proc.CPU) *proc.CPU {
	ctl.table.Exit(p, c, -1)
	panic("trap: exitKilled: unreachable, Exit never returns")
}

// UserTrapRet is usertrapret(): repopulates the bookkeeping fields the next
// trap into this process will need, and marks the process ready to resume
// in user mode with interrupts enabled on resume. There is no trampoline or
// page-table switch to perform in this simulator; what's left of the
// original's "restore user pc, switch page table, sret" is the fact that
// p.Frame.Epc is now authoritative for the process's next resumption point.
func (ctl *Controller) UserTrapRet(p *proc.Process, c *proc.CPU) *proc.CPU {
	c.IntrOn = false
	p.Frame.KernelHartID = int(c.CPUID())
	return c
}

// KernelTrap is kerneltrap(): entered with interrupts disabled while
// running kernel code (not necessarily on behalf of any process — e.g. the
// scheduler loop itself). savedEpc must come from the caller because this
// simulator has no real trap registers to read; it round-trips unchanged,
// mirroring the original's save-dispatch-restore shape so a caller that
// stacked state before calling in gets it back afterward. Returns the CPU
// to resume on, which a Yield may change to a different *proc.CPU than was
// passed in — exactly as a kernel thread may resume on a different
// hardware thread.
func (ctl *Controller) KernelTrap(c *proc.CPU, savedEpc uint64) (*proc.CPU, uint64) {
	kind := ctl.devIntr(c)
	if kind == KindUnknown {
		panic(fmt.Sprintf("trap: kerneltrap: unrecognized cause on cpu %d", c.CPUID()))
	}

	// Timer interrupts only yield when this CPU is running some process's
	// kernel thread; c.Proc == nil means the CPU is inside the scheduler
	// loop itself, where yielding would re-enter swtch with no process
	// context to save into (spec.md §4.5, §4.4's c->proc==0 convention).
	if kind == KindTimer && c.Proc != nil {
		c = proc.Yield(c.Proc, c)
	}

	return c, savedEpc
}
