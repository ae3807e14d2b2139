package proc

import "github.com/Sheng99100/SeedOS/spinlock"

// sched hands the CPU from the calling process's kernel thread back to the
// scheduler, and blocks until the scheduler hands it the CPU again — which
// may be a different *CPU than the one it gave up, exactly as a kernel
// thread may resume on a different hardware thread. It is the Go analogue of
// swtch(&p->context, &mycpu()->context) inside sched() in kernel/proc.c.
//
// Preconditions (checked, matching the original's three panics): the caller
// holds p.Lock, has exactly one nested interrupt-disable section open on c,
// interrupts are currently off, and p.State is not Running.
func sched(p *Process, c *CPU) *CPU {
	if !p.Lock.Holding(c) {
		panic("proc: sched: p.lock not held")
	}
	if c.Noff != 1 {
		panic("proc: sched: locks held across context switch")
	}
	if p.State == Running {
		panic("proc: sched: process is running")
	}
	if c.IntrOn {
		panic("proc: sched: interruptible")
	}

	// intena is a property of this kernel thread, not of the CPU it
	// happens to be running on right now; save it on this call's stack
	// frame and restore it into whichever CPU resumes us.
	intena := c.Intena

	// Read runCh while still holding p.Lock: once this slot is freed, alloc
	// installs a fresh pair for the next lifetime, which this thread must
	// never receive from.
	runCh := p.runCh
	p.doneCh <- struct{}{} // "swtch out": let the scheduler proceed
	newC := <-runCh        // block until scheduled again, on some CPU

	newC.Intena = intena
	return newC
}

// Yield gives up the CPU for one scheduling round (spec.md §4.4's
// Running→Runnable transition). Returns the CPU the process resumes on.
func Yield(p *Process, c *CPU) *CPU {
	p.Lock.Acquire(c)
	p.State = Runnable
	newC := sched(p, c)
	p.Lock.Release(newC)
	return newC
}

// Sleep implements spec.md §4.2 exactly: atomically (with respect to any
// matched Wakeup) release lk, mark the process Sleeping on chanKey, yield to
// the scheduler, and on resume reacquire lk before returning. The caller
// must already hold lk.
func Sleep(p *Process, c *CPU, chanKey any, lk *spinlock.Spinlock) *CPU {
	// Must acquire p.Lock before releasing lk: once held, no Wakeup(chanKey)
	// can complete without seeing our Sleeping state (Wakeup also takes
	// p.Lock), so releasing lk here cannot lose a concurrent wakeup.
	p.Lock.Acquire(c)
	lk.Release(c)

	p.ChanKey = chanKey
	p.State = Sleeping

	newC := sched(p, c)

	p.ChanKey = nil
	p.Lock.Release(newC)
	lk.Acquire(newC)
	return newC
}

// Wakeup flips every process Sleeping on chanKey to Runnable. Spurious or
// redundant wakeups are harmless; callers of Sleep must recheck their
// predicate in a loop.
func (t *Table) Wakeup(c *CPU, chanKey any) {
	for _, p := range t.Procs {
		if p == c.Proc {
			continue
		}
		p.Lock.Acquire(c)
		if p.State == Sleeping && p.ChanKey == chanKey {
			p.State = Runnable
		}
		p.Lock.Release(c)
	}
}

// Kill sets the target's Killed flag and, if it is Sleeping, promotes it to
// Runnable so it observes the flag on its next trip through sched/sleep.
// Cancellation is otherwise only acted on at the next user-mode return (see
// package trap).
func (t *Table) Kill(c *CPU, pid int) bool {
	for _, p := range t.Procs {
		p.Lock.Acquire(c)
		if p.Pid == pid {
			p.Killed = true
			if p.State == Sleeping {
				p.State = Runnable
			}
			p.Lock.Release(c)
			return true
		}
		p.Lock.Release(c)
	}
	return false
}

// SetKilled marks p killed; used by a process to kill itself (e.g. on a
// fatal copy-in/copy-out fault) without needing to know its own pid.
func SetKilled(p *Process, c *CPU) {
	p.Lock.Acquire(c)
	p.Killed = true
	p.Lock.Release(c)
}

// Killed reports whether p has been marked for death.
func Killed(p *Process, c *CPU) bool {
	p.Lock.Acquire(c)
	k := p.Killed
	p.Lock.Release(c)
	return k
}

// reparent hands p's children to the table's init process. Caller must hold
// WaitLock. ParentPid is guarded by WaitLock rather than by each child's own
// Lock, which is why this walks the table without touching any p.Lock.
func (t *Table) reparent(c *CPU, p *Process) {
	for _, pp := range t.Procs {
		if pp.ParentPid == p.Pid {
			pp.ParentPid = t.InitPid
			t.Wakeup(c, t.byPid(t.InitPid))
		}
	}
}

// Exit implements spec.md §4.4's exit(status): close files, release cwd,
// reparent children to init (waking it), record status, become Zombie under
// WaitLock, then yield to the scheduler forever. It never returns.
//
// Calling Exit on a process already Zombie is a no-op (idempotent — see
// SPEC_FULL.md's Open Questions decision): a kill delivered while a process
// is already exiting must not re-run the close/reparent sequence twice.
func (t *Table) Exit(p *Process, c *CPU, status int) {
	if p.Pid == t.InitPid {
		panic("proc: init exiting")
	}

	p.Lock.Acquire(c)
	if p.State == Zombie {
		sched(p, c) // rendezvous with the scheduler and never return, same as below
		panic("proc: zombie exit")
	}
	p.Lock.Release(c)

	for i, f := range p.Files {
		if f != nil {
			f.Release()
		}
		p.Files[i] = nil
	}
	if p.Cwd != nil {
		p.Cwd.Release()
		p.Cwd = nil
	}

	t.WaitLock.Acquire(c)
	t.reparent(c, p)
	if parent := t.byPid(p.ParentPid); parent != nil {
		t.Wakeup(c, parent)
	}

	p.Lock.Acquire(c)
	p.ExitStatus = status
	p.State = Zombie
	t.WaitLock.Release(c)

	sched(p, c)
	panic("proc: zombie exit")
}

// Fork is Spawn specialized to the common case of a child cloning its
// parent's name, kept under the name spec.md §4.4 uses for the operation.
func Fork(t *Table, c *CPU, parent *Process, entry Entry) (*Process, bool) {
	return t.Spawn(c, parent, parent.Name, entry)
}

// Scheduler is the per-CPU dispatch loop (spec.md §4.4's scheduler()): scan
// the table for a Runnable process, hand it the CPU, and wait for it to stop
// running (by yielding, sleeping, or exiting) before moving on. It never
// returns; callers run it in its own goroutine, one per simulated CPU.
func Scheduler(t *Table, c *CPU) {
	for {
		// Interrupts are enabled between processes so a timer or device
		// interrupt can mark some other process Runnable while this CPU
		// looks for work — matching the original's intr_on() at the top of
		// the outer scheduler() loop.
		c.IntrOn = true

		ran := false
		for _, p := range t.Procs {
			p.Lock.Acquire(c)
			if p.State == Runnable {
				p.State = Running
				c.Proc = p

				p.runCh <- c
				<-p.doneCh

				c.Proc = nil
				ran = true
			}
			p.Lock.Release(c)
		}

		if !ran {
			// No process to run this sweep; a real CPU would wfi() here.
			// Nothing to simulate beyond looping, since Go's scheduler
			// already time-slices this goroutine fairly against others.
		}
	}
}

// Wait implements spec.md §4.4's wait(out_status): under WaitLock, scan for
// a child of p; a Zombie child is reaped (status returned, slot freed); if
// children exist but none are Zombie, sleep on p itself (the same channel
// value Exit wakes); if there are no children, fail immediately.
func Wait(t *Table, p *Process, c *CPU) (childPid int, status int, newC *CPU) {
	newC = c
	t.WaitLock.Acquire(newC)
	for {
		haveKids := false
		for _, pp := range t.Procs {
			if pp.ParentPid != p.Pid {
				continue
			}
			pp.Lock.Acquire(newC)
			haveKids = true
			if pp.State == Zombie {
				pid := pp.Pid
				st := pp.ExitStatus
				pp.free()
				pp.Lock.Release(newC)
				t.WaitLock.Release(newC)
				return pid, st, newC
			}
			pp.Lock.Release(newC)
		}
		if !haveKids || Killed(p, newC) {
			t.WaitLock.Release(newC)
			return -1, 0, newC
		}
		newC = Sleep(p, newC, p, &t.WaitLock)
	}
}
