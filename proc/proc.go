// Package proc implements the process table and scheduler (spec.md C4) and,
// alongside it, the sleep/wakeup channel mechanism (spec.md C2) — the two
// live in the same package because wakeup must scan the same table alloc and
// sched mutate, exactly as kernel/proc.c keeps sleep()/wakeup() beside the
// ptable they both touch.
//
// "Hardware threads" are rendered as goroutines; each CPU runs Scheduler in
// its own goroutine, and each live process runs its workload (the Entry
// function passed to Fork/Table.Spawn) in a goroutine of its own. Handing
// the CPU from the scheduler to a process, and back, is done with a pair of
// unbuffered channels rather than a register-level swtch — see sched() in
// sched.go for the mapping.
package proc

import (
	"fmt"
	"sync"

	"github.com/Sheng99100/SeedOS/spinlock"
)

// State is a process's position in the lifecycle spec.md §4.4 describes.
type State int

const (
	Unused State = iota
	Used
	Sleeping
	Runnable
	Running
	Zombie
)

func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Used:
		return "used"
	case Sleeping:
		return "sleeping"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Zombie:
		return "zombie"
	default:
		return "???"
	}
}

// Releasable is the minimal shape proc needs from a cwd inode or an
// open-file-table entry: something it can drop a reference to on exit. It is
// deliberately tiny so this package does not need to import fs.
type Releasable interface {
	Release()
}

// Entry is the body of a process's kernel thread: it runs on its own
// goroutine and is handed the CPU it is currently executing on. An Entry
// must end by calling Table.Exit itself; runLifetime does not call it on
// the Entry's behalf if it simply returns (unlike a userspace process
// falling off the end of main, there is no implicit exit(0) here).
type Entry func(p *Process, c *CPU)

// Frame is the saved user-trap state a trap handler must preserve across
// the window where it reenables interrupts (spec.md §4.5): the user
// program counter at the moment of the trap, plus the kernel-side fields
// the return path repopulates on every trap so the next entry stub knows
// where to come back to. Part of Process rather than package trap, exactly
// as the original keeps trapframe embedded in struct proc.
type Frame struct {
	Epc          uint64
	KernelSP     int
	KernelHartID int
}

// Process is one process-table slot (spec.md §3's "Process").
type Process struct {
	Pid        int
	ParentPid  int // weak link: looked up by id, never a strong pointer (see DESIGN.md)
	Name       string
	State      State
	Lock       spinlock.Spinlock
	Killed     bool
	ExitStatus int

	// ChanKey is the sleep channel this process is blocked on; valid only
	// while State == Sleeping, and protected by Lock like the rest of this
	// struct's mutable fields.
	ChanKey any

	Cwd   Releasable
	Files []Releasable

	Frame Frame

	entry Entry

	runCh  chan *CPU     // scheduler -> process: "you're running, on this CPU"
	doneCh chan struct{} // process -> scheduler: "I've stopped running"
}

// Table is the fixed-size process table plus the locks that arbitrate
// lifecycle transitions across it: WaitLock (spec.md §4.4's "wait-lock",
// acquired before any process lock) and a small pid counter lock.
type Table struct {
	Procs   []*Process
	InitPid int

	WaitLock spinlock.Spinlock

	pidLock spinlock.Spinlock
	nextPid int

	fsInitOnce sync.Once
	// OnFirstSchedule runs exactly once, the first time any process in this
	// table is ever scheduled — the Go analogue of forkret()'s one-shot
	// fsinit(ROOTDEV) call, which must run inside a process's kernel
	// thread because it may sleep. It runs on behalf of whichever process
	// is scheduled first (ordinarily the table's init process), and is
	// handed that process's p/c so it can do so.
	OnFirstSchedule func(p *Process, c *CPU)
}

// NewTable allocates n process slots, all Unused.
func NewTable(n int) *Table {
	t := &Table{
		InitPid: -1,
		nextPid: 1,
	}
	t.WaitLock = *spinlock.New("wait_lock")
	t.pidLock = *spinlock.New("pid_lock")
	t.Procs = make([]*Process, n)
	for i := range t.Procs {
		p := &Process{State: Unused}
		p.Lock = *spinlock.New(fmt.Sprintf("proc[%d].lock", i))
		t.Procs[i] = p
	}
	return t
}

func (t *Table) allocPid(c *CPU) int {
	t.pidLock.Acquire(c)
	pid := t.nextPid
	t.nextPid++
	t.pidLock.Release(c)
	return pid
}

func (t *Table) byPid(pid int) *Process {
	for _, p := range t.Procs {
		if p.Pid == pid {
			return p
		}
	}
	return nil
}

// alloc finds an Unused slot, transitions it to Used, and starts the
// goroutine that will run its kernel thread once the scheduler first picks
// it. It returns with p.Lock held, exactly as allocproc() in the original
// returns to its caller still holding p->lock — the caller (Spawn) is
// responsible for finishing setup and releasing it.
//
// Every (re)allocation of a slot gets a fresh runCh/doneCh pair and a fresh
// goroutine: a slot's previous kernel thread, if any, is permanently parked
// inside sched() (see Table.Exit) and is abandoned rather than reused — Go
// has no analogue of rewinding a context's program counter back to
// forkret(), so a new lifetime gets a new goroutine instead of reusing the
// old stack. See DESIGN.md.
func (t *Table) alloc(c *CPU) (*Process, bool) {
	for _, p := range t.Procs {
		p.Lock.Acquire(c)
		if p.State == Unused {
			p.Pid = t.allocPid(c)
			p.State = Used
			p.runCh = make(chan *CPU)
			p.doneCh = make(chan struct{})
			go t.runLifetime(p)
			return p, true
		}
		p.Lock.Release(c)
	}
	return nil, false
}

// free returns a process slot to Unused. Caller must hold p.Lock.
func (p *Process) free() {
	p.Pid = 0
	p.ParentPid = -1
	p.Name = ""
	p.ChanKey = nil
	p.Killed = false
	p.ExitStatus = 0
	p.Cwd = nil
	p.Files = nil
	p.entry = nil
	p.State = Unused
}

// Spawn allocates a process slot, installs entry as its kernel thread body,
// and marks it Runnable. parent == nil spawns the table's init process
// (spec.md's root init-process that inherits orphans); Spawn records
// t.InitPid the first time it is called with parent == nil.
//
// It corresponds to allocproc() + the RUNNABLE-marking tail of both
// userinit() and fork(): the two are unified here because, absent real user
// memory to copy, the only difference between "first process" and "forked
// child" is who (if anyone) the new process's parent is.
func (t *Table) Spawn(c *CPU, parent *Process, name string, entry Entry) (*Process, bool) {
	child, ok := t.alloc(c)
	if !ok {
		return nil, false
	}
	child.Name = name
	child.entry = entry
	pid := child.Pid
	child.Lock.Release(c)

	t.WaitLock.Acquire(c)
	if parent != nil {
		child.ParentPid = parent.Pid
	} else {
		child.ParentPid = -1
		if t.InitPid == -1 {
			t.InitPid = pid
		}
	}
	t.WaitLock.Release(c)

	child.Lock.Acquire(c)
	child.State = Runnable
	child.Lock.Release(c)

	return child, true
}

// runLifetime is the one-shot body launched by alloc: it blocks until the
// scheduler first runs this slot, performs the forkret() handoff (release
// the lock the scheduler is still holding, run one-shot init), then runs the
// workload.
func (t *Table) runLifetime(p *Process) {
	c := <-p.runCh
	// Still holding p.Lock from the scheduler (forkret()'s "still holding
	// p->lock from scheduler" comment).
	p.Lock.Release(c)

	t.fsInitOnce.Do(func() {
		if t.OnFirstSchedule != nil {
			t.OnFirstSchedule(p, c)
		}
	})

	if p.entry != nil {
		p.entry(p, c)
	}
}

// Dump is the Go analogue of procdump(): a lock-free, best-effort listing
// for diagnostics. It deliberately does not take any lock, on the same
// reasoning as the original ("No lock to avoid wedging a stuck machine
// further").
func (t *Table) Dump() string {
	out := "\n"
	for _, p := range t.Procs {
		if p.State == Unused {
			continue
		}
		out += fmt.Sprintf("%d %s %s\n", p.Pid, p.State, p.Name)
	}
	return out
}
