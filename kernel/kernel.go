// Package kernel is the boot/glue layer: it wires every other package
// together the way original_source/kernel/main.c's main() does, one
// component at a time, and stands in for the "first user process" story
// original_source/user/init.c tells (fork a shell, wait for it, relaunch).
//
// There is no real hardware to bring up here, so the parts of main() that
// touch the MMU, the PLIC, or virtio are either absent (nothing in this
// simulator needs a real interrupt controller) or already performed by
// the package being wired in (disk.New stands in for virtio_disk_init).
package kernel

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Sheng99100/SeedOS/bio"
	"github.com/Sheng99100/SeedOS/console"
	"github.com/Sheng99100/SeedOS/disk"
	"github.com/Sheng99100/SeedOS/fs"
	"github.com/Sheng99100/SeedOS/internal/testutil"
	"github.com/Sheng99100/SeedOS/mm"
	"github.com/Sheng99100/SeedOS/proc"
	"github.com/Sheng99100/SeedOS/trap"
	"github.com/Sheng99100/SeedOS/wal"
)

// Config is every knob main()'s hard-coded constants turn into at this
// layer (spec.md's NPROC, NBUF and friends), plus the two hooks this
// simulator needs that real hardware doesn't: Console, the output sink a
// real boot would wire to a UART, and Shell, the workload init forks and
// relaunches forever in place of exec("sh", argv) — there is no exec here,
// so the caller supplies the child's whole body directly.
type Config struct {
	NumCPUs  int // scheduler goroutines, analogous to NCPU harts
	NumProcs int // process table size, NPROC
	NumBufs  int // buffer cache size, NBUF
	NumPages int // physical pages kinit() hands to the page allocator

	Layout        fs.Layout // on-disk geometry; see fs.MkFS
	NumInodeCache int       // in-memory inode cache size (distinct from Layout.NInodes)

	DiskLatency time.Duration // simulated seek/transfer delay; 0 is instant

	Console io.Writer  // where Write()s land; os.Stdout in a real boot
	Shell   proc.Entry // init's child workload, relaunched on every exit
}

func (cfg *Config) setDefaults() {
	if cfg.NumCPUs <= 0 {
		cfg.NumCPUs = 1
	}
	if cfg.NumProcs <= 0 {
		cfg.NumProcs = 64
	}
	if cfg.NumBufs <= 0 {
		cfg.NumBufs = 32
	}
	if cfg.NumPages <= 0 {
		cfg.NumPages = 256
	}
	if cfg.NumInodeCache <= 0 {
		cfg.NumInodeCache = 50
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	if cfg.Shell == nil {
		cfg.Shell = func(p *proc.Process, c *proc.CPU) {}
	}
}

// Kernel is a fully booted instance: every collaborator main() builds,
// reachable for tests and for cmd/seedos to poke at directly.
type Kernel struct {
	Table   *proc.Table
	Disk    *disk.Disk
	Bio     *bio.Cache
	Log     *wal.Log
	FS      *fs.Table
	Trap    *trap.Controller
	Console *console.Console
	Mem     *mm.Allocator

	boot *proc.CPU
	Init *proc.Process

	harness *testutil.Harness
}

// Boot performs the one-shot, single-threaded init sequence spec.md §9
// names (process table, buffer cache, log, inode cache, disk; here also
// the page allocator and console), then starts cfg.NumCPUs scheduler
// goroutines and spawns init. It blocks until the filesystem has finished
// formatting/mounting — the Go analogue of iinit() completing before
// userinit() ever gets scheduled — and returns once init itself has begun
// running.
//
// Corresponds to main()'s cpuid()==0 branch plus the `started` handshake
// that releases the other harts into scheduler(): there every CPU,
// including 0, ends up inside scheduler() via an unconditional fallthrough
// at the bottom of main(); here every CPU's scheduler goroutine is started
// up front; the one-shot setup above happens not in this goroutine but on
// init's own kernel thread, via Table.OnFirstSchedule, because filesystem
// setup may sleep and no goroutine here has a process to sleep on behalf
// of before init exists.
func Boot(cfg Config) (*Kernel, error) {
	cfg.setDefaults()

	if cfg.Layout.TotalBlocks == 0 {
		return nil, fmt.Errorf("kernel: boot: Config.Layout is required")
	}

	pt := proc.NewTable(cfg.NumProcs)
	d := disk.New(pt, cfg.Layout.TotalBlocks)
	if cfg.DiskLatency > 0 {
		d.SetLatency(cfg.DiskLatency)
	}
	bc := bio.New(pt, d, cfg.NumBufs)
	log := wal.New(pt, d, cfg.Layout.LogStart, cfg.Layout.LogBlocks)
	ctl := trap.New(pt)
	cons := console.New(pt, cfg.Console)
	mem, err := mm.NewAllocator(cfg.NumPages)
	if err != nil {
		return nil, fmt.Errorf("kernel: boot: page allocator: %w", err)
	}

	k := &Kernel{
		Table:   pt,
		Disk:    d,
		Bio:     bc,
		Log:     log,
		Trap:    ctl,
		Console: cons,
		Mem:     mem,
	}

	mkfsDone := make(chan error, 1)
	pt.OnFirstSchedule = func(p *proc.Process, c *proc.CPU) {
		fsTable, _, err := fs.MkFS(pt, p, c, bc, log, cfg.Layout, cfg.NumInodeCache)
		if err == nil {
			k.FS = fsTable
		}
		mkfsDone <- err
	}

	k.harness = testutil.NewHarness(context.Background())
	for i := 0; i < cfg.NumCPUs; i++ {
		id := i
		k.harness.Go(func() error {
			proc.Scheduler(pt, proc.NewCPU(id))
			return nil // unreachable: Scheduler never returns
		})
	}

	k.boot = proc.NewCPU(-1)
	init, ok := pt.Spawn(k.boot, nil, "init", func(p *proc.Process, c *proc.CPU) {
		k.initMain(p, c, cfg.Shell)
	})
	if !ok {
		mem.Close()
		return nil, fmt.Errorf("kernel: boot: process table full, cannot spawn init")
	}
	k.Init = init

	select {
	case err := <-mkfsDone:
		if err != nil {
			mem.Close()
			return nil, fmt.Errorf("kernel: boot: mkfs: %w", err)
		}
	case <-time.After(5 * time.Second):
		mem.Close()
		return nil, fmt.Errorf("kernel: boot: mkfs did not complete")
	}

	return k, nil
}

// initMain is init.c's main(): mount the root directory as init's cwd (the
// namei("/") userinit() does directly, done here instead since it's now
// safe to sleep), then fork the shell workload forever, waiting for it (or
// any reparented orphan) to exit before relaunching it — init.c's
// fork/exec/wait loop with exec's replacement-of-self dropped, since there
// is no exec in this simulator: the forked child's body directly is the
// "program" it execs into.
func (k *Kernel) initMain(p *proc.Process, c *proc.CPU, shell proc.Entry) {
	root, c, err := k.FS.Namei(p, c, "/")
	if err != nil {
		panic(fmt.Sprintf("kernel: init: namei(/): %v", err))
	}
	p.Cwd = fs.NewCwdRef(k.FS, root)

	for {
		child, ok := proc.Fork(k.Table, c, p, func(cp *proc.Process, cc *proc.CPU) {
			shell(cp, cc)
			k.Table.Exit(cp, cc, 0)
		})
		if !ok {
			panic("kernel: init: process table full, cannot start shell")
		}

		for {
			pid, _, newC := proc.Wait(k.Table, p, c)
			c = newC
			if pid == child.Pid || pid < 0 {
				// Either the shell itself exited (relaunch it) or wait
				// failed outright (no children, which can't happen right
				// after Fork succeeded, or this process was killed).
				break
			}
			// A reparented orphan exited; keep waiting for the shell.
		}
	}
}

// Run blocks until every scheduler goroutine stops (never, barring a
// panic) or ctx is cancelled. The scheduler goroutines themselves do not
// observe ctx — there is no cooperative-shutdown path modeled, matching a
// real kernel's main() never returning either — so cancelling ctx returns
// Run's caller without actually stopping the simulated CPUs; see
// DESIGN.md.
func (k *Kernel) Run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- k.harness.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dump is procdump(): a best-effort, lock-free process table listing.
func (k *Kernel) Dump() string {
	return k.Table.Dump()
}
