// Command seedos boots the kernel and runs it until SIGINT or SIGTERM, then
// prints the process table dump and exits; the simulated CPUs themselves,
// like original main()'s harts in scheduler(), never stop on their own. It is
// a thin wrapper around package kernel in the same spirit as the teacher's
// own example/main.go (flag-parse, build the library's top-level type,
// run it) — out of scope for automated testing per SPEC_FULL.md, included
// for completeness since spec.md §1 names "the first user program" only
// as an external collaborator.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sheng99100/SeedOS/fs"
	"github.com/Sheng99100/SeedOS/kernel"
	"github.com/Sheng99100/SeedOS/proc"
)

func main() {
	cpus := flag.Int("cpus", 2, "number of simulated CPUs")
	blocks := flag.Int("blocks", 1024, "disk size in blocks")
	inodes := flag.Int("inodes", 200, "number of on-disk inodes")
	logBlocks := flag.Int("log-blocks", 30, "log region size in blocks")
	latency := flag.Duration("disk-latency", 0, "simulated disk RW latency")
	flag.Parse()

	cfg := kernel.Config{
		NumCPUs: *cpus,
		Layout: fs.Layout{
			TotalBlocks: *blocks,
			NInodes:     *inodes,
			LogStart:    2,
			LogBlocks:   *logBlocks,
		},
		DiskLatency: *latency,
		Console:     os.Stdout,
		Shell:       shell,
	}

	k, err := kernel.Boot(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seedos: boot: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "seedos: booted, init pid %d, %d CPU(s)\n", k.Init.Pid, *cpus)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := k.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "seedos: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stdout, k.Dump())
}

// shell stands in for init.c's exec("sh", argv): there is no exec or
// loaded binary in this simulator, so the "program" init's child runs is
// just this function body. It prints a banner and idles, since there is
// no interactive console wired to a real terminal in this CLI yet.
func shell(p *proc.Process, c *proc.CPU) {
	fmt.Fprintf(os.Stdout, "seedos: sh[%d] starting\n", p.Pid)
	time.Sleep(time.Hour)
}
