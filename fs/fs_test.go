package fs

import (
	"strings"
	"testing"
	"time"

	"github.com/Sheng99100/SeedOS/bio"
	"github.com/Sheng99100/SeedOS/disk"
	"github.com/Sheng99100/SeedOS/internal/testutil"
	"github.com/Sheng99100/SeedOS/proc"
	"github.com/Sheng99100/SeedOS/wal"
)

func bootCPU() *proc.CPU { return proc.NewCPU(-1) }

func startCPUs(t *proc.Table, n int) {
	for i := 0; i < n; i++ {
		go proc.Scheduler(t, proc.NewCPU(i))
	}
}

// testLayout is small enough to keep tests fast but large enough to hold a
// handful of inodes, an indirect block's worth of data, and a short log.
var testLayout = Layout{TotalBlocks: 200, NInodes: 32, LogStart: 2, LogBlocks: 10}

type harness struct {
	table *proc.Table
	boot  *proc.CPU
	init  *proc.Process
	disk  *disk.Disk
	bio   *bio.Cache
	log   *wal.Log
	fs    *Table
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pt := proc.NewTable(16)
	startCPUs(pt, 2)
	boot := bootCPU()
	d := disk.New(pt, testLayout.TotalBlocks)
	bc := bio.New(pt, d, 16)
	log := wal.New(pt, d, testLayout.LogStart, testLayout.LogBlocks)

	init, ok := pt.Spawn(boot, nil, "init", func(p *proc.Process, c *proc.CPU) {
		<-make(chan struct{})
	})
	if !ok {
		t.Fatalf("failed to spawn init")
	}

	h := &harness{table: pt, boot: boot, init: init, disk: d, bio: bc, log: log}

	h.run(func(p *proc.Process, c *proc.CPU) *proc.CPU {
		fsTable, newC, err := MkFS(pt, p, c, bc, log, testLayout, 16)
		if err != nil {
			t.Fatalf("MkFS: %v", err)
		}
		h.fs = fsTable
		return newC
	})
	return h
}

// run spawns fn as a worker process and blocks until it returns, propagating
// the resulting CPU handoff the way a real kernel thread would — mirrors
// bio's own test harness.
func (h *harness) run(fn func(p *proc.Process, c *proc.CPU) *proc.CPU) {
	done := make(chan struct{})
	h.table.Spawn(h.boot, h.init, "worker", func(p *proc.Process, c *proc.CPU) {
		fn(p, c)
		close(done)
		h.table.Exit(p, c, 0)
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		panic("fs test worker never completed")
	}
}

func TestMkFSRootIsEmptyDirectory(t *testing.T) {
	h := newHarness(t)

	h.run(func(p *proc.Process, c *proc.CPU) *proc.CPU {
		root, newC, err := h.fs.Namei(p, c, "/")
		c = newC
		if err != nil {
			t.Fatalf("Namei(/): %v", err)
		}
		c, err = h.fs.ILock(p, c, root)
		if err != nil {
			t.Fatalf("ILock: %v", err)
		}
		if root.Type != TypeDir {
			t.Fatalf("root type = %v, want TypeDir", root.Type)
		}
		if root.Inum != RootIno {
			t.Fatalf("root inum = %d, want %d", root.Inum, RootIno)
		}

		buf := make([]byte, direntSize*2)
		n, newC2, err := h.fs.ReadI(p, c, root, buf, 0)
		c = newC2
		if err != nil {
			t.Fatalf("ReadI: %v", err)
		}
		if n != len(buf) {
			t.Fatalf("ReadI returned %d bytes, want %d (root should hold exactly . and ..)", n, len(buf))
		}

		type entry struct {
			Inum uint32
			Name string
		}
		got := []entry{
			{decodeDirent(buf[0:direntSize]).Inum, nameString(decodeDirent(buf[0:direntSize]).Name)},
			{decodeDirent(buf[direntSize : 2*direntSize]).Inum, nameString(decodeDirent(buf[direntSize : 2*direntSize]).Name)},
		}
		want := []entry{
			{RootIno, "."},
			{RootIno, ".."},
		}
		if diff := testutil.Diff(got, want); diff != "" {
			t.Fatalf("root directory entries mismatch (-got +want):\n%s", diff)
		}

		h.fs.IUnlock(p, c, root)
		c = h.fs.IPut(p, c, root)
		return c
	})
}

func nameString(b [DirSiz]byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}

func TestIGetIsSingleCachePerDevInum(t *testing.T) {
	h := newHarness(t)

	h.run(func(p *proc.Process, c *proc.CPU) *proc.CPU {
		a, err := h.fs.IGet(RootDev, RootIno)
		if err != nil {
			t.Fatalf("IGet: %v", err)
		}
		b, err := h.fs.IGet(RootDev, RootIno)
		if err != nil {
			t.Fatalf("second IGet: %v", err)
		}
		if a != b {
			t.Fatalf("expected IGet to return the same cache slot for the same (dev, inum)")
		}
		c = h.fs.IPut(p, c, a)
		c = h.fs.IPut(p, c, b)
		return c
	})
}

func TestIGetNeverTouchesDisk(t *testing.T) {
	h := newHarness(t)
	h.disk.SetLatency(200 * time.Millisecond)
	defer h.disk.SetLatency(0)

	h.run(func(p *proc.Process, c *proc.CPU) *proc.CPU {
		start := time.Now()
		ip, err := h.fs.IGet(RootDev, RootIno)
		if err != nil {
			t.Fatalf("IGet: %v", err)
		}
		if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
			t.Fatalf("IGet took %v, should never block on disk I/O", elapsed)
		}
		c = h.fs.IPut(p, c, ip)
		return c
	})
}

func TestCreateFileLinkUnlinkFreesInode(t *testing.T) {
	h := newHarness(t)

	h.run(func(p *proc.Process, c *proc.CPU) *proc.CPU {
		root, err := h.fs.IGet(RootDev, RootIno)
		if err != nil {
			t.Fatalf("IGet root: %v", err)
		}
		c, err = h.fs.ILock(p, c, root)
		if err != nil {
			t.Fatalf("ILock root: %v", err)
		}

		c = h.log.Begin(p, c)
		file, newC, err := h.fs.IAlloc(p, c, RootDev, TypeFile)
		c = newC
		if err != nil {
			t.Fatalf("IAlloc: %v", err)
		}
		c, err = h.fs.ILock(p, c, file)
		if err != nil {
			t.Fatalf("ILock file: %v", err)
		}
		file.Nlink = 1
		c = h.fs.iupdateLocked(p, c, file)
		h.fs.IUnlock(p, c, file)

		if c, err = h.fs.DirLink(p, c, root, "greeting.txt", file.Inum); err != nil {
			t.Fatalf("DirLink: %v", err)
		}
		var commitErr error
		c, commitErr = h.log.End(p, c, func(bno int) {})
		if commitErr != nil {
			t.Fatalf("log End: %v", commitErr)
		}
		h.fs.IUnlock(p, c, root)

		found, _, newC2, err := func() (*Inode, int, *proc.CPU, error) {
			c2, err := h.fs.ILock(p, c, root)
			if err != nil {
				return nil, 0, c2, err
			}
			ip, off, c3, err := h.fs.DirLookup(p, c2, root, "greeting.txt")
			h.fs.IUnlock(p, c3, root)
			return ip, off, c3, err
		}()
		c = newC2
		if err != nil {
			t.Fatalf("DirLookup after link: %v", err)
		}
		if found.Inum != file.Inum {
			t.Fatalf("DirLookup returned inum %d, want %d", found.Inum, file.Inum)
		}
		c = h.fs.IPut(p, c, found)

		// Unlink: drop the link count to zero and IPut the last reference,
		// which must truncate and invalidate the inode.
		c, err = h.fs.ILock(p, c, file)
		if err != nil {
			t.Fatalf("ILock file for unlink: %v", err)
		}
		c = h.log.Begin(p, c)
		file.Nlink = 0
		c = h.fs.iupdateLocked(p, c, file)
		c, err = h.log.End(p, c, func(bno int) {})
		if err != nil {
			t.Fatalf("log End for unlink: %v", err)
		}
		h.fs.IUnlock(p, c, file)
		c = h.fs.IPut(p, c, file)

		refetched, err := h.fs.IGet(RootDev, file.Inum)
		if err != nil {
			t.Fatalf("IGet after unlink: %v", err)
		}
		if refetched != file {
			t.Fatalf("expected the freed slot to be recycled for the same inum")
		}
		// A freed inode is not valid until ILock reloads it; IPut must have
		// reset that so a stale in-memory type can't leak into a new file.
		// ILock panics on a free inode, so the on-disk record is read
		// directly to check its type.
		if refetched.valid {
			t.Fatalf("expected the recycled slot to be invalid until reloaded")
		}
		b, newC3, err := h.bio.Read(p, c, RootDev, h.fs.sb.InodeBlock(refetched.Inum))
		c = newC3
		if err != nil {
			t.Fatalf("reading freed inode's block: %v", err)
		}
		di := decodeDInode(b, refetched.Inum, h.fs.sb)
		h.bio.Release(p, c, b)
		if di.Type != TypeFree {
			t.Fatalf("expected freed inode's on-disk type to be TypeFree, got %v", di.Type)
		}
		c = h.fs.IPut(p, c, refetched)
		c = h.fs.IPut(p, c, root)
		return c
	})
}

func TestNamexResolvesNestedDotPath(t *testing.T) {
	h := newHarness(t)

	h.run(func(p *proc.Process, c *proc.CPU) *proc.CPU {
		direct, c2, err := h.fs.Namei(p, c, "/")
		c = c2
		if err != nil {
			t.Fatalf("Namei(/): %v", err)
		}
		c = h.fs.IPut(p, c, direct)

		viaDot, c3, err := h.fs.Namei(p, c, "/./.")
		c = c3
		if err != nil {
			t.Fatalf("Namei(/./.): %v", err)
		}
		if viaDot.Inum != RootIno {
			t.Fatalf("Namei(/./.) resolved to inum %d, want %d", viaDot.Inum, RootIno)
		}
		c = h.fs.IPut(p, c, viaDot)
		return c
	})
}

func TestNameiParentStopsOneLevelEarly(t *testing.T) {
	h := newHarness(t)

	h.run(func(p *proc.Process, c *proc.CPU) *proc.CPU {
		parent, name, newC, err := h.fs.NameiParent(p, c, "/greeting.txt")
		c = newC
		if err != nil {
			t.Fatalf("NameiParent: %v", err)
		}
		if parent.Inum != RootIno {
			t.Fatalf("NameiParent(/greeting.txt) parent inum = %d, want root %d", parent.Inum, RootIno)
		}
		if name != "greeting.txt" {
			t.Fatalf("NameiParent returned name %q, want %q", name, "greeting.txt")
		}
		c = h.fs.IPut(p, c, parent)
		return c
	})
}

func TestNameiParentOfRootFails(t *testing.T) {
	h := newHarness(t)

	h.run(func(p *proc.Process, c *proc.CPU) *proc.CPU {
		_, _, newC, err := h.fs.NameiParent(p, c, "/")
		c = newC
		if err == nil {
			t.Fatalf("expected NameiParent(/) to fail: the root has no parent")
		}
		return c
	})
}

func TestNamexThroughNonDirectoryFails(t *testing.T) {
	h := newHarness(t)

	h.run(func(p *proc.Process, c *proc.CPU) *proc.CPU {
		root, err := h.fs.IGet(RootDev, RootIno)
		if err != nil {
			t.Fatalf("IGet root: %v", err)
		}
		c, err = h.fs.ILock(p, c, root)
		if err != nil {
			t.Fatalf("ILock root: %v", err)
		}
		c = h.log.Begin(p, c)
		file, newC, err := h.fs.IAlloc(p, c, RootDev, TypeFile)
		c = newC
		if err != nil {
			t.Fatalf("IAlloc: %v", err)
		}
		if c, err = h.fs.DirLink(p, c, root, "leaf", file.Inum); err != nil {
			t.Fatalf("DirLink: %v", err)
		}
		c, err = h.log.End(p, c, func(bno int) {})
		if err != nil {
			t.Fatalf("log End: %v", err)
		}
		h.fs.IUnlock(p, c, root)
		c = h.fs.IPut(p, c, root)

		_, _, newC2, err := h.fs.Namex(p, c, "/leaf/child", false)
		c = newC2
		if err == nil {
			t.Fatalf("expected walking through a non-directory path element to fail")
		}
		return c
	})
}

// TestNamexConcurrentLookupsDoNotDeadlock exercises namex's "." handling
// (a lookup resolving to the same directory it started from) in two
// concurrent lookups of the same path, asserting both complete without
// deadlocking — spec.md §8's concurrent-lookup scenario.
func TestNamexConcurrentLookupsDoNotDeadlock(t *testing.T) {
	h := newHarness(t)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		// Each goroutine spawns its worker through its own boot CPU: two
		// goroutines sharing one CPU identity trip the spinlock's
		// self-deadlock check.
		hh := *h
		hh.boot = proc.NewCPU(100 + i)
		go func() {
			hh.run(func(p *proc.Process, c *proc.CPU) *proc.CPU {
				ip, newC, err := h.fs.Namei(p, c, "/./.")
				c = newC
				if err != nil {
					t.Errorf("Namei(/./.): %v", err)
					return c
				}
				c = h.fs.IPut(p, c, ip)
				return c
			})
			done <- struct{}{}
		}()
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("concurrent namex lookups deadlocked")
		}
	}
}

func TestWriteIThenReadIRoundTrips(t *testing.T) {
	h := newHarness(t)

	h.run(func(p *proc.Process, c *proc.CPU) *proc.CPU {
		root, err := h.fs.IGet(RootDev, RootIno)
		if err != nil {
			t.Fatalf("IGet root: %v", err)
		}
		c, err = h.fs.ILock(p, c, root)
		if err != nil {
			t.Fatalf("ILock root: %v", err)
		}
		c = h.log.Begin(p, c)
		file, newC, err := h.fs.IAlloc(p, c, RootDev, TypeFile)
		c = newC
		if err != nil {
			t.Fatalf("IAlloc: %v", err)
		}
		c, err = h.fs.ILock(p, c, file)
		if err != nil {
			t.Fatalf("ILock file: %v", err)
		}
		file.Nlink = 1
		c = h.fs.iupdateLocked(p, c, file)

		want := []byte("hello, filesystem")
		n, newC2, err := h.fs.WriteI(p, c, file, want, 0)
		c = newC2
		if err != nil {
			t.Fatalf("WriteI: %v", err)
		}
		if n != len(want) {
			t.Fatalf("WriteI wrote %d bytes, want %d", n, len(want))
		}
		h.fs.IUnlock(p, c, file)
		c = h.fs.IPut(p, c, file)
		c, err = h.log.End(p, c, func(bno int) {})
		if err != nil {
			t.Fatalf("log End: %v", err)
		}
		h.fs.IUnlock(p, c, root)
		c = h.fs.IPut(p, c, root)

		reread, err := h.fs.IGet(RootDev, file.Inum)
		if err != nil {
			t.Fatalf("IGet: %v", err)
		}
		c, err = h.fs.ILock(p, c, reread)
		if err != nil {
			t.Fatalf("ILock: %v", err)
		}
		got := make([]byte, len(want))
		n, newC3, err := h.fs.ReadI(p, c, reread, got, 0)
		c = newC3
		if err != nil {
			t.Fatalf("ReadI: %v", err)
		}
		if n != len(want) || string(got) != string(want) {
			t.Fatalf("ReadI = %q (%d bytes), want %q", got, n, want)
		}
		h.fs.IUnlock(p, c, reread)
		c = h.fs.IPut(p, c, reread)
		return c
	})
}

func TestWritesOutsideTransactionRejectedByLog(t *testing.T) {
	h := newHarness(t)

	h.run(func(p *proc.Process, c *proc.CPU) *proc.CPU {
		defer func() {
			r := recover()
			if r == nil {
				t.Fatalf("expected log.Write with no transaction outstanding to panic")
				return
			}
			msg, ok := r.(string)
			if !ok || !strings.Contains(msg, "outside begin_op/end_op") {
				t.Fatalf("unexpected panic value: %v", r)
			}
		}()
		// No h.log.Begin call precedes this: newHarness's own MkFS
		// transaction has already closed by the time this worker runs, so
		// the log has zero transactions outstanding here.
		h.log.Write(testLayout.LogStart)
		return c
	})
}
