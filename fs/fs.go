// Package fs implements the inode cache, content addressing, directory
// operations, and path resolution (spec.md C7), plus the supplemented
// on-disk superblock and free-block bitmap needed to give Bmap something
// real to allocate from (see SPEC_FULL.md §6).
package fs

import (
	"fmt"
	"sync"

	"github.com/Sheng99100/SeedOS/bio"
	"github.com/Sheng99100/SeedOS/proc"
	"github.com/Sheng99100/SeedOS/sleeplock"
	"github.com/Sheng99100/SeedOS/wal"
)

const (
	// RootDev and RootIno are the teaching kernel's only device and the
	// fixed inode number of the root directory, following the original's
	// ROOTDEV/ROOTINO.
	RootDev = 1
	RootIno = 1

	// NDirect and NIndirect bound an inode's addressable blocks: NDirect
	// direct block pointers plus one indirect block of NIndirect =
	// BlockSize/4 pointers (one 4-byte uint32 per pointer).
	NDirect   = 12
	NIndirect = bio.BlockSizeWords
	MaxFile   = NDirect + NIndirect

	// DirSiz bounds a directory entry's name length, mirroring DIRSIZ.
	DirSiz = 14
)

// Type enumerates an inode's on-disk type; zero means unallocated.
type Type int16

const (
	TypeFree Type = iota
	TypeDir
	TypeFile
	TypeDevice
)

// DInode is the on-disk inode format (struct dinode).
type DInode struct {
	Type  Type
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDirect + 1]uint32
}

// Dirent is one fixed-size directory record (struct dirent): Inum==0 means
// an empty slot.
type Dirent struct {
	Inum uint32
	Name [DirSiz]byte
}

// Inode is the in-memory cache entry (spec.md §3). Dev/Inum/ref are guarded
// by the inode table's lock; Lock (the embedded sleeping lock) guards
// everything else, exactly mirroring the buffer cache's split.
type Inode struct {
	Dev  int
	Inum uint32
	ref  int

	Lock  *sleeplock.Lock
	valid bool

	DInode
}

// Table is the fixed-size in-memory inode cache, semantically parallel to
// bio.Cache.
type Table struct {
	mu   sync.Mutex
	ents []*Inode

	sb    Superblock
	disk  *bio.Cache
	table *proc.Table
	log   *wal.Log
}

// New builds an inode cache of n entries, bound to the given superblock,
// buffer cache, process table (for locking) and log (for transactional
// writes).
func New(t *proc.Table, disk *bio.Cache, log *wal.Log, sb Superblock, n int) *Table {
	it := &Table{table: t, disk: disk, log: log, sb: sb}
	it.ents = make([]*Inode, n)
	for i := range it.ents {
		it.ents[i] = &Inode{Lock: sleeplock.New(fmt.Sprintf("inode[%d]", i))}
	}
	return it
}

// IGet finds or reserves a slot for (dev, inum): bumps ref on a hit,
// re-keys a ref-zero slot on a miss. Never touches disk or the sleeping
// lock.
func (t *Table) IGet(dev int, inum uint32) (*Inode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var empty *Inode
	for _, ip := range t.ents {
		if ip.ref > 0 && ip.Dev == dev && ip.Inum == inum {
			ip.ref++
			return ip, nil
		}
		if empty == nil && ip.ref == 0 {
			empty = ip
		}
	}
	if empty == nil {
		return nil, fmt.Errorf("fs: iget: no free inodes")
	}
	empty.Dev = dev
	empty.Inum = inum
	empty.ref = 1
	empty.valid = false
	return empty, nil
}

// IDup bumps ip's reference count.
func (t *Table) IDup(ip *Inode) *Inode {
	t.mu.Lock()
	ip.ref++
	t.mu.Unlock()
	return ip
}

// ILock takes ip's sleeping lock and, if not valid, reads the on-disk
// inode via the buffer cache to populate the cached fields.
func (t *Table) ILock(p *proc.Process, c *proc.CPU, ip *Inode) (*proc.CPU, error) {
	if ip.ref < 1 {
		panic("fs: ilock: inode with ref < 1")
	}
	c = sleeplock.Acquire(p, c, ip.Lock)
	if !ip.valid {
		bno := t.sb.InodeBlock(ip.Inum)
		b, newC, err := t.disk.Read(p, c, ip.Dev, bno)
		c = newC
		if err != nil {
			sleeplock.Release(t.table, c, ip.Lock)
			return c, err
		}
		di := decodeDInode(b, ip.Inum, t.sb)
		t.disk.Release(p, c, b)
		if di.Type == TypeFree {
			panic("fs: ilock: inode has no type")
		}
		ip.DInode = di
		ip.valid = true
	}
	return c, nil
}

// IUnlock releases ip's sleeping lock.
func (t *Table) IUnlock(p *proc.Process, c *proc.CPU, ip *Inode) {
	if !sleeplock.Holding(p, c, ip.Lock) {
		panic("fs: iunlock: not locked")
	}
	sleeplock.Release(t.table, c, ip.Lock)
}

// IPut drops a reference. If this was the last reference, the on-disk link
// count is zero, and the inode is valid, it truncates the file and frees
// the inode on disk before returning the slot to the reusable pool.
//
// The truncate-then-free sequence runs inside its own log transaction so
// the window is crash-atomic at the granularity of one IPut; there is still
// no orphan-inode journal across a crash between an unlink and this IPut
// (see SPEC_FULL.md §7 — TODO: journal orphaned zero-link inodes).
func (t *Table) IPut(p *proc.Process, c *proc.CPU, ip *Inode) *proc.CPU {
	t.mu.Lock()
	shouldFree := ip.ref == 1 && ip.valid && ip.Nlink == 0
	t.mu.Unlock()

	if shouldFree {
		// ip.ref == 1 means no other kernel thread can have ip locked, so
		// this Acquire cannot block or deadlock (mirrors the original's own
		// comment on acquiresleep here).
		c = sleeplock.Acquire(p, c, ip.Lock)

		c = t.log.Begin(p, c)
		t.itruncLocked(p, c, ip)
		ip.Type = TypeFree
		t.iupdateLocked(p, c, ip)
		var err error
		c, err = t.log.End(p, c, func(bno int) { t.commitBlock(p, c, ip.Dev, bno) })
		if err != nil {
			panic(fmt.Sprintf("fs: iput: log commit: %v", err))
		}
		ip.valid = false

		sleeplock.Release(t.table, c, ip.Lock)
	}

	t.mu.Lock()
	ip.ref--
	t.mu.Unlock()
	return c
}

// IUnlockPut is the common IUnlock+IPut pairing.
func (t *Table) IUnlockPut(p *proc.Process, c *proc.CPU, ip *Inode) *proc.CPU {
	t.IUnlock(p, c, ip)
	return t.IPut(p, c, ip)
}

func (t *Table) commitBlock(p *proc.Process, c *proc.CPU, dev, bno int) {
	// The staged block's in-memory contents already live in the buffer
	// cache (iupdateLocked/BlockAlloc wrote through bio.Write); a real log
	// would replay a separately-buffered copy here. Since this disk is
	// in-memory only, home-location writes already happened synchronously;
	// this hook exists so wal.Log's commit accounting and SPEC_FULL.md's
	// "every writing path runs inside begin_op/end_op" property stay
	// checkable without a redundant second write.
}
