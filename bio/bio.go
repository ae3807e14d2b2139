// Package bio implements the buffer cache (spec.md C6): a fixed pool of
// block buffers fronting package disk, with an LRU replacement policy and
// the reference-count/sleeping-lock decoupling spec.md §4.6 requires.
package bio

import (
	"fmt"
	"sync"

	"github.com/Sheng99100/SeedOS/disk"
	"github.com/Sheng99100/SeedOS/proc"
	"github.com/Sheng99100/SeedOS/sleeplock"
)

// BlockSizeWords is how many 4-byte words fit in one block; fs's indirect
// block and bitmap math are expressed in terms of it.
const BlockSizeWords = disk.BlockSize / 4

// Key identifies a block uniquely within the cache.
type Key struct {
	Dev int
	Bno int
}

// Buffer is one cache slot: spec.md §3's Buffer data model. next/prev are
// indices into Cache.bufs forming the circular LRU list with Cache.bufs[0]
// as a fixed sentinel head — an owned array + index fields rather than an
// intrusive pointer list, per spec.md §9.
type Buffer struct {
	key   Key
	valid bool
	ref   int

	Lock *sleeplock.Lock
	data [disk.BlockSize]byte

	next, prev int
}

// BlockNo and Data satisfy disk.Buf, letting a Buffer be handed straight to
// disk.RW.
func (b *Buffer) BlockNo() int                { return b.key.Bno }
func (b *Buffer) Data() *[disk.BlockSize]byte { return &b.data }

// Stats counts cache events, supplementing spec.md §4.6 to make its §8
// testable properties ("Hit read-back", "Buffer-pool pressure") directly
// observable without instrumenting the driver.
type Stats struct {
	Hits      int
	Misses    int
	Evictions int
}

// Cache is the fixed-size buffer pool plus its arbitrating lock. The cache
// spinlock of spec.md §4.6 (guarding key/ref/links/valid) is rendered as a
// plain sync.Mutex rather than package spinlock's CPU-aware Spinlock: unlike
// a process's own lock, this lock is never held across a sched() boundary,
// so there is nothing for push_off/pop_off nesting to protect here. See
// DESIGN.md.
type Cache struct {
	mu    sync.Mutex
	bufs  []*Buffer // bufs[0] is the sentinel head; real buffers are bufs[1:]
	table *proc.Table
	disk  *disk.Disk

	statsMu sync.Mutex
	stats   Stats
}

// New builds a pool of n buffers, all initially unused, linked into one
// circular LRU list.
func New(t *proc.Table, d *disk.Disk, n int) *Cache {
	c := &Cache{table: t, disk: d}
	c.bufs = make([]*Buffer, n+1)
	for i := range c.bufs {
		c.bufs[i] = &Buffer{Lock: sleeplock.New(fmt.Sprintf("buf[%d]", i))}
	}
	// Wire the sentinel (index 0) into a circular list with every real
	// buffer initially linked in, most-recently-used nearest the head —
	// arbitrary at init, since nothing is valid yet.
	for i := range c.bufs {
		next := (i + 1) % len(c.bufs)
		c.bufs[i].next = next
		c.bufs[(next)].prev = i
	}
	return c
}

func (c *Cache) unlinkLocked(i int) {
	b := c.bufs[i]
	c.bufs[b.prev].next = b.next
	c.bufs[b.next].prev = b.prev
}

// linkAtHeadLocked makes i the most-recently-used entry (just after the
// sentinel at index 0).
func (c *Cache) linkAtHeadLocked(i int) {
	head := c.bufs[0]
	b := c.bufs[i]
	b.next = head.next
	b.prev = 0
	c.bufs[head.next].prev = i
	head.next = i
}

// Get implements spec.md §4.6's lookup/allocation algorithm: scan
// most-to-least-recent for a hit; on miss scan least-to-most-recent for a
// ref-zero buffer to recycle. Returns with the buffer's sleeping lock held
// by the caller.
func (c *Cache) Get(p *proc.Process, cpu *proc.CPU, dev, bno int) (*Buffer, *proc.CPU, error) {
	key := Key{Dev: dev, Bno: bno}

	c.mu.Lock()
	// Most-to-least-recent: walk forward from the sentinel's next pointer.
	for i := c.bufs[0].next; i != 0; i = c.bufs[i].next {
		b := c.bufs[i]
		if b.key == key {
			b.ref++
			c.mu.Unlock()
			c.recordHit()
			newC := sleeplock.Acquire(p, cpu, b.Lock)
			return b, newC, nil
		}
	}

	// Miss: least-to-most-recent, i.e. walk backward from the sentinel's
	// prev pointer, for the first ref-zero buffer to recycle.
	for i := c.bufs[0].prev; i != 0; i = c.bufs[i].prev {
		b := c.bufs[i]
		if b.ref == 0 {
			evicting := b.valid
			b.key = key
			b.valid = false
			b.ref = 1
			c.mu.Unlock()
			c.recordMiss(evicting)
			newC := sleeplock.Acquire(p, cpu, b.Lock)
			return b, newC, nil
		}
	}
	c.mu.Unlock()
	return nil, cpu, fmt.Errorf("bio: get: no free buffers")
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss(evicting bool) {
	c.statsMu.Lock()
	c.stats.Misses++
	if evicting {
		c.stats.Evictions++
	}
	c.statsMu.Unlock()
}

// Stats returns a snapshot of hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Read is Get plus, if the buffer is not yet valid, a synchronous disk read
// to populate it.
func (c *Cache) Read(p *proc.Process, cpu *proc.CPU, dev, bno int) (*Buffer, *proc.CPU, error) {
	b, cpu, err := c.Get(p, cpu, dev, bno)
	if err != nil {
		return nil, cpu, err
	}
	if !b.valid {
		var err error
		cpu, err = c.disk.RW(p, cpu, b, false)
		if err != nil {
			sleeplock.Release(c.table, cpu, b.Lock)
			return nil, cpu, err
		}
		b.valid = true
	}
	return b, cpu, nil
}

// Write issues a synchronous disk write of b's current contents. Caller
// must already hold b's sleeping lock (from a prior Get/Read); matches
// bwrite()'s unconditional holdingsleep check in original_source/kernel/bio.c.
func (c *Cache) Write(p *proc.Process, cpu *proc.CPU, b *Buffer) (*proc.CPU, error) {
	if !sleeplock.Holding(p, cpu, b.Lock) {
		panic("bio: write: buffer not locked")
	}
	return c.disk.RW(p, cpu, b, true)
}

// Release drops the sleeping lock and decrements ref; if ref hits zero, b
// moves to the head of the LRU list (most-recently-released). Caller must
// hold b's sleeping lock, matching brelse()'s unconditional holdingsleep
// check.
func (c *Cache) Release(p *proc.Process, cpu *proc.CPU, b *Buffer) {
	if !sleeplock.Holding(p, cpu, b.Lock) {
		panic("bio: release: buffer not locked")
	}
	sleeplock.Release(c.table, cpu, b.Lock)

	c.mu.Lock()
	defer c.mu.Unlock()
	b.ref--
	if b.ref == 0 {
		idx := c.indexOfLocked(b)
		c.unlinkLocked(idx)
		c.linkAtHeadLocked(idx)
	}
}

func (c *Cache) indexOfLocked(b *Buffer) int {
	for i, bb := range c.bufs {
		if bb == b {
			return i
		}
	}
	panic("bio: release: buffer not a member of this cache")
}

// Pin bumps ref without touching the sleeping lock, preventing eviction of
// a dirty buffer between a log write and its checkpoint.
func (c *Cache) Pin(b *Buffer) {
	c.mu.Lock()
	b.ref++
	c.mu.Unlock()
}

// Unpin is Pin's inverse.
func (c *Cache) Unpin(b *Buffer) {
	c.mu.Lock()
	b.ref--
	c.mu.Unlock()
}
