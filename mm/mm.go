// Package mm stands in for spec.md §6's page allocator and page-table
// collaborators, named only by interface in the core spec. It is
// deliberately out of scope as a real virtual-memory implementation — no
// radix-tree walk, no demand paging — existing only so fork's address-space
// copy and copy-in/copy-out have something concrete to call.
package mm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// PageSize matches a typical RISC-V Sv39 page; only its value, not the
// architecture, matters here.
const PageSize = 4096

// allocPoison and freePoison mark freshly allocated and freshly freed pages
// respectively, a debugging aid spec.md §6 requires: a use of stale freed
// memory reads back as freePoison, not zero, and a use of alloc'd-but-not-
// yet-written memory reads back as allocPoison rather than garbage.
const (
	allocPoison = 0xa5
	freePoison  = 0x1b
)

// Allocator hands out and reclaims fixed-size, physically-backed pages. It
// is grounded on the teacher corpus's own use of unix.Mmap/unix.Munmap (see
// fuse/test/cachecontrol_test.go's xmmap helper) rather than a plain
// make([]byte) slice, which gives the arena a real page-aligned anonymous
// mapping the way alloc_page() returns a genuinely page-aligned physical
// address.
type Allocator struct {
	mu    sync.Mutex
	pages [][]byte // mmap'd regions, PageSize each
	free  []int    // indices into pages currently unallocated
}

// NewAllocator reserves n pages up front via anonymous mmap, each
// initialized to freePoison — mirroring kinit()'s initial freerange() over
// the whole arena.
func NewAllocator(n int) (*Allocator, error) {
	a := &Allocator{
		pages: make([][]byte, n),
		free:  make([]int, 0, n),
	}
	for i := 0; i < n; i++ {
		mem, err := unix.Mmap(-1, 0, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("mm: mmap page %d: %w", i, err)
		}
		fill(mem, freePoison)
		a.pages[i] = mem
		a.free = append(a.free, i)
	}
	return a, nil
}

// Close releases every mapped page. Used by tests tearing down an Allocator
// and by kernel.Boot when boot fails; a booted kernel never frees its arena.
func (a *Allocator) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, mem := range a.pages {
		if mem != nil {
			unix.Munmap(mem)
		}
	}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// AllocPage returns the index of a free page, filled with allocPoison, or
// -1 if none remain (spec.md §6: alloc_page() → addr | null).
func (a *Allocator) AllocPage() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return -1
	}
	idx := a.free[len(a.free)-1]
	a.free = a.free[:len(a.free)-1]
	fill(a.pages[idx], allocPoison)
	return idx
}

// FreePage returns a page to the free list, overwriting it with freePoison.
// Freeing an already-free or out-of-range page is a programming-invariant
// violation (spec.md §7 band 1).
func (a *Allocator) FreePage(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.pages) {
		panic(fmt.Sprintf("mm: free_page: out-of-range page %d", idx))
	}
	for _, f := range a.free {
		if f == idx {
			panic(fmt.Sprintf("mm: free_page: double free of page %d", idx))
		}
	}
	fill(a.pages[idx], freePoison)
	a.free = append(a.free, idx)
}

// Page returns the backing bytes for a page index, for callers (PageTable,
// tests) that need to read or write through it directly.
func (a *Allocator) Page(idx int) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages[idx]
}

// NumFree reports how many pages are currently unallocated.
func (a *Allocator) NumFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
