package mm

import "fmt"

// Perm is a toy permission bitset for a PageTable entry.
type Perm int

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser
)

type entry struct {
	page int
	perm Perm
}

// PageTable is a *toy* stand-in for a real multi-level radix-tree page
// table: a map keyed by virtual page number. Spec.md explicitly scopes a
// real page-table walk out; this exists only to give fork's address-space
// copy and copy-in/copy-out something concrete to call.
type PageTable struct {
	alloc   *Allocator
	entries map[int]entry
}

// NewPageTable returns an empty address space over the given allocator.
func NewPageTable(a *Allocator) *PageTable {
	return &PageTable{alloc: a, entries: make(map[int]entry)}
}

// Map installs a mapping from virtual page number vpn to physical page
// index ppn with the given permissions. Mapping an already-mapped vpn is a
// programming-invariant violation.
func (pt *PageTable) Map(vpn, ppn int, perm Perm) {
	if _, ok := pt.entries[vpn]; ok {
		panic(fmt.Sprintf("mm: pagetable: remap of vpn %d", vpn))
	}
	pt.entries[vpn] = entry{page: ppn, perm: perm}
}

// Unmap removes a mapping. Unmapping an absent vpn is a programming-invariant
// violation.
func (pt *PageTable) Unmap(vpn int) {
	if _, ok := pt.entries[vpn]; !ok {
		panic(fmt.Sprintf("mm: pagetable: unmap of unmapped vpn %d", vpn))
	}
	delete(pt.entries, vpn)
}

// Lookup translates vpn to a physical page index, reporting whether it is
// mapped.
func (pt *PageTable) Lookup(vpn int) (ppn int, perm Perm, ok bool) {
	e, ok := pt.entries[vpn]
	return e.page, e.perm, ok
}

// Copy duplicates every mapping from parent into a freshly allocated child
// page table, allocating and copying the underlying page contents too —
// the toy analogue of uvmcopy's physical-page duplication used by fork.
func (pt *PageTable) Copy(child *PageTable) error {
	for vpn, e := range pt.entries {
		dst := child.alloc.AllocPage()
		if dst == -1 {
			return fmt.Errorf("mm: pagetable copy: out of pages")
		}
		copy(child.alloc.Page(dst), pt.alloc.Page(e.page))
		child.entries[vpn] = entry{page: dst, perm: e.perm}
	}
	return nil
}

// Free unmaps every entry and returns the underlying pages to the
// allocator — the toy analogue of uvmfree/uvmunmap over [0, userSize).
func (pt *PageTable) Free() {
	for vpn, e := range pt.entries {
		pt.alloc.FreePage(e.page)
		delete(pt.entries, vpn)
	}
}

// CopyOut copies len(src) bytes from a kernel buffer into the address space
// starting at virtual address dstva, translating one page at a time. Mirrors
// copyout's page-by-page walk.
func (pt *PageTable) CopyOut(dstva int, src []byte) error {
	for len(src) > 0 {
		vpn := dstva / PageSize
		off := dstva % PageSize
		ppn, perm, ok := pt.Lookup(vpn)
		if !ok || perm&PermWrite == 0 {
			return fmt.Errorf("mm: copyout: unmapped or read-only va %d", dstva)
		}
		n := copy(pt.alloc.Page(ppn)[off:], src)
		src = src[n:]
		dstva += n
	}
	return nil
}

// CopyIn is CopyOut's mirror image: reads len(dst) bytes out of the address
// space starting at srcva.
func (pt *PageTable) CopyIn(dst []byte, srcva int) error {
	for len(dst) > 0 {
		vpn := srcva / PageSize
		off := srcva % PageSize
		ppn, perm, ok := pt.Lookup(vpn)
		if !ok || perm&PermRead == 0 {
			return fmt.Errorf("mm: copyin: unmapped or unreadable va %d", srcva)
		}
		n := copy(dst, pt.alloc.Page(ppn)[off:])
		dst = dst[n:]
		srcva += n
	}
	return nil
}

// CopyInString copies a NUL-terminated string out of the address space,
// starting at srcva, up to max bytes. Mirrors copyinstr's page-by-page scan
// for the terminator.
func (pt *PageTable) CopyInString(srcva int, max int) (string, error) {
	buf := make([]byte, 0, max)
	for len(buf) < max {
		vpn := srcva / PageSize
		off := srcva % PageSize
		ppn, perm, ok := pt.Lookup(vpn)
		if !ok || perm&PermRead == 0 {
			return "", fmt.Errorf("mm: copyinstr: unmapped or unreadable va %d", srcva)
		}
		page := pt.alloc.Page(ppn)
		for off < PageSize && len(buf) < max {
			b := page[off]
			if b == 0 {
				return string(buf), nil
			}
			buf = append(buf, b)
			off++
		}
		srcva += PageSize - (srcva % PageSize)
	}
	return "", fmt.Errorf("mm: copyinstr: string exceeds %d bytes without a terminator", max)
}
