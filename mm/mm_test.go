package mm

import "testing"

func TestAllocFreePoisonBytes(t *testing.T) {
	a, err := NewAllocator(4)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Close()

	idx := a.AllocPage()
	if idx == -1 {
		t.Fatalf("expected a free page")
	}
	page := a.Page(idx)
	for _, b := range page {
		if b != allocPoison {
			t.Fatalf("freshly allocated page should read allocPoison, got %x", b)
		}
	}

	a.FreePage(idx)
	page = a.Page(idx)
	for _, b := range page {
		if b != freePoison {
			t.Fatalf("freed page should read freePoison, got %x", b)
		}
	}
}

func TestAllocExhaustion(t *testing.T) {
	a, err := NewAllocator(2)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Close()

	if a.AllocPage() == -1 {
		t.Fatalf("expected first alloc to succeed")
	}
	if a.AllocPage() == -1 {
		t.Fatalf("expected second alloc to succeed")
	}
	if got := a.AllocPage(); got != -1 {
		t.Fatalf("expected exhaustion to return -1, got %d", got)
	}
}

func TestFreeDoubleFreePanics(t *testing.T) {
	a, err := NewAllocator(1)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Close()

	idx := a.AllocPage()
	a.FreePage(idx)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double free")
		}
	}()
	a.FreePage(idx)
}

func TestPageTableCopyOutCopyIn(t *testing.T) {
	a, err := NewAllocator(4)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Close()

	pt := NewPageTable(a)
	ppn := a.AllocPage()
	pt.Map(0, ppn, PermRead|PermWrite)

	msg := []byte("hello, seedos")
	if err := pt.CopyOut(10, msg); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	back := make([]byte, len(msg))
	if err := pt.CopyIn(back, 10); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if string(back) != string(msg) {
		t.Fatalf("CopyIn got %q, want %q", back, msg)
	}
}

func TestPageTableCopyInStringTerminator(t *testing.T) {
	a, err := NewAllocator(4)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Close()

	pt := NewPageTable(a)
	ppn := a.AllocPage()
	pt.Map(0, ppn, PermRead|PermWrite)

	path := append([]byte("/a/b"), 0)
	if err := pt.CopyOut(0, path); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	s, err := pt.CopyInString(0, 64)
	if err != nil {
		t.Fatalf("CopyInString: %v", err)
	}
	if s != "/a/b" {
		t.Fatalf("CopyInString got %q, want %q", s, "/a/b")
	}
}

func TestPageTableCopyDuplicatesPages(t *testing.T) {
	a, err := NewAllocator(8)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Close()

	parent := NewPageTable(a)
	ppn := a.AllocPage()
	parent.Map(0, ppn, PermRead|PermWrite)
	if err := parent.CopyOut(0, []byte("parent-data")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	child := NewPageTable(a)
	if err := parent.Copy(child); err != nil {
		t.Fatalf("Copy: %v", err)
	}

	buf := make([]byte, len("parent-data"))
	if err := child.CopyIn(buf, 0); err != nil {
		t.Fatalf("child CopyIn: %v", err)
	}
	if string(buf) != "parent-data" {
		t.Fatalf("child page got %q, want copy of parent data", buf)
	}

	childPpn, _, _ := child.Lookup(0)
	if childPpn == ppn {
		t.Fatalf("child should have its own physical page, not share the parent's")
	}
}

func TestPageTableUnmappedAccessFails(t *testing.T) {
	a, err := NewAllocator(2)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	defer a.Close()

	pt := NewPageTable(a)
	if err := pt.CopyOut(0, []byte("x")); err == nil {
		t.Fatalf("expected error copying into unmapped page table")
	}
}
