package slab

import (
	"kestrel/kernel"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/memtest"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/mem/pmm/allocator"
	"testing"
	"unsafe"
)

// countingPages wraps a buddy allocator and records page traffic.
type countingPages struct {
	buddy       *allocator.BuddyAllocator
	allocs      int
	frees       int
	lastOrder   mem.PageOrder
	failAllocFn func(mem.PageOrder) bool
}

var errFakeOOM = &kernel.Error{Module: "test", Message: "out of memory"}

func (p *countingPages) AllocOrder(order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	if p.failAllocFn != nil && p.failAllocFn(order) {
		return pmm.InvalidFrame, errFakeOOM
	}

	p.allocs++
	p.lastOrder = order
	return p.buddy.AllocOrder(order)
}

func (p *countingPages) FreeOrder(frame pmm.Frame, order mem.PageOrder) {
	p.frees++
	p.lastOrder = order
	p.buddy.FreeOrder(frame, order)
}

func newTestAllocator(t *testing.T) (*Allocator, *countingPages) {
	t.Helper()
	memtest.IdentityDirectMap(t)

	blockSize := uintptr(mem.MaxPageOrder.Size())
	arena := memtest.NewArena(t, 3*blockSize, blockSize)

	pages := &countingPages{buddy: new(allocator.BuddyAllocator)}
	if err := pages.buddy.Init(arena.Base(), arena.Size()); err != nil {
		t.Fatalf("unexpected error initializing page allocator: %v", err)
	}

	var a Allocator
	a.Init(pages)
	return &a, pages
}

func bytesAt(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func TestClassFor(t *testing.T) {
	specs := []struct {
		size     uintptr
		expClass int
	}{
		{0, 0},
		{1, 0},
		{16, 0},
		{17, 1},
		{64, 2},
		{65, 3},
		{200, 4},
		{1024, 6},
		{2047, 7},
		{2048, 7},
		{2049, -1},
	}

	for specIndex, spec := range specs {
		if got := classFor(spec.size); got != spec.expClass {
			t.Errorf("[spec %d] expected size %d to map to class %d; got %d", specIndex, spec.size, spec.expClass, got)
		}
	}
}

func TestAllocAlignment(t *testing.T) {
	a, _ := newTestAllocator(t)

	for size := uintptr(1); size <= 2048; size += 7 {
		objSize := sizeClasses[classFor(size)].objSize

		addr, err := a.Alloc(size)
		if err != nil {
			t.Fatalf("[size %d] unexpected error: %v", size, err)
		}

		if addr%objSize != 0 {
			t.Errorf("[size %d] expected address 0x%x to be aligned to %d", size, addr, objSize)
		}

		for i, b := range bytesAt(addr, objSize) {
			if b != 0 {
				t.Fatalf("[size %d] expected byte %d of the object to be zeroed", size, i)
			}
		}

		// scribble over the object to ensure that it is writable
		buf := bytesAt(addr, size)
		for i := range buf {
			buf[i] = 0xfe
		}
	}
}

func TestFreeReuse(t *testing.T) {
	a, pages := newTestAllocator(t)

	first, _ := a.Alloc(100)
	second, _ := a.Alloc(100)
	copy(bytesAt(second, 128), "live object")

	a.Free(first, 100)

	// any size in the 128-byte class reuses the freed object
	reused, err := a.Alloc(128)
	if err != nil {
		t.Fatal(err)
	}

	if reused != first {
		t.Fatalf("expected freed object 0x%x to be reused; got 0x%x", first, reused)
	}

	if got := string(bytesAt(second, 11)); got != "live object" {
		t.Fatalf("expected live object to be untouched; got %q", got)
	}

	if pages.allocs != 1 {
		t.Fatalf("expected a single slab to be allocated; got %d page allocations", pages.allocs)
	}
}

func TestSlabGrowth(t *testing.T) {
	a, pages := newTestAllocator(t)

	specs := []struct {
		size         uintptr
		objsPerSlab  int
		expSlabOrder mem.PageOrder
	}{
		{16, 256, 0},
		{128, 32, 0},
		{256, 32, 1},
		{2048, 4, 1},
	}

	for specIndex, spec := range specs {
		pages.allocs = 0
		prev := uintptr(0)
		for i := 0; i < spec.objsPerSlab; i++ {
			addr, err := a.Alloc(spec.size)
			if err != nil {
				t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
			}

			// objects are handed out in ascending order
			if prev != 0 && addr != prev+spec.size {
				t.Fatalf("[spec %d] expected object %d at 0x%x; got 0x%x", specIndex, i, prev+spec.size, addr)
			}
			prev = addr
		}

		if pages.allocs != 1 || pages.lastOrder != spec.expSlabOrder {
			t.Fatalf("[spec %d] expected one order %d slab; got %d allocations (last order %d)", specIndex, spec.expSlabOrder, pages.allocs, pages.lastOrder)
		}

		if _, err := a.Alloc(spec.size); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if pages.allocs != 2 || a.Slabs(spec.size) != 2 {
			t.Fatalf("[spec %d] expected a second slab to be allocated once the first is exhausted", specIndex)
		}
	}
}

func TestOversizeAlloc(t *testing.T) {
	a, pages := newTestAllocator(t)
	before := pages.buddy.FreeBytes()

	specs := []struct {
		size     uintptr
		expOrder mem.PageOrder
	}{
		{2049, 0},
		{uintptr(mem.PageSize), 0},
		{uintptr(mem.PageSize) + 1, 1},
		{3 * uintptr(mem.PageSize), 2},
		{uintptr(mem.MaxPageOrder.Size()), mem.MaxPageOrder},
	}

	for specIndex, spec := range specs {
		addr, err := a.Alloc(spec.size)
		if err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if pages.lastOrder != spec.expOrder {
			t.Errorf("[spec %d] expected page order %d; got %d", specIndex, spec.expOrder, pages.lastOrder)
		}

		if addr&uintptr(mem.PageSize-1) != 0 {
			t.Errorf("[spec %d] expected page-aligned address; got 0x%x", specIndex, addr)
		}

		a.Free(addr, spec.size)
		if pages.lastOrder != spec.expOrder {
			t.Errorf("[spec %d] expected free to release an order %d block; got %d", specIndex, spec.expOrder, pages.lastOrder)
		}
	}

	if after := pages.buddy.FreeBytes(); after != before {
		t.Fatalf("expected oversized allocations to be returned to the page allocator; free bytes %d -> %d", before, after)
	}

	for specIndex, size := range []uintptr{
		uintptr(mem.MaxPageOrder.Size()) + 1,
		1 << 63,
		1<<63 + 1,
		^uintptr(0),
	} {
		if _, err := a.Alloc(size); err != errAllocTooLarge {
			t.Errorf("[spec %d] expected errAllocTooLarge for size 0x%x; got %v", specIndex, size, err)
		}
	}

	if _, err := a.Realloc(0, 0, 1<<63+1); err != errAllocTooLarge {
		t.Errorf("expected Realloc to a huge size to fail with errAllocTooLarge; got %v", err)
	}
}

func TestAllocErrors(t *testing.T) {
	var uninit Allocator
	if _, err := uninit.Alloc(16); err != errNotInitialized {
		t.Fatalf("expected errNotInitialized; got %v", err)
	}

	a, pages := newTestAllocator(t)
	pages.failAllocFn = func(mem.PageOrder) bool { return true }

	for _, size := range []uintptr{16, 4096} {
		if _, err := a.Alloc(size); err != errFakeOOM {
			t.Errorf("[size %d] expected page allocator error to be propagated; got %v", size, err)
		}
	}

	// freeing a nil address is a no-op
	a.Free(0, 16)
}

func TestRealloc(t *testing.T) {
	a, pages := newTestAllocator(t)

	t.Run("same class", func(t *testing.T) {
		addr, _ := a.Alloc(40)
		if got, err := a.Realloc(addr, 40, 64); err != nil || got != addr {
			t.Fatalf("expected realloc within the same class to be a no-op; got 0x%x, %v", got, err)
		}
	})

	t.Run("same oversize order", func(t *testing.T) {
		addr, _ := a.Alloc(5000)
		if got, err := a.Realloc(addr, 5000, 8192); err != nil || got != addr {
			t.Fatalf("expected realloc within the same order to be a no-op; got 0x%x, %v", got, err)
		}
		a.Free(addr, 8192)
	})

	t.Run("grow and shrink", func(t *testing.T) {
		addr, _ := a.Alloc(32)
		copy(bytesAt(addr, 32), "0123456789abcdefghijklmnopqrstuv")

		grown, err := a.Realloc(addr, 32, 3000)
		if err != nil {
			t.Fatal(err)
		}
		if grown == addr {
			t.Fatal("expected realloc across classes to move the block")
		}
		if got := string(bytesAt(grown, 32)); got != "0123456789abcdefghijklmnopqrstuv" {
			t.Fatalf("expected contents to be copied; got %q", got)
		}

		shrunk, err := a.Realloc(grown, 3000, 10)
		if err != nil {
			t.Fatal(err)
		}
		if got := string(bytesAt(shrunk, 10)); got != "0123456789" {
			t.Fatalf("expected the first 10 bytes to be preserved; got %q", got)
		}

		// the original 32-byte object was released and gets reused
		if again, _ := a.Alloc(32); again != addr {
			t.Fatalf("expected the old block to be released")
		}
	})

	t.Run("nil address", func(t *testing.T) {
		addr, err := a.Realloc(0, 0, 100)
		if err != nil || addr == 0 {
			t.Fatalf("expected realloc of a nil block to allocate; got 0x%x, %v", addr, err)
		}
	})

	t.Run("allocation failure keeps the old block", func(t *testing.T) {
		addr, _ := a.Alloc(16)
		copy(bytesAt(addr, 4), "keep")

		pages.failAllocFn = func(order mem.PageOrder) bool { return order == 3 }
		defer func() { pages.failAllocFn = nil }()

		if _, err := a.Realloc(addr, 16, 30000); err != errFakeOOM {
			t.Fatalf("expected errFakeOOM; got %v", err)
		}

		if got := string(bytesAt(addr, 4)); got != "keep" {
			t.Fatalf("expected old block to be preserved; got %q", got)
		}
	})
}

func TestDefaultAllocator(t *testing.T) {
	defer func() { Default = Allocator{} }()

	_, pages := newTestAllocator(t)
	Init(pages)

	addr, err := Alloc(24)
	if err != nil {
		t.Fatal(err)
	}

	if addr, err = Realloc(addr, 24, 300); err != nil {
		t.Fatal(err)
	}

	Free(addr, 300)
	if again, _ := Alloc(260); again != addr {
		t.Fatal("expected freed block to be reused by the default allocator")
	}
}
