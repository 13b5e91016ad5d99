package allocator

import (
	"bytes"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/memtest"
	"kestrel/kernel/mem/pmm"
	"testing"
)

const testMaxBlocks = 4

var maxBlockSize = uintptr(mem.MaxPageOrder.Size())

// newTestAllocator returns an allocator managing testMaxBlocks max-order
// blocks backed by host memory.
func newTestAllocator(t *testing.T) (*BuddyAllocator, *memtest.Arena) {
	t.Helper()
	memtest.IdentityDirectMap(t)

	// one extra block is consumed by the bitmaps and the alignment padding
	arena := memtest.NewArena(t, (testMaxBlocks+1)*maxBlockSize, maxBlockSize)
	buf := arena.Bytes(arena.Base(), arena.Size())
	for i := range buf {
		buf[i] = 0xaa
	}

	var alloc BuddyAllocator
	if err := alloc.Init(arena.Base(), arena.Size()); err != nil {
		t.Fatalf("unexpected error initializing allocator: %v", err)
	}

	return &alloc, arena
}

// allocatorState captures the free lists and coalescing bitmaps.
type allocatorState struct {
	freeLists [mem.MaxPageOrder + 1][]uintptr
	bitmaps   []byte
	used      uintptr
}

func snapshot(alloc *BuddyAllocator, arena *memtest.Arena) allocatorState {
	var state allocatorState
	for order := range alloc.buckets {
		alloc.buckets[order].freeList.Visit(func(addr uintptr) bool {
			state.freeLists[order] = append(state.freeLists[order], addr)
			return true
		})
	}

	bitmapStart := alloc.buckets[0].bitmap
	state.bitmaps = append([]byte(nil), arena.Bytes(bitmapStart, alloc.base-bitmapStart)...)
	state.used = alloc.used
	return state
}

func (s allocatorState) equal(other allocatorState) bool {
	if s.used != other.used || !bytes.Equal(s.bitmaps, other.bitmaps) {
		return false
	}

	for order := range s.freeLists {
		if len(s.freeLists[order]) != len(other.freeLists[order]) {
			return false
		}
		for i := range s.freeLists[order] {
			if s.freeLists[order][i] != other.freeLists[order][i] {
				return false
			}
		}
	}
	return true
}

// prime hands out every max-order block once and returns them so all
// managed memory sits in the max-order free list.
func prime(t *testing.T, alloc *BuddyAllocator) {
	var frames []pmm.Frame
	for {
		frame, err := alloc.AllocOrder(mem.MaxPageOrder)
		if err != nil {
			break
		}
		frames = append(frames, frame)
	}

	if len(frames) != testMaxBlocks {
		t.Fatalf("expected to allocate %d max-order blocks; got %d", testMaxBlocks, len(frames))
	}

	for _, frame := range frames {
		alloc.FreeOrder(frame, mem.MaxPageOrder)
	}
}

func TestBuddyInit(t *testing.T) {
	alloc, arena := newTestAllocator(t)

	base, size := alloc.Region()
	if base&(maxBlockSize-1) != 0 {
		t.Errorf("expected managed base 0x%x to be max-order aligned", base)
	}

	if exp := testMaxBlocks * maxBlockSize; size != exp {
		t.Errorf("expected managed size to be %d; got %d", exp, size)
	}

	if base < arena.Base() || base+size > arena.End() {
		t.Errorf("expected managed area to lie inside the supplied region")
	}

	for _, b := range arena.Bytes(arena.Base(), alloc.buckets[mem.MaxPageOrder-1].bitmap-arena.Base()) {
		if b != 0 {
			t.Fatal("expected coalescing bitmaps to be cleared")
		}
	}

	if got := alloc.FreeBytes(); got != mem.Size(size) {
		t.Errorf("expected %d free bytes; got %d", size, got)
	}

	t.Run("region too small", func(t *testing.T) {
		specs := []struct {
			start, size uintptr
		}{
			{arena.Base(), 0},
			{arena.Base(), uintptr(mem.PageSize) - 1},
			{arena.Base(), maxBlockSize},
			{arena.Base() + 1, maxBlockSize},
		}

		for specIndex, spec := range specs {
			var small BuddyAllocator
			if err := small.Init(spec.start, spec.size); err != errBuddyRegionTooSmall {
				t.Errorf("[spec %d] expected errBuddyRegionTooSmall; got %v", specIndex, err)
			}
		}
	})
}

func TestBuddyAllocFreeRestoresState(t *testing.T) {
	alloc, arena := newTestAllocator(t)
	prime(t, alloc)

	// keep a few blocks live so the snapshot is taken on a fragmented state
	live := []struct {
		frame pmm.Frame
		order mem.PageOrder
	}{
		{alloc.MustAllocOrder(0), 0},
		{alloc.MustAllocOrder(3), 3},
		{alloc.MustAllocOrder(0), 0},
	}

	for _, phase := range []string{"fragmented", "pristine"} {
		before := snapshot(alloc, arena)

		for order := mem.PageOrder(0); order <= mem.MaxPageOrder; order++ {
			frame, err := alloc.AllocOrder(order)
			if err != nil {
				t.Fatalf("[%s] [order %d] unexpected error: %v", phase, order, err)
			}

			if (frame.Address()-alloc.base)&(uintptr(order.Size())-1) != 0 {
				t.Errorf("[%s] [order %d] expected block 0x%x to be aligned to its size", phase, order, frame.Address())
			}

			alloc.FreeOrder(frame, order)

			if after := snapshot(alloc, arena); !before.equal(after) {
				t.Errorf("[%s] [order %d] expected alloc+free to restore the allocator state", phase, order)
			}
		}

		for _, blk := range live {
			alloc.FreeOrder(blk.frame, blk.order)
		}
		live = nil
	}

	if got := alloc.FreeBlocks(mem.MaxPageOrder); got != testMaxBlocks {
		t.Errorf("expected all %d max-order blocks to be free; got %d", testMaxBlocks, got)
	}
}

func TestBuddyMerge(t *testing.T) {
	specs := []struct {
		name      string
		freeOrder [2]int
	}{
		{"lower buddy first", [2]int{0, 1}},
		{"upper buddy first", [2]int{1, 0}},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			alloc, _ := newTestAllocator(t)

			pair := [2]pmm.Frame{alloc.MustAllocOrder(0), alloc.MustAllocOrder(0)}
			if pair[1].Address() != alloc.buddyOf(pair[0].Address(), 0) {
				t.Fatalf("expected consecutive order-0 allocations to be buddies")
			}

			// keep the order-1 buddy of the pair busy
			blocker := alloc.MustAllocOrder(1)
			if blocker.Address() != alloc.buddyOf(pair[0].Address(), 1) {
				t.Fatalf("expected order-1 allocation to be the buddy of the order-0 pair")
			}

			alloc.FreeOrder(pair[spec.freeOrder[0]], 0)
			if got := alloc.FreeBlocks(0); got != 1 {
				t.Fatalf("expected 1 free order-0 block while its buddy is live; got %d", got)
			}

			alloc.FreeOrder(pair[spec.freeOrder[1]], 0)
			if got := alloc.FreeBlocks(0); got != 0 {
				t.Fatalf("expected buddies to be merged; got %d free order-0 blocks", got)
			}

			// the merged block is the lower address of the pair
			if got := mem.VirtToPhys(alloc.buckets[1].freeList.Front()); got != pair[0].Address() {
				t.Fatalf("expected merged order-1 block at 0x%x; got 0x%x", pair[0].Address(), got)
			}

			// freeing the blocker cascades all the way to the max order
			alloc.FreeOrder(blocker, 1)
			for order := mem.PageOrder(0); order < mem.MaxPageOrder; order++ {
				if got := alloc.FreeBlocks(order); got != 0 {
					t.Errorf("expected no free blocks at order %d; got %d", order, got)
				}
			}

			if got := alloc.FreeBlocks(mem.MaxPageOrder); got != 1 {
				t.Errorf("expected one free max-order block; got %d", got)
			}
		})
	}
}

func TestBuddyExhaustion(t *testing.T) {
	alloc, arena := newTestAllocator(t)

	var (
		expPages = uint64(testMaxBlocks * maxBlockSize >> mem.PageShift)
		frames   []pmm.Frame
		seen     = make(map[pmm.Frame]bool)
	)

	for {
		frame, err := alloc.AllocOrder(0)
		if err == errBuddyOutOfMemory {
			break
		} else if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if seen[frame] {
			t.Fatalf("frame %d handed out twice", frame)
		}
		seen[frame] = true
		frames = append(frames, frame)

		// the page must be writable host memory inside the arena
		arena.Bytes(frame.Address(), uintptr(mem.PageSize))[0] = 0xff
	}

	if uint64(len(frames)) != expPages {
		t.Fatalf("expected to allocate %d pages; got %d", expPages, len(frames))
	}

	if frame, err := alloc.AllocOrder(mem.MaxPageOrder); err != errBuddyOutOfMemory || frame.Valid() {
		t.Fatalf("expected max-order allocation to fail with errBuddyOutOfMemory; got %v, %v", frame, err)
	}

	if got := alloc.FreeBytes(); got != 0 {
		t.Fatalf("expected 0 free bytes; got %d", got)
	}

	t.Run("MustAllocOrder", func(t *testing.T) {
		defer func() {
			if err := recover(); err != errBuddyOutOfMemory {
				t.Fatalf("expected MustAllocOrder to panic with errBuddyOutOfMemory; got %v", err)
			}
		}()

		alloc.MustAllocOrder(0)
	})

	for _, frame := range frames {
		alloc.FreeOrder(frame, 0)
	}

	if got := alloc.FreeBlocks(mem.MaxPageOrder); got != testMaxBlocks {
		t.Fatalf("expected all pages to merge back into %d max-order blocks; got %d", testMaxBlocks, got)
	}
}

func TestBuddyAllocPages(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	specs := []struct {
		pages    uint64
		expOrder mem.PageOrder
	}{
		{1, 0},
		{2, 1},
		{3, 2},
		{9, 4},
		{1024, mem.MaxPageOrder},
	}

	for specIndex, spec := range specs {
		frame, err := alloc.AllocPages(spec.pages)
		if err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		if (frame.Address()-alloc.base)&(uintptr(spec.expOrder.Size())-1) != 0 {
			t.Errorf("[spec %d] expected block to be aligned to an order %d block", specIndex, spec.expOrder)
		}

		alloc.FreePages(frame, spec.pages)
	}

	frame := alloc.MustAllocPages(5)
	alloc.FreeOrder(frame, 3)
}

func TestBuddyContractViolations(t *testing.T) {
	alloc, _ := newTestAllocator(t)
	live := alloc.MustAllocOrder(2)

	specs := []struct {
		name   string
		fn     func()
		expErr error
	}{
		{"alloc above max order", func() { _, _ = alloc.AllocOrder(mem.MaxPageOrder + 1) }, errBuddyInvalidOrder},
		{"free above max order", func() { alloc.FreeOrder(live, mem.MaxPageOrder+1) }, errBuddyInvalidOrder},
		{"free outside region", func() { alloc.FreeOrder(pmm.FrameFromAddress(alloc.base-uintptr(mem.PageSize)), 0) }, errBuddyInvalidFree},
		{"free misaligned block", func() { alloc.FreeOrder(live+1, 2) }, errBuddyInvalidFree},
		{"free never handed out", func() { alloc.FreeOrder(pmm.FrameFromAddress(alloc.base+alloc.used), 0) }, errBuddyInvalidFree},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			defer func() {
				if err := recover(); err != spec.expErr {
					t.Fatalf("expected panic with %v; got %v", spec.expErr, err)
				}
			}()

			spec.fn()
		})
	}
}
