// Package allocator implements the physical page allocator used by the
// kernel: a binary buddy allocator managing one contiguous physical region.
package allocator

import (
	"kestrel/kernel"
	"kestrel/kernel/list"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/sync"
	"unsafe"
)

var (
	errBuddyRegionTooSmall = &kernel.Error{Module: "buddy", Message: "memory region cannot hold a single max-order block"}
	errBuddyOutOfMemory    = &kernel.Error{Module: "buddy", Message: "out of memory"}
	errBuddyInvalidOrder   = &kernel.Error{Module: "buddy", Message: "requested page order exceeds the max supported order"}
	errBuddyInvalidFree    = &kernel.Error{Module: "buddy", Message: "freed block is not a block of the requested order inside the managed region"}
)

// bucket tracks the free blocks of a single order.
type bucket struct {
	// freeList links the free blocks of this order through their first
	// bytes (accessed via the physical memory direct map).
	freeList list.DList

	// bitmap is the physical address of the coalescing bits for this order.
	// There is one bit per buddy pair; it is set when exactly one of the
	// two buddies is free. The max order has no buddies and no bitmap.
	bitmap uintptr
}

// BuddyAllocator hands out physical memory blocks of 2^order pages. Blocks
// are split in halves on demand and merged with their buddy when both halves
// become free again.
//
// The allocator does not store any per-block metadata; callers must supply
// the same order to FreeOrder that they used for AllocOrder.
type BuddyAllocator struct {
	lock sync.Spinlock

	// base is the max-order aligned physical address of the first managed
	// block and size the number of managed bytes.
	base, size uintptr

	// used is the offset of the first max-order block that has never been
	// handed out.
	used uintptr

	buckets [mem.MaxPageOrder + 1]bucket
}

// Init sets up the allocator to manage the physical memory region
// [regionStart, regionStart+regionSize). The coalescing bitmaps are carved
// out of the start of the region and the remaining space is aligned to the
// max-order block size.
func (alloc *BuddyAllocator) Init(regionStart, regionSize uintptr) *kernel.Error {
	var (
		pageSizeMinus1 = uintptr(mem.PageSize - 1)
		maxBlockSize   = uintptr(mem.MaxPageOrder.Size())
		start          = (regionStart + pageSizeMinus1) &^ pageSizeMinus1
		end            = (regionStart + regionSize) &^ pageSizeMinus1
	)

	if end <= start {
		return errBuddyRegionTooSmall
	}

	// Bitmaps are sized for the entire region. This slightly overestimates
	// the number of pairs that remain once the bitmaps and the alignment
	// padding are excluded.
	pageCount := (end - start) >> mem.PageShift
	bitmapEnd := start
	for order := mem.PageOrder(0); order < mem.MaxPageOrder; order++ {
		pairCount := pageCount >> (order + 1)
		alloc.buckets[order] = bucket{bitmap: bitmapEnd}
		bitmapEnd += ((pairCount + 63) >> 6) << 3
	}
	alloc.buckets[mem.MaxPageOrder] = bucket{}

	alloc.base = (bitmapEnd + maxBlockSize - 1) &^ (maxBlockSize - 1)
	if alloc.base < bitmapEnd || alloc.base >= end || end-alloc.base < maxBlockSize {
		return errBuddyRegionTooSmall
	}
	alloc.size = (end - alloc.base) &^ (maxBlockSize - 1)
	alloc.used = 0

	kernel.Memset(mem.PhysToVirt(start), 0, bitmapEnd-start)
	return nil
}

// AllocOrder reserves a block of 2^order contiguous pages and returns its
// first frame. Requesting an order above mem.MaxPageOrder is a programming
// error and causes a panic.
func (alloc *BuddyAllocator) AllocOrder(order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	if order > mem.MaxPageOrder {
		panic(errBuddyInvalidOrder)
	}

	alloc.lock.Acquire()
	block, err := alloc.allocLocked(order)
	alloc.lock.Release()

	if err != nil {
		return pmm.InvalidFrame, err
	}

	return pmm.FrameFromAddress(block), nil
}

// FreeOrder releases a block previously obtained via AllocOrder with the same
// order.
func (alloc *BuddyAllocator) FreeOrder(frame pmm.Frame, order mem.PageOrder) {
	if order > mem.MaxPageOrder {
		panic(errBuddyInvalidOrder)
	}

	block := frame.Address()
	if block < alloc.base || block+uintptr(order.Size()) > alloc.base+alloc.used || (block-alloc.base)&(uintptr(order.Size())-1) != 0 {
		panic(errBuddyInvalidFree)
	}

	alloc.lock.Acquire()
	alloc.freeLocked(block, order)
	alloc.lock.Release()
}

// AllocPages reserves the smallest block that can hold count pages. The
// caller must release it with FreePages using the same count.
func (alloc *BuddyAllocator) AllocPages(count uint64) (pmm.Frame, *kernel.Error) {
	return alloc.AllocOrder(mem.OrderForPages(count))
}

// FreePages releases a block obtained via AllocPages.
func (alloc *BuddyAllocator) FreePages(frame pmm.Frame, count uint64) {
	alloc.FreeOrder(frame, mem.OrderForPages(count))
}

// MustAllocOrder behaves like AllocOrder but panics if the allocation fails.
// It is meant for call sites that have no way to recover.
func (alloc *BuddyAllocator) MustAllocOrder(order mem.PageOrder) pmm.Frame {
	frame, err := alloc.AllocOrder(order)
	if err != nil {
		panic(err)
	}

	return frame
}

// MustAllocPages behaves like AllocPages but panics if the allocation fails.
func (alloc *BuddyAllocator) MustAllocPages(count uint64) pmm.Frame {
	return alloc.MustAllocOrder(mem.OrderForPages(count))
}

// FreeBlocks returns the number of free blocks queued at the given order.
// Max-order blocks that have never been handed out are not included.
func (alloc *BuddyAllocator) FreeBlocks(order mem.PageOrder) uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.buckets[order].freeList.Len()
}

// FreeBytes returns the total number of bytes that can still be allocated.
func (alloc *BuddyAllocator) FreeBytes() mem.Size {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	free := mem.Size(alloc.size - alloc.used)
	for order := mem.PageOrder(0); order <= mem.MaxPageOrder; order++ {
		free += mem.Size(alloc.buckets[order].freeList.Len()) * order.Size()
	}

	return free
}

// Region returns the physical extents of the managed block area.
func (alloc *BuddyAllocator) Region() (uintptr, uintptr) {
	return alloc.base, alloc.size
}

func (alloc *BuddyAllocator) allocLocked(order mem.PageOrder) (uintptr, *kernel.Error) {
	b := &alloc.buckets[order]

	if !b.freeList.Empty() {
		block := mem.VirtToPhys(b.freeList.PopFront())
		if order < mem.MaxPageOrder {
			alloc.togglePairBit(block, order)
		}
		return block, nil
	}

	if order == mem.MaxPageOrder {
		if alloc.used >= alloc.size {
			return 0, errBuddyOutOfMemory
		}

		block := alloc.base + alloc.used
		alloc.used += uintptr(order.Size())
		return block, nil
	}

	// Split a block of the next order: keep the lower half and queue the
	// upper half as a free block of this order.
	block, err := alloc.allocLocked(order + 1)
	if err != nil {
		return 0, err
	}

	b.freeList.PushFront(mem.PhysToVirt(block + uintptr(order.Size())))
	alloc.togglePairBit(block, order)
	return block, nil
}

func (alloc *BuddyAllocator) freeLocked(block uintptr, order mem.PageOrder) {
	b := &alloc.buckets[order]

	// A set bit after toggling means the buddy is still in use.
	if order == mem.MaxPageOrder || alloc.togglePairBit(block, order) {
		b.freeList.PushFront(mem.PhysToVirt(block))
		return
	}

	buddy := alloc.buddyOf(block, order)
	b.freeList.Remove(mem.PhysToVirt(buddy))

	// The lower address of the pair is the merged block.
	if buddy < block {
		block = buddy
	}
	alloc.freeLocked(block, order+1)
}

// buddyOf returns the address of the block paired with block at this order.
func (alloc *BuddyAllocator) buddyOf(block uintptr, order mem.PageOrder) uintptr {
	return alloc.base + ((block - alloc.base) ^ uintptr(order.Size()))
}

// togglePairBit flips the coalescing bit for the pair containing block and
// returns the new bit value.
func (alloc *BuddyAllocator) togglePairBit(block uintptr, order mem.PageOrder) bool {
	index := ((block - alloc.base) >> mem.PageShift) >> (order + 1)
	word := (*uint64)(unsafe.Pointer(mem.PhysToVirt(alloc.buckets[order].bitmap + (index>>6)<<3)))
	mask := uint64(1) << (index & 63)

	*word ^= mask
	return *word&mask != 0
}
