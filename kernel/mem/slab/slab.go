// Package slab implements the kernel's general purpose allocator. Requests up
// to 2Kb are served from fixed size classes carved out of multi-page slabs;
// larger requests go straight to the page allocator.
package slab

import (
	"kestrel/kernel"
	"kestrel/kernel/list"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/sync"
)

// PageAllocator is the source of slab pages and of oversized allocations.
type PageAllocator interface {
	AllocOrder(order mem.PageOrder) (pmm.Frame, *kernel.Error)
	FreeOrder(frame pmm.Frame, order mem.PageOrder)
}

// sizeClasses lists the object sizes in ascending order together with the
// order of the slabs they are carved from.
var sizeClasses = [...]struct {
	objSize   uintptr
	slabOrder mem.PageOrder
}{
	{16, 0},
	{32, 0},
	{64, 0},
	{128, 0},
	{256, 1},
	{512, 1},
	{1024, 1},
	{2048, 1},
}

var (
	errNotInitialized = &kernel.Error{Module: "slab", Message: "allocator has no page source"}
	errAllocTooLarge  = &kernel.Error{Module: "slab", Message: "requested size exceeds the largest block the page allocator can provide"}
)

// cache holds the free objects of one size class. Slabs are never returned
// to the page allocator; once carved, their objects stay in the cache.
type cache struct {
	freeList list.SList
	slabs    uint64
}

// Allocator is a size-class allocator. Objects carry no header so callers
// must pass Free and Realloc a size that maps to the same class as the size
// used for the original allocation.
type Allocator struct {
	lock   sync.Spinlock
	pages  PageAllocator
	caches [len(sizeClasses)]cache
}

// Init binds the allocator to the page allocator that backs it.
func (a *Allocator) Init(pages PageAllocator) {
	a.pages = pages
	a.caches = [len(sizeClasses)]cache{}
}

// classFor returns the index of the smallest size class that can hold size
// bytes or -1 if the request is larger than every class.
func classFor(size uintptr) int {
	for index := range sizeClasses {
		if sizeClasses[index].objSize >= size {
			return index
		}
	}

	return -1
}

// oversizeOrder returns the page order used for requests that bypass the
// size classes.
func oversizeOrder(size uintptr) mem.PageOrder {
	return mem.Size(size).Order()
}

// Alloc returns the address of a block of at least size bytes. Blocks served
// from a size class are zeroed and aligned to the class size; oversized
// blocks are page-aligned and returned as-is.
func (a *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if a.pages == nil {
		return 0, errNotInitialized
	}

	classIndex := classFor(size)
	if classIndex == -1 {
		order := oversizeOrder(size)
		if order > mem.MaxPageOrder {
			return 0, errAllocTooLarge
		}

		frame, err := a.pages.AllocOrder(order)
		if err != nil {
			return 0, err
		}
		return frame.VirtAddress(), nil
	}

	a.lock.Acquire()
	defer a.lock.Release()

	c := &a.caches[classIndex]
	if c.freeList.Empty() {
		if err := a.grow(classIndex); err != nil {
			return 0, err
		}
	}

	obj := c.freeList.Pop()
	kernel.Memset(obj, 0, sizeClasses[classIndex].objSize)
	return obj, nil
}

// grow carves a new slab into objects for the given class.
func (a *Allocator) grow(classIndex int) *kernel.Error {
	class := sizeClasses[classIndex]

	frame, err := a.pages.AllocOrder(class.slabOrder)
	if err != nil {
		return err
	}

	// Push objects from the end of the slab so they are handed out in
	// ascending address order.
	var (
		c         = &a.caches[classIndex]
		slabStart = frame.VirtAddress()
	)
	for obj := slabStart + uintptr(class.slabOrder.Size()) - class.objSize; ; obj -= class.objSize {
		c.freeList.Push(obj)
		if obj == slabStart {
			break
		}
	}

	c.slabs++
	return nil
}

// Free releases a block obtained from Alloc. The size must map to the same
// class as the size passed to Alloc.
func (a *Allocator) Free(addr, size uintptr) {
	if addr == 0 {
		return
	}

	classIndex := classFor(size)
	if classIndex == -1 {
		a.pages.FreeOrder(pmm.FrameFromAddress(mem.VirtToPhys(addr)), oversizeOrder(size))
		return
	}

	a.lock.Acquire()
	a.caches[classIndex].freeList.Push(addr)
	a.lock.Release()
}

// sameBasket returns true if both sizes are served by the same size class or,
// for oversized requests, by blocks of the same page order.
func sameBasket(oldSize, newSize uintptr) bool {
	oldClass, newClass := classFor(oldSize), classFor(newSize)
	if oldClass != -1 || newClass != -1 {
		return oldClass == newClass
	}

	return oversizeOrder(oldSize) == oversizeOrder(newSize)
}

// Realloc resizes the block at addr from oldSize to newSize bytes. If both
// sizes share a class the block is returned unchanged; otherwise a new block
// is allocated, min(oldSize, newSize) bytes are copied over and the old block
// is released. On failure the original block is left untouched.
func (a *Allocator) Realloc(addr, oldSize, newSize uintptr) (uintptr, *kernel.Error) {
	if addr == 0 {
		return a.Alloc(newSize)
	}

	if sameBasket(oldSize, newSize) {
		return addr, nil
	}

	newAddr, err := a.Alloc(newSize)
	if err != nil {
		return 0, err
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	kernel.Memcopy(addr, newAddr, copySize)
	a.Free(addr, oldSize)

	return newAddr, nil
}

// Slabs returns the number of slabs carved for the class serving size.
func (a *Allocator) Slabs(size uintptr) uint64 {
	classIndex := classFor(size)
	if classIndex == -1 {
		return 0
	}

	a.lock.Acquire()
	defer a.lock.Release()
	return a.caches[classIndex].slabs
}
