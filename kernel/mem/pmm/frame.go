// Package pmm contains the physical memory frame abstraction shared by the
// page allocators and the page table code.
package pmm

import (
	"kestrel/kernel/mem"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address of this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// VirtAddress returns the address through which the kernel can access the
// contents of this Frame via the physical memory direct map.
func (f Frame) VirtAddress() uintptr {
	return mem.PhysToVirt(f.Address())
}

// FrameFromAddress returns the Frame containing the supplied physical
// address. Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(mem.PageSize) - 1)) >> mem.PageShift)
}
