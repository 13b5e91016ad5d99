package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/list"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"unsafe"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errEmptyRegion        = &kernel.Error{Module: "vmm", Message: "region length must be greater than zero"}
	errZeroPage           = &kernel.Error{Module: "vmm", Message: "region overlaps the zero page"}
	errRegionOutOfBounds  = &kernel.Error{Module: "vmm", Message: "region extends beyond the top of user space"}
	errRegionOverlap      = &kernel.Error{Module: "vmm", Message: "region overlaps an existing region"}
	errRegionTooLarge     = &kernel.Error{Module: "vmm", Message: "region exceeds the largest block the page allocator can provide"}
	errHugePageUserSpace  = &kernel.Error{Module: "vmm", Message: "huge page mappings are not supported in user space"}
	errKernelHalfMapping  = &kernel.Error{Module: "vmm", Message: "user mappings cannot target the shared kernel half"}
	errDestroyActive      = &kernel.Error{Module: "vmm", Message: "attempted to destroy the active address space"}
	errSegmentOutOfBounds = &kernel.Error{Module: "vmm", Message: "segment file contents lie outside the image"}
	errSegmentFileSize    = &kernel.Error{Module: "vmm", Message: "segment file size exceeds its memory size"}
)

// VirtRegion is a page-aligned range of a user address space together with
// the physical block that backs it.
type VirtRegion struct {
	node list.SNode

	Start      uintptr
	Len        uintptr
	Writable   bool
	Executable bool

	// Frame and Order identify the page allocator block that backs the
	// region. The block may be larger than Len.
	Frame pmm.Frame
	Order mem.PageOrder
}

// End returns the first address past the region.
func (r *VirtRegion) End() uintptr {
	return r.Start + r.Len
}

// tableRecord tracks a page table page owned by an address space.
type tableRecord struct {
	node  list.SNode
	frame pmm.Frame
}

var (
	virtRegionSize  = unsafe.Sizeof(VirtRegion{})
	tableRecordSize = unsafe.Sizeof(tableRecord{})
)

// AddressSpace is a user address space rooted at its own top-level page
// table. Region and table bookkeeping records are allocated from the slab
// allocator; the page tables and region contents come from the page
// allocator.
type AddressSpace struct {
	pdt pmm.Frame

	// regions are kept sorted by start address.
	regions list.SList

	// tables lists every page table page the address space allocated,
	// including the top-level table.
	tables list.SList
}

// Init allocates and clears the top-level page table.
func (as *AddressSpace) Init() *kernel.Error {
	as.pdt = pmm.InvalidFrame

	frame, err := as.allocTable()
	if err != nil {
		return err
	}

	as.pdt = frame
	return nil
}

// PDTPhys returns the physical address of the top-level page table.
func (as *AddressSpace) PDTPhys() uintptr {
	return as.pdt.Address()
}

// MapKernelPages copies the higher-half entries of the kernel reference table
// into this address space. The lower level tables they point to are shared,
// so kernel mappings stay identical across address spaces.
func (as *AddressSpace) MapKernelPages() {
	if kernelPDT == 0 {
		panic(errNoKernelPDT)
	}

	for index := uintptr(kernelHalfFirstEntry); index < entriesPerTable; index++ {
		*tableEntry(as.pdt.Address(), index) = *tableEntry(kernelPDT, index)
	}
}

// AddVirtRegion maps a zero-filled region covering [start, start+length)
// after rounding it out to page boundaries. The region is backed by a single
// physical block and is accessible from user mode; writable and executable
// control the remaining page permissions.
//
// The zero page and the page below the top of user space are never mapped.
// Regions may touch but not overlap.
func (as *AddressSpace) AddVirtRegion(start, length uintptr, writable, executable bool) (*VirtRegion, *kernel.Error) {
	if length == 0 {
		return nil, errEmptyRegion
	}

	end := start + length
	if end < start || end > userSpaceCeiling {
		return nil, errRegionOutOfBounds
	}

	pageMask := uintptr(mem.PageSize - 1)
	start &^= pageMask
	end = (end + pageMask) &^ pageMask

	if start == 0 {
		return nil, errZeroPage
	}

	if as.overlaps(start, end) {
		return nil, errRegionOverlap
	}

	order := mem.Size(end - start).Order()
	if order > mem.MaxPageOrder {
		return nil, errRegionTooLarge
	}

	frame, err := allocFrameFn(order)
	if err != nil {
		return nil, err
	}

	regionAddr, err := slabAllocFn(virtRegionSize)
	if err != nil {
		freeFrameFn(frame, order)
		return nil, err
	}

	kernel.Memset(frame.VirtAddress(), 0, uintptr(order.Size()))

	region := (*VirtRegion)(unsafe.Pointer(regionAddr))
	*region = VirtRegion{
		Start:      start,
		Len:        end - start,
		Writable:   writable,
		Executable: executable,
		Frame:      frame,
		Order:      order,
	}

	flags := FlagPresent | FlagUserAccessible
	if writable {
		flags |= FlagRW
	}
	if !executable {
		flags |= noExecuteFlag
	}

	for offset := uintptr(0); offset < region.Len; offset += uintptr(mem.PageSize) {
		if err = as.mapPage(start+offset, frame+pmm.Frame(offset>>mem.PageShift), flags); err != nil {
			for mapped := uintptr(0); mapped < offset; mapped += uintptr(mem.PageSize) {
				as.unmapPage(start + mapped)
			}

			slabFreeFn(regionAddr, virtRegionSize)
			freeFrameFn(frame, order)
			return nil, err
		}
	}

	as.insertRegion(regionAddr)
	return region, nil
}

// VisitRegions invokes visitor for each region in ascending address order
// until the visitor returns false.
func (as *AddressSpace) VisitRegions(visitor func(*VirtRegion) bool) {
	as.regions.Visit(func(addr uintptr) bool {
		return visitor((*VirtRegion)(unsafe.Pointer(addr)))
	})
}

// ResolveVirtAddr returns the physical address that virtAddr maps to in this
// address space. Permission bits are not checked.
func (as *AddressSpace) ResolveVirtAddr(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	walk(as.pdt.Address(), virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		// Kernel entries copied from the reference table may map huge pages
		if pteLevel == pageLevels-1 || (pteLevel > 0 && pte.HasFlags(FlagHugePage)) {
			offsetMask := uintptr(1)<<pageLevelShifts[pteLevel] - 1
			physAddr = (uintptr(*pte) & ptePhysPageMask &^ offsetMask) | (virtAddr & offsetMask)
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// SwitchToThis activates this address space. The address space must not be
// destroyed while it is active.
func (as *AddressSpace) SwitchToThis() {
	activePDT = as.pdt.Address()
	switchPDTFn(activePDT)
}

// Destroy releases the backing memory of every region, every page table the
// address space allocated and all bookkeeping records. Shared kernel tables
// are left untouched. Destroying the active address space is a fatal error.
func (as *AddressSpace) Destroy() {
	if as.isActive() {
		panic(errDestroyActive)
	}

	for !as.regions.Empty() {
		addr := as.regions.Pop()
		region := (*VirtRegion)(unsafe.Pointer(addr))
		freeFrameFn(region.Frame, region.Order)
		slabFreeFn(addr, virtRegionSize)
	}

	for !as.tables.Empty() {
		addr := as.tables.Pop()
		freeFrameFn((*tableRecord)(unsafe.Pointer(addr)).frame, 0)
		slabFreeFn(addr, tableRecordSize)
	}

	as.pdt = pmm.InvalidFrame
}

func (as *AddressSpace) isActive() bool {
	return as.pdt.Valid() && activePDT == as.pdt.Address()
}

// allocTable allocates a cleared page table page and records it as owned by
// this address space.
func (as *AddressSpace) allocTable() (pmm.Frame, *kernel.Error) {
	frame, err := allocFrameFn(0)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	recordAddr, err := slabAllocFn(tableRecordSize)
	if err != nil {
		freeFrameFn(frame, 0)
		return pmm.InvalidFrame, err
	}

	kernel.Memset(frame.VirtAddress(), 0, uintptr(mem.PageSize))
	(*tableRecord)(unsafe.Pointer(recordAddr)).frame = frame
	as.tables.Push(recordAddr)

	return frame, nil
}

// mapPage installs a leaf entry for virtAddr, allocating any missing
// intermediate tables. Intermediate entries are created user-accessible and
// writable; the leaf flags decide the effective permissions.
func (as *AddressSpace) mapPage(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	// Top-level entries of the kernel half point at tables shared by every
	// address space.
	if (virtAddr>>pageLevelShifts[0])&(entriesPerTable-1) >= kernelHalfFirstEntry {
		return errKernelHalfMapping
	}

	var err *kernel.Error

	walk(as.pdt.Address(), virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.set(frame, flags)
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			var table pmm.Frame
			if table, err = as.allocTable(); err != nil {
				return false
			}

			pte.set(table, FlagPresent|FlagRW|FlagUserAccessible)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errHugePageUserSpace
			return false
		}

		return true
	})

	return err
}

// unmapPage clears the leaf entry for virtAddr if one exists. Intermediate
// tables stay allocated until the address space is destroyed.
func (as *AddressSpace) unmapPage(virtAddr uintptr) {
	walk(as.pdt.Address(), virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			*pte = 0
			if as.isActive() {
				flushTLBEntryFn(virtAddr)
			}
		}

		return true
	})
}

// overlaps reports whether [start, end) intersects any existing region.
func (as *AddressSpace) overlaps(start, end uintptr) bool {
	var conflict bool

	as.VisitRegions(func(r *VirtRegion) bool {
		if r.Start >= end {
			return false
		}

		conflict = r.End() > start
		return !conflict
	})

	return conflict
}

// insertRegion links the region at addr so the region list stays sorted.
func (as *AddressSpace) insertRegion(addr uintptr) {
	var (
		start = (*VirtRegion)(unsafe.Pointer(addr)).Start
		prev  uintptr
	)

	as.regions.Visit(func(cur uintptr) bool {
		if (*VirtRegion)(unsafe.Pointer(cur)).Start > start {
			return false
		}

		prev = cur
		return true
	})

	as.regions.InsertAfter(prev, addr)
}
