package vmm

import (
	"kestrel/kernel/mem"
	"unsafe"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// tableEntry returns a pointer to the entry at index of the page table
// stored in the physical page at tablePhys.
func tableEntry(tablePhys, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(mem.PhysToVirt(tablePhys) + (index << mem.PointerShift)))
}

// walk performs a page table walk for virtAddr starting at the top-level
// table stored at physical address pdtPhys. Tables are accessed through the
// physical memory direct map so the walked tables do not need to belong to
// the active address space.
//
// walkFn is invoked with the entry that corresponds to each level. Returning
// true from walkFn descends into the table the entry points to, so walkFn
// must only do so for present, non-huge entries.
func walk(pdtPhys, virtAddr uintptr, walkFn pageTableWalker) {
	tablePhys := pdtPhys
	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)

		pte := tableEntry(tablePhys, entryIndex)
		if !walkFn(level, pte) {
			return
		}

		tablePhys = pte.Frame().Address()
	}
}
