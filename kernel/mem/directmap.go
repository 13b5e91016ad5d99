package mem

// physMemOffset is the base of the linear mapping of physical memory in the
// kernel half of every address space.
var physMemOffset = defaultPhysMemOffset

// SetPhysMemOffset overrides the base address of the physical memory direct
// map and returns the previous value.
func SetPhysMemOffset(offset uintptr) uintptr {
	prev := physMemOffset
	physMemOffset = offset
	return prev
}

// PhysToVirt returns the direct-map virtual address for a physical address.
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + physMemOffset
}

// VirtToPhys converts a direct-map virtual address back to its physical
// address.
func VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - physMemOffset
}
