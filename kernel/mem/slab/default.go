package slab

import "kestrel/kernel"

// Default is the kernel-wide allocator used by the rest of the kernel once
// Init has been called.
var Default Allocator

// Init binds Default to the supplied page allocator.
func Init(pages PageAllocator) {
	Default.Init(pages)
}

// Alloc allocates size bytes from Default.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	return Default.Alloc(size)
}

// Free returns a block obtained via Alloc to Default.
func Free(addr, size uintptr) {
	Default.Free(addr, size)
}

// Realloc resizes a block obtained via Alloc.
func Realloc(addr, oldSize, newSize uintptr) (uintptr, *kernel.Error) {
	return Default.Realloc(addr, oldSize, newSize)
}
