// Package memtest provides host-backed memory arenas that stand in for
// physical RAM when testing the memory management packages.
package memtest

import (
	"golang.org/x/sys/unix"
	"kestrel/kernel/mem"
	"testing"
	"unsafe"
)

// Arena is an anonymous host mapping whose usable window starts at an
// address aligned to the requested boundary.
type Arena struct {
	mapping []byte
	base    uintptr
	size    uintptr
}

// NewArena maps size bytes of zeroed host memory whose start address is a
// multiple of align (which must be a power of two no smaller than
// mem.PageSize). The mapping is released when the test completes.
func NewArena(tb testing.TB, size, align uintptr) *Arena {
	tb.Helper()

	if align < uintptr(mem.PageSize) {
		align = uintptr(mem.PageSize)
	}

	mapping, err := unix.Mmap(-1, 0, int(size+align), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		tb.Fatalf("memtest: unable to map %d bytes: %v", size+align, err)
	}

	tb.Cleanup(func() {
		if err := unix.Munmap(mapping); err != nil {
			tb.Errorf("memtest: unable to unmap arena: %v", err)
		}
	})

	start := uintptr(unsafe.Pointer(&mapping[0]))
	return &Arena{
		mapping: mapping,
		base:    (start + align - 1) &^ (align - 1),
		size:    size,
	}
}

// Base returns the aligned start address of the arena.
func (a *Arena) Base() uintptr { return a.base }

// Size returns the usable arena size.
func (a *Arena) Size() uintptr { return a.size }

// End returns the first address past the usable window.
func (a *Arena) End() uintptr { return a.base + a.size }

// Bytes returns a slice overlaying size bytes at addr which must lie inside
// the arena.
func (a *Arena) Bytes(addr, size uintptr) []byte {
	if addr < a.base || addr+size > a.End() {
		panic("memtest: slice request outside of arena")
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

// IdentityDirectMap makes the physical memory direct map an identity mapping
// so host addresses inside an Arena can be used as physical addresses. The
// previous offset is restored when the test completes.
func IdentityDirectMap(tb testing.TB) {
	prev := mem.SetPhysMemOffset(0)
	tb.Cleanup(func() {
		mem.SetPhysMemOffset(prev)
	})
}
