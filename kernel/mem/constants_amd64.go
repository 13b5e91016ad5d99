//go:build amd64

package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// MaxPageOrder defines the maximum page order that can be requested by
	// a page-based allocator. A MaxPageOrder block spans 4Mb.
	MaxPageOrder = PageOrder(10)

	// UserSpaceLimit is the first address past the lower (user) half of the
	// canonical address space. Addresses from here up to the start of the
	// higher half are non-canonical.
	UserSpaceLimit = uintptr(0x0000800000000000)

	// defaultPhysMemOffset is the virtual address where the boot code maps
	// the entire physical memory.
	defaultPhysMemOffset = uintptr(0xffff800000000000)
)
