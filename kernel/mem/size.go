package mem

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Order returns the smallest PageOrder that is suitable for storing a block of
// this size. Sizes that do not fit in a MaxPageOrder block map to
// MaxPageOrder+1.
func (s Size) Order() PageOrder {
	if s > MaxPageOrder.Size() {
		return MaxPageOrder + 1
	}

	var order = PageOrder(0)
	for PageSize<<order < s {
		order++
	}

	return order
}

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	pageSizeMinus1 := PageSize - 1
	return uint64((s+pageSizeMinus1)&^pageSizeMinus1) >> PageShift
}

// AlignUp rounds s up to the nearest page boundary.
func (s Size) AlignUp() Size {
	return (s + PageSize - 1) &^ (PageSize - 1)
}

// PageOrder represents a power-of-two multiple of the base page size
// (PageSize) and is used as an argument to page-based memory allocators.
//
// PageOrder(0) refers to a block with size PageSize
// PageOrder(1) refers to a block with size PageSize * 2
// ...
// PageOrder(MaxPageOrder) refers to a block with size PageSize * 2^(MaxPageOrder)
type PageOrder uint8

// Size returns the size in bytes of a block with this order.
func (o PageOrder) Size() Size {
	return PageSize << o
}

// OrderForPages returns the smallest PageOrder whose block can hold count
// pages or MaxPageOrder+1 if no block is large enough.
func OrderForPages(count uint64) PageOrder {
	if count > MaxPageOrder.Size().Pages() {
		return MaxPageOrder + 1
	}

	return Size(count << PageShift).Order()
}
