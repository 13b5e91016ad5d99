package allocator

import (
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mem"
	"kestrel/multiboot"
)

// maxReservedSpans bounds the number of physical ranges (kernel image,
// multiboot info and boot modules) excluded from the allocator region.
const maxReservedSpans = 32

var (
	// Buddy is the system-wide physical page allocator set up by Init.
	Buddy BuddyAllocator

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	visitMemRegionsFn = multiboot.VisitMemRegions
	visitModulesFn    = multiboot.VisitModules
	infoRegionFn      = multiboot.InfoRegion

	errNoAvailableRegion = &kernel.Error{Module: "buddy", Message: "no available memory region reported by the boot loader"}
)

// span is a half-open physical address range.
type span struct {
	start, end uintptr
}

// Init selects the largest available physical memory region reported by the
// boot loader, excluding the kernel image at [kernelStart, kernelEnd), the
// multiboot info data and any boot modules, and hands it to Buddy.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	start, size := largestAvailableRegion(kernelStart, kernelEnd)
	if size == 0 {
		return errNoAvailableRegion
	}

	if err := Buddy.Init(start, size); err != nil {
		return err
	}

	base, managed := Buddy.Region()
	kfmt.Printf("[buddy] selected region 0x%x - 0x%x\n", start, start+size)
	kfmt.Printf("[buddy] managing %dKb at 0x%x (%d max-order blocks)\n",
		uint64(mem.Size(managed)/mem.Kb),
		base,
		uint64(managed/uintptr(mem.MaxPageOrder.Size())),
	)
	return nil
}

// largestAvailableRegion returns the largest page-aligned piece of available
// memory that does not overlap any reserved span.
func largestAvailableRegion(kernelStart, kernelEnd uintptr) (uintptr, uintptr) {
	var (
		reserved  [maxReservedSpans]span
		spanCount int
		bestStart uintptr
		bestSize  uintptr
	)

	reserved[spanCount] = span{kernelStart, kernelEnd}
	spanCount++

	if infoStart, infoSize := infoRegionFn(); infoSize != 0 {
		reserved[spanCount] = span{infoStart, infoStart + infoSize}
		spanCount++
	}

	visitModulesFn(func(mod *multiboot.Module) bool {
		if spanCount == maxReservedSpans {
			return false
		}

		reserved[spanCount] = span{mod.PhysStart, mod.PhysEnd}
		spanCount++
		return true
	})

	pageSizeMinus1 := uint64(mem.PageSize - 1)
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		// Reported addresses may not be page-aligned; round the start up
		// and the end down.
		regionStart := uintptr((region.PhysAddress + pageSizeMinus1) &^ pageSizeMinus1)
		regionEnd := uintptr((region.PhysAddress + region.Length) &^ pageSizeMinus1)
		if regionEnd <= regionStart {
			return true
		}

		if start, end := largestPiece(span{regionStart, regionEnd}, reserved[:spanCount]); end-start > bestSize {
			bestStart, bestSize = start, end-start
		}
		return true
	})

	return bestStart, bestSize
}

// largestPiece removes the reserved spans from r and returns the largest
// page-aligned piece that remains.
func largestPiece(r span, reserved []span) (uintptr, uintptr) {
	if r.end <= r.start {
		return 0, 0
	}

	if len(reserved) == 0 {
		return r.start, r.end
	}

	rsv := reserved[0]
	if rsv.end <= r.start || rsv.start >= r.end || rsv.end <= rsv.start {
		return largestPiece(r, reserved[1:])
	}

	pageSizeMinus1 := uintptr(mem.PageSize - 1)
	leftStart, leftEnd := largestPiece(span{r.start, rsv.start &^ pageSizeMinus1}, reserved[1:])
	rightStart, rightEnd := largestPiece(span{(rsv.end + pageSizeMinus1) &^ pageSizeMinus1, r.end}, reserved[1:])

	if rightEnd-rightStart > leftEnd-leftStart {
		return rightStart, rightEnd
	}
	return leftStart, leftEnd
}

// PrintMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func PrintMemoryMap() {
	kfmt.Printf("[buddy] system memory map:\n")
	var totalFree mem.Size
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[buddy] available memory: %dKb\n", uint64(totalFree/mem.Kb))
}
