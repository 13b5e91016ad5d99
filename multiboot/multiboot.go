// Package multiboot parses the multiboot2 information block handed over by
// the boot loader.
package multiboot

import (
	"strings"
	"unsafe"
)

var infoData uintptr

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. According to the spec, each tag starts at a 8-byte aligned
	// address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemRegionVisitor defines a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(*MemoryMapEntry) bool

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// ModuleVisitor defines a visitor function that gets invoked by VisitModules
// for each boot module loaded by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type ModuleVisitor func(*Module) bool

// Module describes a boot module loaded by the boot loader. The kernel treats
// each module as an executable image for an initial task.
type Module struct {
	// The physical address range [PhysStart, PhysEnd) holding the module.
	PhysStart uintptr
	PhysEnd   uintptr

	// The module string supplied by the boot loader configuration.
	Name string
}

// Size returns the module length in bytes.
func (m *Module) Size() uintptr {
	return m.PhysEnd - m.PhysStart
}

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr != endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// VisitModules invokes visitor for each boot module tag in the multiboot info
// data.
func VisitModules(visitor ModuleVisitor) {
	var (
		module    Module
		tagPtr    = infoData + 8
		ptrHeader *tagHeader
	)

	for {
		if tagPtr, ptrHeader = nextTagOfType(tagPtr, tagModules); ptrHeader == nil {
			return
		}

		// module tags contain 2 dwords with the module extents followed by a
		// NULL-terminated string.
		payload := tagPtr + 8
		module.PhysStart = uintptr(*(*uint32)(unsafe.Pointer(payload)))
		module.PhysEnd = uintptr(*(*uint32)(unsafe.Pointer(payload + 4)))
		module.Name = cString(payload+8, uintptr(ptrHeader.size)-16)

		if !visitor(&module) {
			return
		}

		tagPtr += uintptr(int32(ptrHeader.size+7) & ^7)
	}
}

// InfoRegion returns the physical extents of the multiboot info data so the
// memory allocators can avoid handing it out.
func InfoRegion() (uintptr, uintptr) {
	if infoData == 0 {
		return 0, 0
	}

	return infoData, uintptr((*info)(unsafe.Pointer(infoData)).totalSize)
}

// BootCmdLine returns the raw command line passed to the kernel or an empty
// string if the boot loader did not supply one.
func BootCmdLine() string {
	curPtr, size := findTagByType(tagBootCmdLine)
	if size == 0 {
		return ""
	}

	return cString(curPtr, uintptr(size))
}

// CmdLineValue looks up key in the space-separated list of key=value pairs
// passed on the kernel command line. A bare key (e.g. "quiet") is reported as
// present with its own name as the value.
func CmdLineValue(key string) (string, bool) {
	var (
		cmdLine    = BootCmdLine()
		start, end int
	)

	for start < len(cmdLine) {
		for ; start < len(cmdLine) && cmdLine[start] == ' '; start++ {
		}
		for end = start; end < len(cmdLine) && cmdLine[end] != ' '; end++ {
		}

		pair := cmdLine[start:end]
		switch sep := strings.IndexByte(pair, '='); {
		case sep == -1 && pair == key:
			return pair, true
		case sep != -1 && pair[:sep] == key:
			return pair[sep+1:], true
		}

		start = end
	}

	return "", false
}

// findTagByType scans the multiboot info data looking for the first tag of
// the specified type. It returns a pointer to the tag contents start offset
// and the content length excluding the tag header.
//
// If the tag is not present in the multiboot info, findTagByType will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	curPtr, ptrTagHeader := nextTagOfType(infoData+8, tagType)
	if ptrTagHeader == nil {
		return 0, 0
	}

	return curPtr + 8, ptrTagHeader.size - 8
}

// nextTagOfType scans the tags starting at curPtr and returns the address and
// header of the first one with the requested type or a nil header if the end
// tag is reached first.
func nextTagOfType(curPtr uintptr, tagType tagType) (uintptr, *tagHeader) {
	for ptrTagHeader := (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr, ptrTagHeader
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, nil
}

// cString returns a Go string for the NULL-terminated string stored at ptr
// reading at most maxLen bytes. The string shares its storage with the
// multiboot info data.
func cString(ptr, maxLen uintptr) string {
	var length uintptr
	for ; length < maxLen && *(*byte)(unsafe.Pointer(ptr + length)) != 0; length++ {
	}

	return unsafe.String((*byte)(unsafe.Pointer(ptr)), length)
}
