// Package mbtest assembles synthetic multiboot2 information blocks for tests.
package mbtest

import (
	"encoding/binary"
	"kestrel/multiboot"
	"unsafe"
)

// tag type values defined by the multiboot2 specification.
const (
	tagEnd       = 0
	tagCmdLine   = 1
	tagModule    = 3
	tagMemoryMap = 6
)

// Module describes a boot module tag.
type Module struct {
	Start, End uint32
	Name       string
}

// Info accumulates tags for a multiboot2 information block.
type Info struct {
	regions []multiboot.MemoryMapEntry
	modules []Module
	cmdLine string
}

// AddMemRegion appends an entry to the memory map tag.
func (i *Info) AddMemRegion(physAddr, length uint64, entryType multiboot.MemoryEntryType) *Info {
	i.regions = append(i.regions, multiboot.MemoryMapEntry{PhysAddress: physAddr, Length: length, Type: entryType})
	return i
}

// AddModule appends a module tag.
func (i *Info) AddModule(start, end uint32, name string) *Info {
	i.modules = append(i.modules, Module{Start: start, End: end, Name: name})
	return i
}

// SetCmdLine sets the contents of the command line tag.
func (i *Info) SetCmdLine(cmdLine string) *Info {
	i.cmdLine = cmdLine
	return i
}

// Build encodes the information block. The returned slice is 8-byte aligned
// and its address can be passed to multiboot.SetInfoPtr; callers must keep it
// reachable while the multiboot package uses it.
func (i *Info) Build() []byte {
	buf := make([]byte, 8)

	if i.cmdLine != "" {
		buf = appendTag(buf, tagCmdLine, append([]byte(i.cmdLine), 0))
	}

	for _, mod := range i.modules {
		payload := make([]byte, 8, 8+len(mod.Name)+1)
		binary.LittleEndian.PutUint32(payload[0:], mod.Start)
		binary.LittleEndian.PutUint32(payload[4:], mod.End)
		payload = append(append(payload, mod.Name...), 0)
		buf = appendTag(buf, tagModule, payload)
	}

	if len(i.regions) != 0 {
		payload := make([]byte, 8+24*len(i.regions))
		binary.LittleEndian.PutUint32(payload[0:], 24)
		for index, region := range i.regions {
			entry := payload[8+24*index:]
			binary.LittleEndian.PutUint64(entry[0:], region.PhysAddress)
			binary.LittleEndian.PutUint64(entry[8:], region.Length)
			binary.LittleEndian.PutUint32(entry[16:], uint32(region.Type))
		}
		buf = appendTag(buf, tagMemoryMap, payload)
	}

	buf = appendTag(buf, tagEnd, nil)
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))

	// copy into uint64-backed storage to guarantee the alignment required
	// by the tag parser.
	aligned := make([]uint64, (len(buf)+7)/8)
	out := unsafe.Slice((*byte)(unsafe.Pointer(&aligned[0])), len(buf))
	copy(out, buf)
	return out
}

// Addr returns the address of an encoded information block.
func Addr(data []byte) uintptr {
	return uintptr(unsafe.Pointer(&data[0]))
}

func appendTag(buf []byte, tagType uint32, payload []byte) []byte {
	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:], tagType)
	binary.LittleEndian.PutUint32(header[4:], uint32(8+len(payload)))

	buf = append(append(buf, header[:]...), payload...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}

	return buf
}
