// Package elftest assembles minimal executable images for tests.
package elftest

import (
	"encoding/binary"
	"kestrel/kernel/elf"
)

// Segment describes a program header and the file contents it maps.
type Segment struct {
	Type  elf.SegmentType
	Flags elf.SegmentFlag
	Vaddr uint64
	Data  []byte

	// Memsz defaults to len(Data) when zero.
	Memsz uint64
}

// Build encodes an x86-64 executable with the given entry point. Segment data
// is laid out after the program header table in declaration order.
func Build(entry uint64, segments ...Segment) []byte {
	var (
		le       = binary.LittleEndian
		phOff    = uint64(elf.HeaderSize)
		dataOff  = phOff + uint64(len(segments))*elf.ProgramHeaderSize
		dataSize uint64
	)

	for _, seg := range segments {
		dataSize += uint64(len(seg.Data))
	}

	buf := make([]byte, dataOff+dataSize)
	copy(buf, []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	le.PutUint16(buf[16:], elf.TypeExec)
	le.PutUint16(buf[18:], elf.MachineAMD64)
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], phOff)
	le.PutUint16(buf[52:], elf.HeaderSize)
	le.PutUint16(buf[54:], elf.ProgramHeaderSize)
	le.PutUint16(buf[56:], uint16(len(segments)))

	for index, seg := range segments {
		memsz := seg.Memsz
		if memsz == 0 {
			memsz = uint64(len(seg.Data))
		}

		ph := buf[phOff+uint64(index)*elf.ProgramHeaderSize:]
		le.PutUint32(ph[0:], uint32(seg.Type))
		le.PutUint32(ph[4:], uint32(seg.Flags))
		le.PutUint64(ph[8:], dataOff)
		le.PutUint64(ph[16:], seg.Vaddr)
		le.PutUint64(ph[24:], seg.Vaddr)
		le.PutUint64(ph[32:], uint64(len(seg.Data)))
		le.PutUint64(ph[40:], memsz)
		le.PutUint64(ph[48:], 0x1000)

		copy(buf[dataOff:], seg.Data)
		dataOff += uint64(len(seg.Data))
	}

	return buf
}

// PatchProgramHeader overwrites a 64-bit field of the program header at index
// in an image produced by Build. fieldOffset is the byte offset of the field
// inside the program header (8: offset, 32: filesz, 40: memsz).
func PatchProgramHeader(image []byte, index int, fieldOffset int, value uint64) {
	at := elf.HeaderSize + index*elf.ProgramHeaderSize + fieldOffset
	binary.LittleEndian.PutUint64(image[at:], value)
}
