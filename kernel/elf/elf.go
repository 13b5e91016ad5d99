// Package elf validates 64-bit little-endian x86-64 executable images and
// exposes their program headers without copying the image.
package elf

import (
	"encoding/binary"
	"kestrel/kernel"
)

// Sizes of the on-disk structures.
const (
	HeaderSize        = 64
	ProgramHeaderSize = 56
)

// Header field values accepted by Parse.
const (
	classELF64   = 2
	dataLSB      = 1
	versionCur   = 1
	TypeExec     = 2
	MachineAMD64 = 62
)

// SegmentType describes the kind of a program header.
type SegmentType uint32

// Segment types.
const (
	PT_NULL SegmentType = 0
	PT_LOAD SegmentType = 1
)

// SegmentFlag is an OR-able permission flag of a program header.
type SegmentFlag uint32

// Segment permission flags.
const (
	PF_X SegmentFlag = 1 << iota
	PF_W
	PF_R
)

var (
	errTruncatedImage     = &kernel.Error{Module: "elf", Message: "image is smaller than the ELF header"}
	errBadMagic           = &kernel.Error{Module: "elf", Message: "image does not start with the ELF magic"}
	errUnsupportedFormat  = &kernel.Error{Module: "elf", Message: "only 64-bit little-endian version 1 images are supported"}
	errNotExecutable      = &kernel.Error{Module: "elf", Message: "image is not an x86-64 executable"}
	errBadProgramHeaders  = &kernel.Error{Module: "elf", Message: "program header table lies outside the image"}
	errProgramHeaderIndex = &kernel.Error{Module: "elf", Message: "program header index out of range"}
)

// Header holds the fields of the ELF file header used by the kernel.
type Header struct {
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	PhOff     uint64
	PhEntSize uint16
	PhNum     uint16
}

// ProgramHeader describes a segment of the image.
type ProgramHeader struct {
	Type   SegmentType
	Flags  SegmentFlag
	Offset uint64
	Vaddr  uint64
	Paddr  uint64
	Filesz uint64
	Memsz  uint64
	Align  uint64
}

// Image is a validated executable image. The zero value is not usable; call
// Parse first.
type Image struct {
	buf    []byte
	header Header
}

// Parse validates buf and binds the image to it. The image keeps a reference
// to buf, which must not be modified while the image is in use.
func (img *Image) Parse(buf []byte) *kernel.Error {
	if len(buf) < HeaderSize {
		return errTruncatedImage
	}

	if buf[0] != 0x7f || buf[1] != 'E' || buf[2] != 'L' || buf[3] != 'F' {
		return errBadMagic
	}

	if buf[4] != classELF64 || buf[5] != dataLSB || buf[6] != versionCur {
		return errUnsupportedFormat
	}

	le := binary.LittleEndian
	hdr := Header{
		Type:      le.Uint16(buf[16:]),
		Machine:   le.Uint16(buf[18:]),
		Version:   le.Uint32(buf[20:]),
		Entry:     le.Uint64(buf[24:]),
		PhOff:     le.Uint64(buf[32:]),
		PhEntSize: le.Uint16(buf[54:]),
		PhNum:     le.Uint16(buf[56:]),
	}

	if hdr.Type != TypeExec || hdr.Machine != MachineAMD64 || hdr.Version != versionCur {
		return errNotExecutable
	}

	if hdr.PhNum != 0 {
		tableSize := uint64(hdr.PhNum) * uint64(hdr.PhEntSize)
		if hdr.PhEntSize < ProgramHeaderSize || hdr.PhOff > uint64(len(buf)) || tableSize > uint64(len(buf))-hdr.PhOff {
			return errBadProgramHeaders
		}
	}

	img.buf = buf
	img.header = hdr
	return nil
}

// Header returns the decoded file header.
func (img *Image) Header() Header {
	return img.header
}

// Entry returns the virtual address of the image entry point.
func (img *Image) Entry() uintptr {
	return uintptr(img.header.Entry)
}

// Bytes returns the raw image contents.
func (img *Image) Bytes() []byte {
	return img.buf
}

// NumProgramHeaders returns the number of entries in the program header
// table.
func (img *Image) NumProgramHeaders() int {
	return int(img.header.PhNum)
}

// ProgramHeader decodes the program header at the given index.
func (img *Image) ProgramHeader(index int) (ProgramHeader, *kernel.Error) {
	if index < 0 || index >= int(img.header.PhNum) {
		return ProgramHeader{}, errProgramHeaderIndex
	}

	var (
		le  = binary.LittleEndian
		ent = img.buf[img.header.PhOff+uint64(index)*uint64(img.header.PhEntSize):]
	)

	return ProgramHeader{
		Type:   SegmentType(le.Uint32(ent[0:])),
		Flags:  SegmentFlag(le.Uint32(ent[4:])),
		Offset: le.Uint64(ent[8:]),
		Vaddr:  le.Uint64(ent[16:]),
		Paddr:  le.Uint64(ent[24:]),
		Filesz: le.Uint64(ent[32:]),
		Memsz:  le.Uint64(ent[40:]),
		Align:  le.Uint64(ent[48:]),
	}, nil
}
