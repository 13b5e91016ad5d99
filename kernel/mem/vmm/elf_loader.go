package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/elf"
	"unsafe"
)

// MapELFSegments creates a region for each loadable segment of img and copies
// the segment's file contents into it. Bytes between the file size and the
// memory size of a segment stay zero. Segments that do not start on a page
// boundary are loaded at their offset inside the first page.
//
// Regions created before an error is returned stay mapped; callers are
// expected to destroy the address space.
func (as *AddressSpace) MapELFSegments(img *elf.Image) *kernel.Error {
	buf := img.Bytes()

	for index := 0; index < img.NumProgramHeaders(); index++ {
		ph, err := img.ProgramHeader(index)
		if err != nil {
			return err
		}

		if ph.Type != elf.PT_LOAD || ph.Memsz == 0 {
			continue
		}

		if ph.Offset > uint64(len(buf)) || ph.Filesz > uint64(len(buf))-ph.Offset {
			return errSegmentOutOfBounds
		}

		if ph.Filesz > ph.Memsz {
			return errSegmentFileSize
		}

		region, err := as.AddVirtRegion(
			uintptr(ph.Vaddr),
			uintptr(ph.Memsz),
			ph.Flags&elf.PF_W != 0,
			ph.Flags&elf.PF_X != 0,
		)
		if err != nil {
			return err
		}

		if ph.Filesz != 0 {
			kernel.Memcopy(
				uintptr(unsafe.Pointer(&buf[ph.Offset])),
				region.Frame.VirtAddress()+uintptr(ph.Vaddr)-region.Start,
				uintptr(ph.Filesz),
			)
		}
	}

	return nil
}
