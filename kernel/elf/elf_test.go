package elf_test

import (
	"kestrel/kernel/elf"
	"kestrel/kernel/elf/elftest"
	"testing"
)

func TestParse(t *testing.T) {
	valid := func() []byte {
		return elftest.Build(0x401000,
			elftest.Segment{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0x401000, Data: []byte{0xeb, 0xfe}},
			elftest.Segment{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0x402000, Data: []byte{1, 2, 3}, Memsz: 0x2000},
		)
	}

	specs := []struct {
		descr  string
		mutate func([]byte) []byte
		expErr bool
	}{
		{"valid image", func(b []byte) []byte { return b }, false},
		{"truncated header", func(b []byte) []byte { return b[:elf.HeaderSize-1] }, true},
		{"bad magic", func(b []byte) []byte { b[1] = 'X'; return b }, true},
		{"32-bit class", func(b []byte) []byte { b[4] = 1; return b }, true},
		{"big endian", func(b []byte) []byte { b[5] = 2; return b }, true},
		{"relocatable object", func(b []byte) []byte { b[16] = 1; return b }, true},
		{"wrong machine", func(b []byte) []byte { b[18] = 3; return b }, true},
		{"program headers past the end", func(b []byte) []byte { return b[:elf.HeaderSize+elf.ProgramHeaderSize] }, true},
		{"short program header entries", func(b []byte) []byte { b[54] = 32; return b }, true},
	}

	for _, spec := range specs {
		var img elf.Image
		err := img.Parse(spec.mutate(valid()))
		if gotErr := err != nil; gotErr != spec.expErr {
			t.Errorf("[%s] expected error: %t; got %v", spec.descr, spec.expErr, err)
		}
	}
}

func TestProgramHeaders(t *testing.T) {
	data := []byte{0xeb, 0xfe}
	buf := elftest.Build(0x401000,
		elftest.Segment{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0x401000, Data: data},
		elftest.Segment{Type: elf.PT_NULL},
	)

	var img elf.Image
	if err := img.Parse(buf); err != nil {
		t.Fatal(err)
	}

	if exp, got := uintptr(0x401000), img.Entry(); got != exp {
		t.Errorf("expected entry to be 0x%x; got 0x%x", exp, got)
	}

	if exp, got := 2, img.NumProgramHeaders(); got != exp {
		t.Fatalf("expected %d program headers; got %d", exp, got)
	}

	ph, err := img.ProgramHeader(0)
	if err != nil {
		t.Fatal(err)
	}

	if ph.Type != elf.PT_LOAD || ph.Flags != elf.PF_R|elf.PF_X || ph.Vaddr != 0x401000 {
		t.Errorf("unexpected program header contents: %+v", ph)
	}

	if ph.Filesz != uint64(len(data)) || ph.Memsz != uint64(len(data)) {
		t.Errorf("expected filesz and memsz to be %d; got %d and %d", len(data), ph.Filesz, ph.Memsz)
	}

	if got := img.Bytes()[ph.Offset : ph.Offset+ph.Filesz]; got[0] != 0xeb || got[1] != 0xfe {
		t.Errorf("expected segment data to point to the encoded bytes; got %v", got)
	}

	for _, index := range []int{-1, 2} {
		if _, err := img.ProgramHeader(index); err == nil {
			t.Errorf("expected an error for program header index %d", index)
		}
	}
}
