// Package gdt describes the segment selectors and the task state segment
// installed by the descriptor table setup code.
package gdt

import "encoding/binary"

// Segment selectors for the flat segments installed by the boot code. The
// user selectors carry requested privilege level 3.
const (
	KernelCodeSelector = uint16(0x08)
	KernelDataSelector = uint16(0x10)
	UserDataSelector   = uint16(0x18 | 3)
	UserCodeSelector   = uint16(0x20 | 3)
)

const (
	// tssSize is the size of the 64-bit task state segment without an I/O
	// permission bitmap.
	tssSize = 104

	// rsp0Offset is the byte offset of the privilege-0 stack pointer.
	rsp0Offset = 4

	// ioMapBaseOffset is the byte offset of the I/O permission bitmap base.
	ioMapBaseOffset = 102
)

// TaskStateSegment is the hardware TSS. The CPU reads it unaligned so it is
// stored as raw bytes and accessed through explicit little-endian accessors.
type TaskStateSegment [tssSize]byte

// RSP0 returns the stack pointer loaded on a privilege transition to ring 0.
func (tss *TaskStateSegment) RSP0() uint64 {
	return binary.LittleEndian.Uint64(tss[rsp0Offset:])
}

// SetRSP0 updates the stack pointer loaded on a privilege transition to ring 0.
func (tss *TaskStateSegment) SetRSP0(rsp uint64) {
	binary.LittleEndian.PutUint64(tss[rsp0Offset:], rsp)
}

// Reset clears the segment and points the I/O map base past its end so no
// I/O permission bitmap is used.
func (tss *TaskStateSegment) Reset() {
	*tss = TaskStateSegment{}
	binary.LittleEndian.PutUint16(tss[ioMapBaseOffset:], tssSize)
}

// TSS is the task state segment referenced by the TSS descriptor.
var TSS TaskStateSegment

// SetPrivilegeStack programs the TSS so the next transition from user mode
// switches to the kernel stack whose top is stackTop.
func SetPrivilegeStack(stackTop uintptr) {
	TSS.SetRSP0(uint64(stackTop))
}
