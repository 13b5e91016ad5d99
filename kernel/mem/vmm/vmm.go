// Package vmm manages per-task virtual address spaces built on 4-level page
// tables. Page tables are edited through the physical memory direct map so an
// address space can be populated while a different one is active.
package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/gate"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mem/pmm/allocator"
	"kestrel/kernel/mem/slab"
)

var (
	// kernelPDT is the physical address of the kernel reference table. Its
	// higher-half entries are shared by every address space.
	kernelPDT uintptr

	// activePDT tracks the top-level table loaded in CR3. It starts out as
	// the kernel reference table and is updated by SwitchToThis.
	activePDT uintptr

	// noExecuteFlag is set to FlagNoExecute when the CPU supports it.
	// Setting the NX bit on a CPU without NX support raises a reserved bit
	// page fault.
	noExecuteFlag PageTableEntryFlag

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	allocFrameFn      = allocator.Buddy.AllocOrder
	freeFrameFn       = allocator.Buddy.FreeOrder
	slabAllocFn       = slab.Alloc
	slabFreeFn        = slab.Free
	switchPDTFn       = cpu.SwitchPDT
	flushTLBEntryFn   = cpu.FlushTLBEntry
	readCR2Fn         = cpu.ReadCR2
	hasNXFn           = cpu.HasNX
	handleInterruptFn = gate.HandleInterrupt

	errNoKernelPDT = &kernel.Error{Module: "vmm", Message: "no kernel reference page table available"}
)

// Init registers the currently active top-level page table, located at
// physical address kernelPDTPhys, as the kernel reference table used by
// MapKernelPages and installs the paging-related exception handlers.
func Init(kernelPDTPhys uintptr) *kernel.Error {
	if kernelPDTPhys == 0 {
		return errNoKernelPDT
	}

	kernelPDT, activePDT = kernelPDTPhys, kernelPDTPhys

	noExecuteFlag = 0
	if hasNXFn() {
		noExecuteFlag = FlagNoExecute
	}

	installFaultHandlers()

	kfmt.Printf("[vmm] kernel page table at 0x%x (nx support: %t)\n", kernelPDT, noExecuteFlag != 0)
	return nil
}
