package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/gate"
	"kestrel/kernel/kfmt"
)

// Page fault error code bits.
const (
	faultProtection = 1 << 0
	faultWrite      = 1 << 1
	faultUser       = 1 << 2
	faultReserved   = 1 << 3
	faultFetch      = 1 << 4
)

var errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails. Tasks never fault pages in on demand so every
// page fault is fatal.
func pageFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", readCR2Fn())
	printPageFaultReason(regs.Info)

	kfmt.Printf("\n\nRegisters:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

func printPageFaultReason(code uint64) {
	if code&faultReserved != 0 {
		kfmt.Printf("page table has reserved bit set")
		return
	}

	switch {
	case code&faultFetch != 0:
		kfmt.Printf("instruction fetch from ")
	case code&faultWrite != 0:
		kfmt.Printf("write to ")
	default:
		kfmt.Printf("read from ")
	}

	if code&faultProtection != 0 {
		kfmt.Printf("protected page")
	} else {
		kfmt.Printf("non-present page")
	}

	if code&faultUser != 0 {
		kfmt.Printf(" in user-mode")
	}
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	kfmt.Printf("\nGeneral protection fault (selector: 0x%x)\n", regs.Info)
	kfmt.Printf("Registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}
