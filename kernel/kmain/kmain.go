// Package kmain contains the kernel entry point invoked by the rt0 code.
package kmain

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/elf"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm/allocator"
	"kestrel/kernel/mem/slab"
	"kestrel/kernel/mem/vmm"
	"kestrel/kernel/sched"
	"kestrel/kernel/sync"
	"kestrel/multiboot"
	"unsafe"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoTasks       = &kernel.Error{Module: "kmain", Message: "no boot module could be started as a task"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	allocatorInitFn  = allocator.Init
	printMemoryMapFn = allocator.PrintMemoryMap
	slabInitFn       = slab.Init
	vmmInitFn        = vmm.Init
	activePDTFn      = cpu.ActivePDT
	visitModulesFn   = multiboot.VisitModules
	createTaskFn     = sched.CreateFromELF
	addTaskFn        = sched.AddTask
	beginSchedulerFn = sched.BeginScheduler
	panicFn          = kfmt.Panic
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Every boot module is loaded as an executable and started as a user task.
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if err = allocatorInitFn(kernelStart, kernelEnd); err != nil {
		panicFn(err)
		return
	}

	if _, quiet := multiboot.CmdLineValue("quiet"); !quiet {
		printMemoryMapFn()
	}

	slabInitFn(&allocator.Buddy)

	// CR3 carries caching and PCID bits below the table address.
	if err = vmmInitFn(activePDTFn() &^ uintptr(mem.PageSize-1)); err != nil {
		panicFn(err)
		return
	}

	sync.SetYieldFn(sched.YieldTask)

	if loadModules() == 0 {
		panicFn(errNoTasks)
		return
	}

	beginSchedulerFn()

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// loadModules creates and queues a task for each boot module that holds a
// valid executable. It returns the number of queued tasks.
func loadModules() int {
	var queued int

	visitModulesFn(func(mod *multiboot.Module) bool {
		var img elf.Image

		contents := unsafe.Slice((*byte)(unsafe.Pointer(mem.PhysToVirt(mod.PhysStart))), mod.Size())
		if err := img.Parse(contents); err != nil {
			kfmt.Printf("[kmain] skipping module %s: %s\n", mod.Name, err.Message)
			return true
		}

		task, err := createTaskFn(&img)
		if err != nil {
			kfmt.Printf("[kmain] unable to start module %s: %s\n", mod.Name, err.Message)
			return true
		}

		kfmt.Printf("[kmain] module %s started as task %d\n", mod.Name, task.ID())
		addTaskFn(task)
		queued++
		return true
	})

	return queued
}
