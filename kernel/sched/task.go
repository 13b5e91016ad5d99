package sched

import (
	"kestrel/kernel"
	"kestrel/kernel/elf"
	"kestrel/kernel/gate"
	"kestrel/kernel/gdt"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/list"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/mem/pmm/allocator"
	"kestrel/kernel/mem/slab"
	"kestrel/kernel/mem/vmm"
	"unsafe"
)

const (
	// UserStackBase is the lowest address of the user stack mapped into
	// every task.
	UserStackBase = uintptr(0x00007ffffff00000)

	// UserStackSize is the size of the user stack.
	UserStackSize = uintptr(2 * mem.PageSize)

	// kernelStackOrder is the page order of a task's kernel stack.
	kernelStackOrder = mem.PageOrder(1)

	// initialRFlags enables interrupts (bit 9); bit 1 is reserved and
	// always set.
	initialRFlags = 0x202
)

// State describes the lifecycle stage of a task.
type State uint8

const (
	// StateNew is assigned to a task that has never run. Its kernel stack
	// holds the trap frame its first dispatch returns through.
	StateNew State = iota

	// StateReady is assigned to a task that has run at least once.
	StateReady

	// StateTerminated is assigned to a task whose resources have been
	// released.
	StateTerminated
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// owner records which scheduler slot currently holds a task.
type owner uint8

const (
	ownerNone owner = iota
	ownerCurrent
	ownerReady
)

var (
	taskRecordSize = unsafe.Sizeof(Task{})

	// nextTaskID is the identifier assigned to the next created task.
	nextTaskID uint32 = 1
)

// KernelStack is the ring 0 stack of a task. rsp holds the saved stack
// pointer while the task is not running.
type KernelStack struct {
	base pmm.Frame
	rsp  uintptr
}

// Base returns the lowest address of the stack.
func (ks *KernelStack) Base() uintptr {
	return ks.base.VirtAddress()
}

// Top returns the address just past the end of the stack.
func (ks *KernelStack) Top() uintptr {
	return ks.Base() + uintptr(kernelStackOrder.Size())
}

// Task is a user task with a private address space and its own kernel
// stack. Task records are allocated from the slab allocator.
type Task struct {
	// node links the task into the ready queue and must remain the
	// first field.
	node list.DNode

	id    uint32
	state State
	owner owner

	kernelStack KernelStack
	addrSpace   vmm.AddressSpace
}

// ID returns the task identifier.
func (t *Task) ID() uint32 {
	return t.id
}

// State returns the lifecycle stage of the task.
func (t *Task) State() State {
	return t.state
}

// KernelStack returns the kernel stack of the task.
func (t *Task) KernelStack() *KernelStack {
	return &t.kernelStack
}

// AddressSpace returns the address space of the task.
func (t *Task) AddressSpace() *vmm.AddressSpace {
	return &t.addrSpace
}

func (t *Task) addr() uintptr {
	return uintptr(unsafe.Pointer(t))
}

func taskAt(addr uintptr) *Task {
	return (*Task)(unsafe.Pointer(addr))
}

// moveTo transfers ownership of the task between scheduler slots. A task
// found in a slot other than from indicates a duplicated or lost handle.
func (t *Task) moveTo(from, to owner) {
	if t.owner != from {
		panic(errOwnership)
	}

	t.owner = to
}

// CreateFromELF builds a New task that runs img. The task gets a fresh
// address space holding the kernel mappings, the image load segments and a
// writable user stack. Its kernel stack is primed with a trap frame that
// enters img at its entry point in user mode with the stack pointer at the
// top of the user stack.
func CreateFromELF(img *elf.Image) (*Task, *kernel.Error) {
	addr, err := slab.Alloc(taskRecordSize)
	if err != nil {
		return nil, err
	}

	t := taskAt(addr)
	*t = Task{id: nextTaskID, kernelStack: KernelStack{base: pmm.InvalidFrame}}

	if err = t.addrSpace.Init(); err != nil {
		slab.Free(addr, taskRecordSize)
		return nil, err
	}

	t.addrSpace.MapKernelPages()

	if err = t.addrSpace.MapELFSegments(img); err != nil {
		t.release()
		return nil, err
	}

	if _, err = t.addrSpace.AddVirtRegion(UserStackBase, UserStackSize, true, false); err != nil {
		t.release()
		return nil, err
	}

	if t.kernelStack.base, err = allocator.Buddy.AllocOrder(kernelStackOrder); err != nil {
		t.release()
		return nil, err
	}

	frameAddr := t.kernelStack.Top() - unsafe.Sizeof(gate.Frame{})
	*(*gate.Frame)(unsafe.Pointer(frameAddr)) = gate.Frame{
		RIP:    uint64(img.Entry()),
		CS:     uint64(gdt.UserCodeSelector),
		RFlags: initialRFlags,
		RSP:    uint64(UserStackBase + UserStackSize),
		SS:     uint64(gdt.UserDataSelector),
	}
	t.kernelStack.rsp = frameAddr
	t.state = StateNew

	nextTaskID++
	kfmt.Printf("[sched] created task %d (entry: 0x%x)\n", t.id, img.Entry())
	return t, nil
}

// release frees everything the task owns including its record. The address
// space must have been initialized.
func (t *Task) release() {
	t.addrSpace.Destroy()

	if t.kernelStack.base.Valid() {
		allocator.Buddy.FreeOrder(t.kernelStack.base, kernelStackOrder)
		t.kernelStack.base = pmm.InvalidFrame
	}

	slab.Free(t.addr(), taskRecordSize)
}
