// Package syscall holds the state shared between the fast syscall entry
// trampoline and the rest of the kernel, and routes syscalls to their
// handlers.
package syscall

import "kestrel/kernel/kfmt"

var (
	// kernelStackTop is loaded into RSP by the syscall entry trampoline. The
	// scheduler refreshes it on every task switch.
	kernelStackTop uintptr

	handlers [maxSyscall]Handler
)

// maxSyscall bounds the syscall numbers that can have a handler.
const maxSyscall = 64

// Unknown is returned to user code for syscall numbers without a handler.
const Unknown = ^uint64(0)

// Args holds the syscall number and arguments captured by the trampoline.
type Args struct {
	Num uint64

	Arg1, Arg2, Arg3, Arg4, Arg5, Arg6 uint64
}

// Handler services a syscall and returns the value placed in RAX.
type Handler func(args *Args) uint64

// SetKernelStack publishes the top of the current task's kernel stack to the
// syscall entry trampoline.
func SetKernelStack(stackTop uintptr) {
	kernelStackTop = stackTop
}

// KernelStack returns the kernel stack top the trampoline will switch to.
func KernelStack() uintptr {
	return kernelStackTop
}

// Register installs handler for syscall number num.
func Register(num uint64, handler Handler) {
	if num < maxSyscall {
		handlers[num] = handler
	}
}

// Dispatch is called by the trampoline once it is running on the kernel
// stack.
func Dispatch(args *Args) uint64 {
	if args.Num < maxSyscall && handlers[args.Num] != nil {
		return handlers[args.Num](args)
	}

	kfmt.Printf("[syscall] unknown syscall %d\n", args.Num)
	return Unknown
}
