// Package sched implements cooperative round-robin scheduling of user tasks.
//
// A task is held by exactly one of two slots once it has been admitted: the
// current slot, which holds the running task, or the FIFO ready queue.
// Scheduler entry points run with interrupts disabled and must not be
// re-entered.
package sched

import (
	"kestrel/kernel"
	"kestrel/kernel/gdt"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/list"
	"kestrel/kernel/mem/vmm"
	"kestrel/kernel/sync"
	"kestrel/kernel/syscall"
	"unsafe"
)

var (
	errOwnership          = &kernel.Error{Module: "sched", Message: "task owned by an unexpected scheduler slot"}
	errAddNonNewTask      = &kernel.Error{Module: "sched", Message: "only new tasks can be added to the scheduler"}
	errSwitchToTerminated = &kernel.Error{Module: "sched", Message: "attempted to switch to or from a terminated task"}
	errNoReadyTasks       = &kernel.Error{Module: "sched", Message: "no ready task to begin scheduling"}
	errAlreadyRunning     = &kernel.Error{Module: "sched", Message: "scheduler is already running"}
	errTerminateCurrent   = &kernel.Error{Module: "sched", Message: "the running task cannot be terminated"}
	errTerminateNotReady  = &kernel.Error{Module: "sched", Message: "only tasks in the ready queue can be terminated"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	withInterruptsDisabledFn = sync.WithInterruptsDisabled
	setPrivilegeStackFn      = gdt.SetPrivilegeStack
	setSyscallStackFn        = syscall.SetKernelStack
	switchAddressSpaceFn     = (*vmm.AddressSpace).SwitchToThis
	archSwitchFn             = archSwitch

	scheduler Scheduler
)

// Scheduler tracks the running task and the queue of tasks waiting to run.
type Scheduler struct {
	current *Task
	ready   list.DList
}

// Current returns the running task or nil if scheduling has not begun.
func (s *Scheduler) Current() *Task {
	return s.current
}

// ReadyLen returns the number of tasks waiting in the ready queue.
func (s *Scheduler) ReadyLen() uint64 {
	return s.ready.Len()
}

// VisitReady invokes visitor for each queued task in dispatch order until
// the visitor returns false.
func (s *Scheduler) VisitReady(visitor func(*Task) bool) {
	s.ready.Visit(func(addr uintptr) bool {
		return visitor(taskAt(addr))
	})
}

// AddTask admits a New task to the back of the ready queue.
func (s *Scheduler) AddTask(t *Task) {
	withInterruptsDisabled(func() {
		if t.state != StateNew {
			panic(errAddNonNewTask)
		}

		t.moveTo(ownerNone, ownerReady)
		s.ready.PushBack(t.addr())
	})
}

// SwitchTask makes target the running task. target is detached from the
// ready queue if it is queued and the previously running task, if any, is
// appended to the ready queue. SwitchTask returns once the calling task is
// scheduled again.
func (s *Scheduler) SwitchTask(target *Task) {
	withInterruptsDisabled(func() {
		s.switchTask(target)
	})
}

// YieldTask switches to the task at the front of the ready queue. It returns
// immediately if the queue is empty or if scheduling has not begun.
func (s *Scheduler) YieldTask() {
	withInterruptsDisabled(func() {
		if s.current == nil || s.ready.Empty() {
			return
		}

		s.switchTask(taskAt(s.ready.Front()))
	})
}

// BeginScheduler dispatches the task at the front of the ready queue. There
// is no running task to save, so on the kernel this call does not return.
func (s *Scheduler) BeginScheduler() {
	withInterruptsDisabled(func() {
		if s.current != nil {
			panic(errAlreadyRunning)
		}

		if s.ready.Empty() {
			panic(errNoReadyTasks)
		}

		kfmt.Printf("[sched] starting scheduler with %d ready task(s)\n", s.ready.Len())
		s.switchTask(taskAt(s.ready.Front()))
	})
}

// Terminate removes a queued task from the ready queue, marks it Terminated
// and releases its address space, kernel stack and task record. The task
// must not be used afterwards. Only tasks waiting in the ready queue can be
// terminated.
func (s *Scheduler) Terminate(t *Task) {
	withInterruptsDisabled(func() {
		if t == s.current {
			panic(errTerminateCurrent)
		}

		if t.owner != ownerReady {
			panic(errTerminateNotReady)
		}

		s.ready.Remove(t.addr())
		t.moveTo(ownerReady, ownerNone)
		t.state = StateTerminated

		kfmt.Printf("[sched] terminated task %d\n", t.id)
		t.release()
	})
}

func (s *Scheduler) switchTask(target *Task) {
	if target == s.current {
		return
	}

	if target.state == StateTerminated {
		panic(errSwitchToTerminated)
	}

	if target.owner == ownerReady {
		s.ready.Remove(target.addr())
		target.moveTo(ownerReady, ownerNone)
	}

	prev := s.current
	if prev != nil {
		if prev.state == StateTerminated {
			panic(errSwitchToTerminated)
		}

		prev.moveTo(ownerCurrent, ownerReady)
		s.ready.PushBack(prev.addr())
	}

	target.moveTo(ownerNone, ownerCurrent)
	s.current = target

	contextSwitch(prev, target)
}

// contextSwitch publishes the kernel stack of next to the CPU and the
// syscall trampoline, activates its address space and transfers control to
// it. When prev is not nil its state is saved on its own kernel stack and
// contextSwitch returns once prev is switched back in.
func contextSwitch(prev, next *Task) {
	stackTop := next.kernelStack.Top()
	setPrivilegeStackFn(stackTop)
	setSyscallStackFn(stackTop)
	switchAddressSpaceFn(&next.addrSpace)

	firstRun := next.state == StateNew
	if firstRun {
		next.state = StateReady
	}

	var saveRSP *uintptr
	if prev != nil {
		saveRSP = &prev.kernelStack.rsp
	}

	archSwitchFn(saveRSP, next.kernelStack.rsp, next.kernelStack.Base(), stackTop, firstRun)
}

// withInterruptsDisabled hides fn from escape analysis so the closures built
// by the scheduler entry points stay on the stack. The scheduler runs before
// any Go heap is available.
func withInterruptsDisabled(fn func()) {
	withInterruptsDisabledFn(*(*func())(noEscape(unsafe.Pointer(&fn))))
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}

// AddTask admits a New task to the kernel scheduler.
func AddTask(t *Task) { scheduler.AddTask(t) }

// SwitchTask switches the kernel scheduler to target.
func SwitchTask(target *Task) { scheduler.SwitchTask(target) }

// YieldTask gives up the CPU to the next ready task of the kernel scheduler.
func YieldTask() { scheduler.YieldTask() }

// BeginScheduler performs the first dispatch of the kernel scheduler.
func BeginScheduler() { scheduler.BeginScheduler() }

// Terminate terminates a ready task of the kernel scheduler.
func Terminate(t *Task) { scheduler.Terminate(t) }

// Current returns the task running on the kernel scheduler.
func Current() *Task { return scheduler.Current() }
