// Package sync provides the synchronization primitives used by the kernel:
// a spinlock and a scoped interrupt-masking helper.
package sync

import (
	"kestrel/kernel/cpu"
	"sync/atomic"
)

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which a spinning task yields the CPU.
const attemptsBeforeYielding = 32

var (
	// yieldFn is invoked by Acquire while the lock is contended. It remains
	// nil until the scheduler is up.
	yieldFn func()

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// SetYieldFn registers the function used by contended spinlocks to give up
// the CPU.
func SetYieldFn(fn func()) {
	yieldFn = fn
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	archAcquireSpinlock(&l.state, attemptsBeforeYielding)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

func archAcquireSpinlock(state *uint32, attempts uint32) {
	for {
		for i := uint32(0); i < attempts; i++ {
			if atomic.CompareAndSwapUint32(state, 0, 1) {
				return
			}
		}

		if yieldFn != nil {
			yieldFn()
		}
	}
}

// WithInterruptsDisabled runs fn with interrupts masked and restores the
// interrupt state that was active before the call on every exit path,
// including panics raised by fn.
func WithInterruptsDisabled(fn func()) {
	if wasEnabled := interruptsEnabledFn(); wasEnabled {
		disableInterruptsFn()
		defer enableInterruptsFn()
	}

	fn()
}
