// Package sync provides the synchronization primitives used by the memory
// subsystem: plain and IRQ-safe spinlocks, a readers/writer spinlock for
// the address-space VMA list, and a wait queue for the page LOCKED bit.
//
// The kernel assumes a single hart (spec non-goal: SMP) but still forbids
// data races, since interrupts may arrive at any non-critical instruction;
// every primitive here is therefore a real spinlock, not a no-op.
package sync

import (
	"sync/atomic"

	"gopheros/kernel/cpu"
)

// Spinlock implements a lock where each task trying to acquire it
// busy-waits until the lock becomes available. Re-acquiring a lock already
// held by the current task deadlocks, matching the teacher's documented
// behavior.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock is acquired.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		// busy-wait; a real scheduler would yield here.
	}
}

// TryToAcquire attempts to acquire the lock without blocking.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock. Calling Release on a free lock has no
// effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

var (
	// disableInterruptsFn and restoreInterruptsFn start out as no-ops:
	// before Init runs, the IDT is not programmed and interrupts are
	// still masked from boot, so there is nothing to save or restore.
	// Init rebinds them to the real cpu primitives once Kmain reaches
	// the point where interrupts can actually arrive.
	disableInterruptsFn = func() bool { return false }
	restoreInterruptsFn = func(bool) {}
)

// Init binds the IRQ-masking hooks used by SpinlockIRQ to the real cpu
// primitives. Kmain calls this once, before enabling interrupts.
func Init() {
	disableInterruptsFn = cpu.DisableInterrupts
	restoreInterruptsFn = cpu.RestoreInterrupts
}

// SpinlockIRQ is a Spinlock that also disables local interrupts while
// held, matching spec.md's "IRQ-safe" buddy-zone and slab-cache locks: no
// nested allocation happens while either is held, so holding it across an
// interrupt would otherwise risk the handler re-entering the same lock.
type SpinlockIRQ struct {
	inner        Spinlock
	savedIRQFlag bool
}

// Acquire disables interrupts and acquires the lock.
func (l *SpinlockIRQ) Acquire() {
	wasEnabled := disableInterruptsFn()
	l.inner.Acquire()
	l.savedIRQFlag = wasEnabled
}

// Release releases the lock and restores the interrupt-enable state that
// was in effect before the matching Acquire.
func (l *SpinlockIRQ) Release() {
	wasEnabled := l.savedIRQFlag
	l.inner.Release()
	restoreInterruptsFn(wasEnabled)
}
