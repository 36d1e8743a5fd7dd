package sync

import "sync/atomic"

// Waiter is the intrusive node a sleeping caller contributes to a
// WaitQueue. It lives on the caller's own stack for the duration of the
// sleep, so parking allocates nothing — a hard requirement, since the
// page LOCKED bit this queue backs is taken on paths where no heap
// exists yet.
type Waiter struct {
	next *Waiter
	done uint32
}

// WaitQueue is a FIFO sleep queue threaded through the sleepers' own
// Waiter nodes. It backs the page LOCKED bit described in spec.md section
// 5: lock_page spins via atomic test-and-set and parks on the page's wait
// queue on contention; unlock_page wakes one waiter.
//
// The teacher's sync.Spinlock carries a "TODO: replace with real yield
// function when context-switching is implemented" marker instead of a real
// parking mechanism. This type resolves that TODO with an intrusive list:
// a parked caller spins on its own node calling waitYieldFn, which busy
// waits until a scheduler exists to bind a real yield to.
type WaitQueue struct {
	mu         Spinlock
	head, tail *Waiter
}

// waitYieldFn is invoked on every iteration of a parked waiter's spin
// loop. It starts as a plain busy-wait; once a scheduler exists, SetYield
// points it at the real "give up the CPU" primitive so parked tasks stop
// burning cycles.
var waitYieldFn = func() {}

// SetYield binds the yield primitive used by parked waiters.
func SetYield(fn func()) { waitYieldFn = fn }

// Sleep blocks the caller until a matching call to Wake or WakeAll
// releases it.
func (wq *WaitQueue) Sleep() {
	var w Waiter

	wq.mu.Acquire()
	wq.enqueueLocked(&w)
	wq.mu.Release()

	w.await()
}

// SleepUnless re-runs try under the queue lock and parks the caller only
// if it still fails, returning true if try succeeded. The under-the-lock
// recheck closes the window where the resource is released (and its Wake
// issued) between a caller's failed attempt and its park: Wake takes the
// same lock, so it cannot slip between the recheck and the enqueue.
func (wq *WaitQueue) SleepUnless(try func() bool) bool {
	var w Waiter

	wq.mu.Acquire()
	if try() {
		wq.mu.Release()
		return true
	}
	wq.enqueueLocked(&w)
	wq.mu.Release()

	w.await()
	return false
}

// Wake releases exactly one waiter, in FIFO order, if any are parked.
func (wq *WaitQueue) Wake() {
	wq.mu.Acquire()
	w := wq.dequeueLocked()
	wq.mu.Release()

	if w != nil {
		atomic.StoreUint32(&w.done, 1)
	}
}

// WakeAll releases every waiter currently parked on the queue.
func (wq *WaitQueue) WakeAll() {
	wq.mu.Acquire()
	head := wq.head
	wq.head, wq.tail = nil, nil
	wq.mu.Release()

	for w := head; w != nil; {
		next := w.next
		atomic.StoreUint32(&w.done, 1)
		w = next
	}
}

func (wq *WaitQueue) enqueueLocked(w *Waiter) {
	if wq.tail != nil {
		wq.tail.next = w
	} else {
		wq.head = w
	}
	wq.tail = w
}

func (wq *WaitQueue) dequeueLocked() *Waiter {
	w := wq.head
	if w == nil {
		return nil
	}
	wq.head = w.next
	if wq.head == nil {
		wq.tail = nil
	}
	w.next = nil
	return w
}

// await spins until the waiter is released. The woken node must not be
// touched by the waker after the done store, since the stack frame
// holding it unwinds as soon as this loop observes it.
func (w *Waiter) await() {
	for atomic.LoadUint32(&w.done) == 0 {
		waitYieldFn()
	}
}
