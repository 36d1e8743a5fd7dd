package sync

import "sync/atomic"

// writerBit marks that a writer holds the lock. A writer waiting in Lock
// does not set it.
const writerBit = 1 << 31

// RWSpinlock is a readers/writer spinlock used by vas.AddressSpace to
// protect its VMA list: the fault handler and CheckAccess take it for
// reading, while MapRegion/UnmapRegion/Dup/Destroy take it for writing.
//
// The implementation packs a writer flag into the high bit of a counter and
// the live reader count into the remaining bits, so a single atomic word
// is enough to arbitrate both sides without an additional lock.
type RWSpinlock struct {
	state uint32
}

// RLock acquires the lock for reading. Multiple readers may hold the lock
// concurrently as long as no writer holds it; a writer that is only
// waiting in Lock does not keep new readers out.
func (l *RWSpinlock) RLock() {
	for {
		cur := atomic.LoadUint32(&l.state)
		if cur&writerBit != 0 {
			continue
		}
		if atomic.CompareAndSwapUint32(&l.state, cur, cur+1) {
			return
		}
	}
}

// RUnlock releases a reader's hold on the lock.
func (l *RWSpinlock) RUnlock() {
	atomic.AddUint32(&l.state, ^uint32(0))
}

// Lock acquires the lock for writing, waiting for any live readers (and any
// other writer) to drain first.
func (l *RWSpinlock) Lock() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, writerBit) {
	}
}

// Unlock releases a writer's hold on the lock.
func (l *RWSpinlock) Unlock() {
	atomic.StoreUint32(&l.state, 0)
}
