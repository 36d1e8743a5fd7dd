package pmm

import (
	"reflect"
	"sync/atomic"
	"unsafe"

	"gopheros/kernel/mem"
	"gopheros/kernel/sync"
)

// Flag is a bitset describing the current role/state of a physical frame.
type Flag uint32

const (
	// FlagReserved marks a frame the kernel must never hand out (kernel
	// image, bootloader-reclaimable-but-not-yet-reclaimed regions, ...).
	FlagReserved Flag = 1 << iota

	// FlagBuddy marks a frame that currently heads a free buddy block.
	FlagBuddy

	// FlagLocked is a single-bit mutex: the page's contents are being
	// filled in (e.g. by readpage) and readers must wait on WaitQueue.
	FlagLocked

	// FlagUpToDate is set once a page's contents have been successfully
	// populated (demand-paging fill completed, or a freshly zeroed
	// anonymous page).
	FlagUpToDate

	// FlagDirty marks a page whose contents differ from its backing
	// store (file-backed pages only; this core never writes dirty pages
	// back, as swap/writeback is out of scope, but the bit is tracked so
	// a future writeback path has something to consult).
	FlagDirty

	// FlagMapped marks a page that is reachable from exactly one inode
	// page cache via (mapping, index).
	FlagMapped
)

// State is the buddy-allocator state machine for a frame.
type State uint8

const (
	// StateInvalid is the zero value: the frame has not been classified
	// yet (used transiently while bootmem teardown builds mem_map).
	StateInvalid State = iota

	// StateFree means the frame heads a free buddy block of Order order.
	StateFree

	// StateSplit means the frame used to head a free block that has
	// since been split into two lower-order children.
	StateSplit

	// StateAllocated means the frame is in use and not on any free list.
	StateAllocated
)

// Page is the per-frame descriptor stored in the global mem_map array,
// indexed by PFN (spec.md section 3).
type Page struct {
	refCount int32
	flags    uint32
	order    mem.PageOrder
	state    State

	// listPrev/listNext link this page into whichever list currently
	// owns it: a buddy free list, a slab's object-slab was never linked
	// this way (slabs track objects, not pages, on their own free
	// stack), so in practice this link is the buddy free list.
	listPrev, listNext Frame

	waitQueue sync.WaitQueue

	// Index and Owner are only meaningful for file-backed pages: Index
	// is the page index within the owning file and Owner is the
	// *imapping.Mapping that owns this page, stored as an opaque value
	// so this package does not need to import imapping (which itself
	// depends on pmm).
	Index uint64
	Owner interface{}
}

var memMap []Page

// MemMapFootprint returns the number of bytes mem_map needs to describe
// numFrames frames, so bootmem teardown can size the contiguous frame run
// that will back it (spec.md section 4.1).
func MemMapFootprint(numFrames uint64) mem.Size {
	return mem.Size(numFrames * uint64(unsafe.Sizeof(Page{})))
}

// InitAt overlays the global frame descriptor array onto the zeroed
// memory at virt (a kernel-virtual address backed by MemMapFootprint
// bytes of contiguous frames). mem_map is an arena: it is laid out once,
// during bootmem teardown, and never moved or resized — no heap
// allocator exists at that point, nor is one ever needed for it.
func InitAt(virt uintptr, numFrames uint64) {
	memMap = *(*[]Page)(unsafe.Pointer(&reflect.SliceHeader{
		Data: virt,
		Len:  int(numFrames),
		Cap:  int(numFrames),
	}))
}

// NumFrames returns the number of frames described by mem_map.
func NumFrames() uint64 { return uint64(len(memMap)) }

// PageFor returns the descriptor for frame f. It panics (via an index
// out-of-range) if f is outside the tracked range, mirroring the
// assumption that every Frame value handed to a caller is valid.
func PageFor(f Frame) *Page { return &memMap[f] }

// FrameFromPage recovers the Frame that descriptor p was handed out for.
// Every caller only ever receives a *Page from PageFor, so p is guaranteed
// to point into mem_map; its index there is its PFN.
func FrameFromPage(p *Page) Frame {
	base := uintptr(unsafe.Pointer(&memMap[0]))
	return Frame((uintptr(unsafe.Pointer(p)) - base) / unsafe.Sizeof(Page{}))
}

// RefCount returns the current reference count.
func (p *Page) RefCount() int32 { return atomic.LoadInt32(&p.refCount) }

// Get increments the page's reference count. Every live reference to a
// frame must be balanced by exactly one call to Put.
func (p *Page) Get() { atomic.AddInt32(&p.refCount, 1) }

// Put decrements the page's reference count and reports whether it reached
// zero, which is the only legal trigger for recycling the frame.
func (p *Page) Put() (reachedZero bool) {
	return atomic.AddInt32(&p.refCount, -1) == 0
}

// SetRefCount forcibly sets the reference count. Used when a frame
// transitions into kernel ownership for the first time (bootmem teardown,
// buddy allocation).
func (p *Page) SetRefCount(v int32) { atomic.StoreInt32(&p.refCount, v) }

// Flags returns the current flag bitset.
func (p *Page) Flags() Flag { return Flag(atomic.LoadUint32(&p.flags)) }

// HasFlags returns true if all bits in flags are set.
func (p *Page) HasFlags(flags Flag) bool {
	return atomic.LoadUint32(&p.flags)&uint32(flags) == uint32(flags)
}

// SetFlags atomically sets the given bits.
func (p *Page) SetFlags(flags Flag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		if atomic.CompareAndSwapUint32(&p.flags, old, old|uint32(flags)) {
			return
		}
	}
}

// ClearFlags atomically clears the given bits.
func (p *Page) ClearFlags(flags Flag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		if atomic.CompareAndSwapUint32(&p.flags, old, old&^uint32(flags)) {
			return
		}
	}
}

// ListPrev returns the previous frame in whichever list this page is
// currently linked into, or InvalidFrame if it is the head.
func (p *Page) ListPrev() Frame { return p.listPrev }

// ListNext returns the next frame in whichever list this page is
// currently linked into, or InvalidFrame if it is the tail.
func (p *Page) ListNext() Frame { return p.listNext }

// SetListPrev updates this page's previous-link.
func (p *Page) SetListPrev(f Frame) { p.listPrev = f }

// SetListNext updates this page's next-link.
func (p *Page) SetListNext(f Frame) { p.listNext = f }

// Link sets both list pointers at once, as when inserting or unlinking a
// page from a free list.
func (p *Page) Link(prev, next Frame) {
	p.listPrev = prev
	p.listNext = next
}

// Order returns the buddy order this page heads, if any.
func (p *Page) Order() mem.PageOrder { return p.order }

// SetOrder sets the buddy order this page heads.
func (p *Page) SetOrder(order mem.PageOrder) { p.order = order }

// State returns the buddy state-machine state.
func (p *Page) State() State { return p.state }

// SetState sets the buddy state-machine state.
func (p *Page) SetState(s State) { p.state = s }

// Lock acquires the page's LOCKED bit, spinning via atomic test-and-set
// and parking on the page's wait queue on contention, per spec.md
// section 5. The retry runs under the wait queue's lock so an Unlock
// landing between a failed test-and-set and the park cannot strand the
// caller.
func (p *Page) Lock() {
	for {
		if p.tryLock() {
			return
		}
		if p.waitQueue.SleepUnless(p.tryLock) {
			return
		}
	}
}

// tryLock attempts a single atomic test-and-set of FlagLocked.
func (p *Page) tryLock() bool {
	for {
		old := atomic.LoadUint32(&p.flags)
		if old&uint32(FlagLocked) != 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&p.flags, old, old|uint32(FlagLocked)) {
			return true
		}
	}
}

// Unlock clears the LOCKED bit and wakes one waiter, if any.
func (p *Page) Unlock() {
	p.ClearFlags(FlagLocked)
	p.waitQueue.Wake()
}
