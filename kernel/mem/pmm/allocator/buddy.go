// Package allocator implements the boot-time bitmap allocator and the
// buddy page allocator that it hands off to (spec.md sections 4.1 and
// 4.2), grounded on the teacher's kernel/mem/pmm/allocator package: the
// same "early allocator populates mem_map, then the production allocator
// takes over" two-phase boot sequence, generalized from a bitmap-only
// design to a full power-of-two buddy allocator with zone fallback.
package allocator

import (
	"gopheros/kernel"
	"gopheros/kernel/hal/boot"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

var (
	errBuddyOutOfMemory = &kernel.Error{Module: "page_alloc", Message: "out of memory"}
	errBuddyBadOrder    = &kernel.Error{Module: "page_alloc", Message: "order exceeds MaxOrder"}
	errBuddyDoubleFree  = &kernel.Error{Module: "page_alloc", Message: "double free or bad-order free"}
)

// pushFront links frame f, which heads a free block of the given order,
// onto the front of zone z's free list for that order.
func pushFront(z *zoneState, order mem.PageOrder, f pmm.Frame) {
	l := &z.lists[order]
	page := pmm.PageFor(f)
	page.SetOrder(order)
	page.SetState(pmm.StateFree)
	page.SetFlags(pmm.FlagBuddy)

	page.Link(pmm.InvalidFrame, l.head)
	if l.head.IsValid() {
		pmm.PageFor(l.head).SetListPrev(f)
	}
	l.head = f
	l.length++
}

// unlink removes frame f from zone z's free list for the given order.
func unlink(z *zoneState, order mem.PageOrder, f pmm.Frame) {
	l := &z.lists[order]
	page := pmm.PageFor(f)
	prev, next := page.ListPrev(), page.ListNext()

	if prev.IsValid() {
		pmm.PageFor(prev).SetListNext(next)
	} else {
		l.head = next
	}
	if next.IsValid() {
		pmm.PageFor(next).SetListPrev(prev)
	}

	page.Link(pmm.InvalidFrame, pmm.InvalidFrame)
	page.ClearFlags(pmm.FlagBuddy)
	l.length--
}

// popFront removes and returns the frame at the head of zone z's free list
// for the given order, or (InvalidFrame, false) if the list is empty.
func popFront(z *zoneState, order mem.PageOrder) (pmm.Frame, bool) {
	l := &z.lists[order]
	if !l.head.IsValid() {
		return pmm.InvalidFrame, false
	}
	f := l.head
	unlink(z, order, f)
	return f, true
}

// buddyPFN returns the buddy of frame p at order k.
func buddyPFN(p pmm.Frame, k mem.PageOrder) pmm.Frame {
	return p ^ (pmm.Frame(1) << k)
}

// parentPFN returns the PFN of the order-(k+1) block that p (an order-k
// block) belongs to.
func parentPFN(p pmm.Frame, k mem.PageOrder) pmm.Frame {
	mask := (pmm.Frame(1) << (k + 1)) - 1
	return p &^ mask
}

// AllocPages reserves a naturally-aligned block of 2^order pages, preferring
// zone preferred and falling back to progressively lower-addressed zones on
// exhaustion, and returns the frame heading the block with RefCount 1.
func AllocPages(preferred Zone, order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	if order > mem.MaxOrder {
		return pmm.InvalidFrame, errBuddyBadOrder
	}

	for _, z := range fallbackOrder[preferred] {
		if f, err := allocFromZone(&zones[z], order); err == nil {
			return f, nil
		}
	}

	return pmm.InvalidFrame, errBuddyOutOfMemory
}

// AllocPage is the order-0 convenience wrapper around AllocPages.
func AllocPage(preferred Zone) (pmm.Frame, *kernel.Error) {
	return AllocPages(preferred, 0)
}

func allocFromZone(z *zoneState, order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	z.lock.Acquire()
	defer z.lock.Release()

	if !z.present {
		return pmm.InvalidFrame, errBuddyOutOfMemory
	}

	foundOrder := -1
	for k := int(order); k <= int(mem.MaxOrder); k++ {
		if z.lists[k].head.IsValid() {
			foundOrder = k
			break
		}
	}
	if foundOrder == -1 {
		return pmm.InvalidFrame, errBuddyOutOfMemory
	}

	f, _ := popFront(z, mem.PageOrder(foundOrder))

	// Split down to the requested order, keeping the left half at each
	// step and pushing the right half back onto the next lower order's
	// free list. The block being split transitions through StateSplit
	// until it settles at the requested order.
	for k := mem.PageOrder(foundOrder); k > order; k-- {
		pmm.PageFor(f).SetState(pmm.StateSplit)
		right := f + (pmm.Frame(1) << (k - 1))
		pushFront(z, k-1, right)
	}

	page := pmm.PageFor(f)
	page.SetState(pmm.StateAllocated)
	page.SetOrder(order)
	page.ClearFlags(pmm.FlagBuddy)
	page.SetRefCount(1)

	return f, nil
}

// FreePages releases a block of 2^order pages headed by frame f, merging
// with its buddy at each order while the buddy is itself a free block of
// the same order, per spec.md section 4.2's coalescing rule.
func FreePages(f pmm.Frame, order mem.PageOrder) {
	page := pmm.PageFor(f)
	if page.RefCount() != 0 || page.State() != pmm.StateAllocated {
		kfmt.Panic(errBuddyDoubleFree)
		return
	}

	z := &zones[zoneForAddress(uint64(f.Address()))]

	z.lock.Acquire()
	defer z.lock.Release()

	k := order
	for k < mem.MaxOrder {
		buddy := buddyPFN(f, k)
		// The buddy may fall past the end of mem_map when the zone does
		// not cover a full power-of-two span.
		if uint64(buddy) >= pmm.NumFrames() {
			break
		}
		buddyPage := pmm.PageFor(buddy)

		if buddyPage.State() != pmm.StateFree || buddyPage.Order() != k {
			break
		}

		unlink(z, k, buddy)
		buddyPage.SetState(pmm.StateInvalid)
		pmm.PageFor(f).SetState(pmm.StateInvalid)
		f = parentPFN(f, k)
		k++
	}

	pushFront(z, k, f)
}

// FreePage is the order-0 convenience wrapper around FreePages.
func FreePage(f pmm.Frame) { FreePages(f, 0) }

// FrameAddr returns the kernel-virtual address at which frame f is
// reachable through the high-half direct map.
func FrameAddr(f pmm.Frame) uintptr {
	return boot.HHDMOffset() + f.Address()
}

// AllocPagesHHDM allocates a 2^order page block and returns its
// kernel-virtual HHDM address, optionally zero-filling it first. This is
// the convenience wrapper spec.md section 4.2 describes for callers (slab
// growth, page-table allocation) that only ever touch memory through the
// direct map.
func AllocPagesHHDM(preferred Zone, order mem.PageOrder, zero bool) (uintptr, *kernel.Error) {
	f, err := AllocPages(preferred, order)
	if err != nil {
		return 0, err
	}
	addr := FrameAddr(f)
	if zero {
		mem.Memset(addr, 0, order.Size())
	}
	return addr, nil
}

// FreePagesHHDM releases a block previously returned by AllocPagesHHDM.
func FreePagesHHDM(addr uintptr, order mem.PageOrder) {
	FreePages(pmm.FrameFromAddress(addr-boot.HHDMOffset()), order)
}
