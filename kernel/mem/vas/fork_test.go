package vas

import (
	"testing"
	"unsafe"

	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"
	"gopheros/kernel/mem/vmm"
)

func byteAt(addr, off uintptr) *byte {
	return (*byte)(unsafe.Pointer(addr + off))
}

// TestDupPrivateRegionIsCopyOnWrite exercises scenario S4 from spec.md
// section 8: a PRIVATE anonymous region survives fork with both sides
// pointing at the same frame (refcount 2) and the same byte visible through
// either PML4, until one side takes a CoW fault (covered directly by
// gopheros/kernel/mem/vmm's resolveCopyOnWrite tests; here we only check the
// VMA-level bookkeeping Dup itself owns).
func TestDupPrivateRegionIsCopyOnWrite(t *testing.T) {
	seedAllocator(t)
	parent, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	region := newRegion(0x4000, 0x8000, ProtRead|ProtWrite, FlagPrivate)
	if err := parent.MapRegion(region); err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}
	if err := vmm.MapAnonRegion(parent.pml4Phys, region.Start, region.End, vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
		t.Fatalf("MapAnonRegion failed: %v", err)
	}

	phys, err := vmm.Translate(parent.pml4Phys, 0x4000)
	if err != nil {
		t.Fatalf("Translate failed: %v", err)
	}
	*byteAt(allocator.FrameAddr(pmm.FrameFromAddress(phys)), 0) = 'P'

	child, err := parent.Dup()
	if err != nil {
		t.Fatalf("Dup failed: %v", err)
	}

	parentPhys, err := vmm.Translate(parent.pml4Phys, 0x4000)
	if err != nil {
		t.Fatalf("parent Translate after Dup failed: %v", err)
	}
	childPhys, err := vmm.Translate(child.pml4Phys, 0x4000)
	if err != nil {
		t.Fatalf("child Translate after Dup failed: %v", err)
	}
	if parentPhys != childPhys {
		t.Fatalf("expected parent and child to share the same frame right after fork, got %#x and %#x", parentPhys, childPhys)
	}

	frame := pmm.FrameFromAddress(parentPhys)
	if got := pmm.PageFor(frame).RefCount(); got != 2 {
		t.Fatalf("expected the shared frame's refcount to be 2 after fork, got %d", got)
	}

	if got := *byteAt(allocator.FrameAddr(pmm.FrameFromAddress(childPhys)), 0); got != 'P' {
		t.Fatalf("expected the child to see the parent's byte through the shared frame, got %q", got)
	}

	if _, err := child.CheckAccess(0x4000, true, true, false); err != nil {
		t.Fatalf("expected the child's VMA list to carry over the PRIVATE RW region, got %v", err)
	}
}

// TestDupSharedRegionStaysWritableOnBothSides exercises the SHARED half of
// Dup's fork semantics: present pages are mapped read/write in both address
// spaces immediately, with no copy-on-write ever involved.
func TestDupSharedRegionStaysWritableOnBothSides(t *testing.T) {
	seedAllocator(t)
	parent, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	region := newRegion(0xc000, 0xd000, ProtRead|ProtWrite, FlagShared)
	if err := parent.MapRegion(region); err != nil {
		t.Fatalf("MapRegion failed: %v", err)
	}
	if err := vmm.MapAnonRegion(parent.pml4Phys, region.Start, region.End, vmm.FlagRW|vmm.FlagUserAccessible); err != nil {
		t.Fatalf("MapAnonRegion failed: %v", err)
	}

	child, err := parent.Dup()
	if err != nil {
		t.Fatalf("Dup failed: %v", err)
	}

	parentPhys, _ := vmm.Translate(parent.pml4Phys, 0xc000)
	childPhys, _ := vmm.Translate(child.pml4Phys, 0xc000)
	if parentPhys != childPhys {
		t.Fatalf("expected a SHARED region to map the same frame on both sides, got %#x and %#x", parentPhys, childPhys)
	}

	frame := pmm.FrameFromAddress(parentPhys)
	if got := pmm.PageFor(frame).RefCount(); got != 2 {
		t.Fatalf("expected the shared frame's refcount to be 2 after fork, got %d", got)
	}

	*byteAt(allocator.FrameAddr(pmm.FrameFromAddress(childPhys)), 0) = 'C'
	if got := *byteAt(allocator.FrameAddr(pmm.FrameFromAddress(parentPhys)), 0); got != 'C' {
		t.Fatal("expected a write through the child's SHARED mapping to be visible through the parent's mapping immediately")
	}
}
