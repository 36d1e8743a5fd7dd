package vmm

import (
	"testing"

	"gopheros/kernel/mem/pmm/allocator"
)

func TestIsCanonical(t *testing.T) {
	specs := []struct {
		addr uintptr
		want bool
	}{
		{0x0, true},
		{0x7fffffffffff, true},      // highest canonical low-half address
		{0xffff800000000000, true},  // lowest canonical high-half address
		{0xffffffffffffffff, true},  // all-ones is canonical
		{0x800000000000, false},     // first non-canonical address above the low half
		{0xffff7fffffffffff, false}, // just below the high half
	}

	for _, s := range specs {
		if got := isCanonical(s.addr); got != s.want {
			t.Errorf("isCanonical(0x%x) = %v, want %v", s.addr, got, s.want)
		}
	}
}

func TestWalkCreatesMissingIntermediateTables(t *testing.T) {
	seedRealMemory(t)
	pml4 := newPML4(t)

	const virtAddr = uintptr(0x1000)

	var levelsVisited int
	err := walk(pml4, virtAddr, true, func(level uint8, pte *pageTableEntry) bool {
		levelsVisited++
		if level < pageLevels-1 && !pte.HasFlags(FlagPresent) {
			t.Fatalf("level %d: expected an intermediate table to be created", level)
		}
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if levelsVisited != pageLevels {
		t.Fatalf("expected %d levels visited, got %d", pageLevels, levelsVisited)
	}
}

func TestWalkWithoutCreateStopsAtFirstMissingLevel(t *testing.T) {
	seedRealMemory(t)
	pml4 := newPML4(t)

	var levelsVisited int
	err := walk(pml4, 0x2000, false, func(level uint8, pte *pageTableEntry) bool {
		levelsVisited++
		return true
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if levelsVisited != 1 {
		t.Fatalf("expected the walk to stop after the missing PML4 entry, visited %d levels", levelsVisited)
	}
}

// TestWalkRejectsHugePageEntries covers the defensive check spec.md
// section 9 calls for: this kernel never produces a 2 MiB/1 GiB leaf, so a
// walk that meets one refuses to interpret it instead of dereferencing its
// frame address as a table pointer.
func TestWalkRejectsHugePageEntries(t *testing.T) {
	seedRealMemory(t)
	pml4 := newPML4(t)

	frame, err := allocator.AllocPage(allocator.ZoneDMA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	const va = uintptr(0x9000)
	if err := Map(pml4, PageFromAddress(va), frame, FlagRW); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	// Forge a huge-page marker on the PD-level entry.
	var pdEntry *pageTableEntry
	walk(pml4, va, false, func(level uint8, pte *pageTableEntry) bool {
		if level == 2 {
			pdEntry = pte
			return false
		}
		return true
	})
	pdEntry.SetFlags(FlagHugePage)

	if _, err := Translate(pml4, va); err != ErrHugePageNotSupported {
		t.Fatalf("expected ErrHugePageNotSupported; got %v", err)
	}

	pdEntry.ClearFlags(FlagHugePage)
	if err := Unmap(pml4, PageFromAddress(va)); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
}

func TestActivePML4MasksCR3FlagBits(t *testing.T) {
	seedRealMemory(t)

	orig := readCR3Fn
	defer func() { readCR3Fn = orig }()
	readCR3Fn = func() uintptr { return 0x1000_0018 } // PCD|PWT set

	phys, virt := ActivePML4()
	if phys != 0x1000_0000 {
		t.Fatalf("expected the CR3 flag bits to be masked off; got %#x", phys)
	}
	if virt != hhdmOffsetFn()+phys {
		t.Fatalf("expected the HHDM alias of %#x; got %#x", phys, virt)
	}
}

func TestWalkRejectsNonCanonicalAddressViaMap(t *testing.T) {
	seedRealMemory(t)
	pml4 := newPML4(t)

	if err := Map(pml4, PageFromAddress(0x800000000000), 0, FlagRW); err != ErrNonCanonicalAddress {
		t.Fatalf("expected ErrNonCanonicalAddress, got %v", err)
	}
}
