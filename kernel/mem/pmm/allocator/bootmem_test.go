package allocator

import (
	"testing"
	"unsafe"

	"gopheros/kernel/hal/boot"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

// backingMem keeps the buffer behind the HHDM window alive for the
// duration of the test binary.
var backingMem []byte

// backMemory points the HHDM window at a Go-heap buffer covering numPages
// frames starting at physical address 0, so the bitmap overlay BootMemInit
// carves out of a usable region lands on real, dereferenceable bytes.
func backMemory(t *testing.T, numPages int) {
	t.Helper()
	backingMem = make([]byte, numPages*int(mem.PageSize))
	boot.SetHHDMOffset(uintptr(unsafe.Pointer(&backingMem[0])))
}

func setMemoryMap(entries ...boot.MemoryMapEntry) {
	boot.SetMemoryMap(entries)
}

func TestBootMemInitMarksOnlyUsableRegionsFree(t *testing.T) {
	backMemory(t, 8)
	setMemoryMap(
		boot.MemoryMapEntry{PhysAddress: 0, Length: uint64(4 * mem.PageSize), Type: boot.MemReserved},
		boot.MemoryMapEntry{PhysAddress: uint64(4 * mem.PageSize), Length: uint64(4 * mem.PageSize), Type: boot.MemUsable},
	)

	if err := BootMemInit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for f := uint64(0); f < 4; f++ {
		if !bootmem.testBit(f) {
			t.Fatalf("expected frame %d (reserved region) to be marked allocated", f)
		}
	}

	// The bitmap itself claims the first frame of the usable region.
	if !bootmem.testBit(4) {
		t.Fatal("expected frame 4 (bitmap home) to be marked allocated")
	}
	for f := uint64(5); f < 8; f++ {
		if bootmem.testBit(f) {
			t.Fatalf("expected frame %d (usable region) to be marked free", f)
		}
	}
}

func TestBootMemAllocFrameSkipsAllocatedFrames(t *testing.T) {
	backMemory(t, 3)
	setMemoryMap(boot.MemoryMapEntry{PhysAddress: 0, Length: uint64(3 * mem.PageSize), Type: boot.MemUsable})
	if err := BootMemInit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Frame 0 is the bitmap's home, so the first two allocations must
	// return frames 1 and 2 and the third must fail.
	f0, err := BootMemAllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f1, err := BootMemAllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f0 == f1 {
		t.Fatalf("expected two distinct frames; got %d twice", f0)
	}
	if _, err := BootMemAllocFrame(); err != errBootMemExhausted {
		t.Fatalf("expected errBootMemExhausted once the usable region is drained; got %v", err)
	}

	if err := BootMemFreeFrame(f0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, err := BootMemAllocFrame(); err != nil || got != f0 {
		t.Fatalf("expected freed frame %d to be reused; got %d (err %v)", f0, got, err)
	}
}

func TestBootMemAllocContiguousRequiresARun(t *testing.T) {
	backMemory(t, 5)
	setMemoryMap(boot.MemoryMapEntry{PhysAddress: 0, Length: uint64(5 * mem.PageSize), Type: boot.MemUsable})
	if err := BootMemInit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Frame 0 holds the bitmap; take frame 2 as well, splitting the free
	// frames into the runs {1} and {3, 4}.
	bootmem.setBit(2, true)

	if _, err := BootMemAllocContiguous(3); err != errBootMemNoRun {
		t.Fatalf("expected errBootMemNoRun for a 3-frame request; got %v", err)
	}

	f, err := BootMemAllocContiguous(2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f != 3 {
		t.Fatalf("expected the only remaining 2-frame run to start at frame 3; got %d", f)
	}

	if err := BootMemFreeContiguous(f, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, err := BootMemAllocContiguous(2); err != nil || got != f {
		t.Fatalf("expected the released run to be reusable at frame %d; got %d (err %v)", f, got, err)
	}
}

func TestBootMemFreeAllBuildsMemMapAndSeedsBuddy(t *testing.T) {
	backMemory(t, 8)
	setMemoryMap(boot.MemoryMapEntry{PhysAddress: 0, Length: uint64(8 * mem.PageSize), Type: boot.MemUsable})
	resetZones(t, 8)
	if err := BootMemInit(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claimed, err := BootMemAllocFrame() // simulate an early PML4 allocation
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	BootMemFreeAll()

	if pmm.NumFrames() != 8 {
		t.Fatalf("expected mem_map sized to 8 frames; got %d", pmm.NumFrames())
	}

	claimedPage := pmm.PageFor(claimed)
	if !claimedPage.HasFlags(pmm.FlagReserved) {
		t.Fatal("expected the frame claimed before teardown to be marked reserved")
	}

	// The bitmap's own frame must have been released into the buddy
	// allocator rather than staying reserved.
	if pmm.PageFor(pmm.Frame(0)).HasFlags(pmm.FlagReserved) {
		t.Fatal("expected the bitmap's home frame to be released at teardown")
	}

	if bootmem.bitmap != nil {
		t.Fatal("expected BootMemFreeAll to release the bitmap")
	}
	if _, err := BootMemAllocFrame(); err != errBootMemDissolved {
		t.Fatalf("expected errBootMemDissolved after teardown; got %v", err)
	}

	// Every other frame should have been handed to the buddy allocator,
	// so a fresh allocation request must succeed.
	if _, err := AllocPages(ZoneDMA, 0); err != nil {
		t.Fatalf("expected buddy allocator to be seeded with free frames, got error: %v", err)
	}
}
