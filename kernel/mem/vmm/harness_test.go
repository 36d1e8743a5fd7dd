package vmm

import (
	"sync"
	"testing"
	"unsafe"

	"gopheros/kernel/hal/boot"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm/allocator"
)

var (
	seedOnce     sync.Once
	realMemory   []byte
	numPoolPages = 256
)

// seedRealMemory bootstraps a small real-memory-backed frame pool (1 MiB,
// backed by an actual Go heap allocation) and points boot.HHDMOffset at it,
// so every vmm operation under test - which always reaches a physical
// frame through the HHDM, exactly as it would on real hardware - touches
// real, dereferenceable bytes instead of a fabricated physical address.
// Run once per test binary: bootmem's handoff to the buddy allocator seeds
// zone free lists by address and corrupts them if run a second time, so
// every test in this package draws frames from the one pool the first
// call builds.
func seedRealMemory(t *testing.T) {
	t.Helper()
	seedOnce.Do(func() {
		realMemory = make([]byte, numPoolPages*int(mem.PageSize))
		boot.SetHHDMOffset(uintptr(unsafe.Pointer(&realMemory[0])))
		boot.SetMemoryMap([]boot.MemoryMapEntry{
			{PhysAddress: 0, Length: uint64(numPoolPages) * uint64(mem.PageSize), Type: boot.MemUsable},
		})
		if err := allocator.BootMemInit(); err != nil {
			t.Fatalf("BootMemInit failed: %v", err)
		}
		allocator.BootMemFreeAll()
	})
}

// newPML4 allocates a fresh, zeroed top-level page table from the real pool
// seeded by seedRealMemory and returns its physical address.
func newPML4(t *testing.T) uintptr {
	t.Helper()
	virt, err := allocator.AllocPagesHHDM(allocator.ZoneDMA, 0, true)
	if err != nil {
		t.Fatalf("failed to allocate a root page table: %v", err)
	}
	return virt - boot.HHDMOffset()
}
