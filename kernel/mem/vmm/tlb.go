package vmm

// flushTLBEntryFn invalidates the TLB entry for a single virtual address
// via invlpg. It starts out as a no-op: every mapping edit made before
// Init runs targets page tables that have not been loaded into CR3 yet,
// so there is no stale TLB entry to shoot down. Init rebinds it to
// cpu.FlushTLBEntry. No cross-CPU shootdown exists (single-hart
// assumption).
var flushTLBEntryFn = func(virtAddr uintptr) {}
