// Package cpu exposes the arch-specific primitives that the memory
// subsystem needs and that cannot be expressed in portable Go: interrupt
// masking, halting, TLB invalidation and control-register access. Only
// the signatures are declared here; the function bodies live in the
// hand-written amd64 assembly of cpu_amd64.s in this package.
package cpu

// EnableInterrupts enables interrupt handling on the current hart.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling on the current hart and
// returns the previous interrupt-enable state so it can be restored by a
// matching RestoreInterrupts call.
func DisableInterrupts() (wasEnabled bool)

// RestoreInterrupts restores the interrupt-enable state previously
// returned by DisableInterrupts.
func RestoreInterrupts(wasEnabled bool)

// Halt stops instruction execution on the current hart.
func Halt()

// FlushTLBEntry flushes the TLB entry for a particular virtual address via
// INVLPG. It does not attempt any cross-CPU shootdown (single-hart
// assumption).
func FlushTLBEntry(virtAddr uintptr)

// ReadCR2 returns the faulting address latched by the CPU in CR2 at the
// time the most recent page fault was raised.
func ReadCR2() uintptr

// ReadCR3 returns the physical address of the currently active top-level
// page table (PML4).
func ReadCR3() uintptr

// WriteCR3 loads a new top-level page table physical address, flushing all
// non-global TLB entries as a side effect.
func WriteCR3(pml4Phys uintptr)
