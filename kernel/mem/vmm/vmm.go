package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
	"gopheros/kernel/hal/boot"
	"gopheros/kernel/irq"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"
)

// FrameAllocatorFn allocates a single zeroed physical frame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

var (
	// frameAllocator supplies the fresh physical frames for anonymous
	// faults and CoW copies. Page table growth does not use it; new table
	// levels come from allocTableFrameFn.
	frameAllocator FrameAllocatorFn = defaultFrameAllocator

	handleExceptionWithCodeFn = irq.HandleExceptionWithCode
)

func defaultFrameAllocator() (pmm.Frame, *kernel.Error) {
	addr, err := allocator.AllocPagesHHDM(allocator.ZoneNormal, 0, true)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	return pmm.FrameFromAddress(addr - boot.HHDMOffset()), nil
}

// SetFrameAllocator overrides the frame allocator used by the vmm package.
// The replacement must hand out zeroed frames: the anonymous-fault path
// relies on it.
func SetFrameAllocator(fn FrameAllocatorFn) { frameAllocator = fn }

// Init installs the page-fault and general-protection-fault handlers and
// binds the assembly-backed CPU hooks (invlpg, CR2/CR3 reads) that every
// operation before this point could safely leave unbound: no fault can be
// dispatched and no page table is live in CR3 until Kmain reaches this
// call. Init does not set up any mappings of its own; every address
// space's PML4 is created separately by the vas package by cloning the
// kernel template.
func Init() {
	flushTLBEntryFn = cpu.FlushTLBEntry
	readCR2Fn = cpu.ReadCR2
	readCR3Fn = cpu.ReadCR3

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
}

// MapAnonRegion eagerly backs every page in [start, end) with a freshly
// allocated zeroed frame. This is the eager counterpart to demand paging;
// callers that want lazy population simply record the VMA and let the
// fault handler populate pages on first touch instead.
func MapAnonRegion(pml4Phys, start, end uintptr, flags PageTableEntryFlag) *kernel.Error {
	mapped := make([]Page, 0, (end-start)>>mem.PageShift)

	for addr := start; addr < end; addr += uintptr(mem.PageSize) {
		frame, err := frameAllocator()
		if err != nil {
			rollbackAnon(pml4Phys, mapped)
			return err
		}

		page := PageFromAddress(addr)
		if err := Map(pml4Phys, page, frame, flags); err != nil {
			if p := pmm.PageFor(frame); p.Put() {
				allocator.FreePage(frame)
			}
			rollbackAnon(pml4Phys, mapped)
			return err
		}
		mapped = append(mapped, page)
	}

	return nil
}

func rollbackAnon(pml4Phys uintptr, mapped []Page) {
	for _, page := range mapped {
		Unmap(pml4Phys, page)
	}
}

// UnmapRegion unmaps every page in [start, end), dropping a reference on
// each resident frame.
func UnmapRegion(pml4Phys, start, end uintptr) {
	for addr := start; addr < end; addr += uintptr(mem.PageSize) {
		Unmap(pml4Phys, PageFromAddress(addr))
	}
}

// ForkRegion maps every present page of [start, end) in srcPml4Phys into
// destPml4Phys with WRITE cleared, also clearing WRITE in the source
// mapping, so both address spaces share the frame copy-on-write. Pages
// that are already read-only are shared unchanged. On failure it rolls
// back: unmapping whatever was mapped in the destination and restoring
// the source's original writability.
func ForkRegion(destPml4Phys, srcPml4Phys, start, end uintptr, writableAtFork bool) *kernel.Error {
	mapped := make([]Page, 0, (end-start)>>mem.PageShift)
	touchedSrc := make([]Page, 0, (end-start)>>mem.PageShift)

	for addr := start; addr < end; addr += uintptr(mem.PageSize) {
		page := PageFromAddress(addr)

		srcPte, err := pteForAddressIn(srcPml4Phys, addr)
		if err == ErrInvalidMapping {
			continue
		}
		if err != nil {
			forkRollback(destPml4Phys, srcPml4Phys, mapped, touchedSrc, writableAtFork)
			return err
		}

		frame := srcPte.Frame()
		wasWritable := srcPte.HasFlags(FlagRW)

		flags := FlagPresent
		if srcPte.HasFlags(FlagUserAccessible) {
			flags |= FlagUserAccessible
		}
		if srcPte.HasFlags(FlagNoExecute) {
			flags |= FlagNoExecute
		}

		if wasWritable {
			// Mark both sides so a later write fault is recognizable as a
			// CoW candidate rather than a plain protection violation.
			flags |= FlagCopyOnWrite
			if err := Protect(srcPml4Phys, page, flags); err != nil {
				forkRollback(destPml4Phys, srcPml4Phys, mapped, touchedSrc, writableAtFork)
				return err
			}
			touchedSrc = append(touchedSrc, page)
		}

		pmm.PageFor(frame).Get()
		if err := Map(destPml4Phys, page, frame, flags); err != nil {
			pmm.PageFor(frame).Put()
			forkRollback(destPml4Phys, srcPml4Phys, mapped, touchedSrc, writableAtFork)
			return err
		}
		mapped = append(mapped, page)
	}

	return nil
}

func forkRollback(destPml4Phys, srcPml4Phys uintptr, mapped, touchedSrc []Page, writableAtFork bool) {
	for _, page := range mapped {
		Unmap(destPml4Phys, page)
	}
	if !writableAtFork {
		return
	}
	for _, page := range touchedSrc {
		pte, err := pteForAddressIn(srcPml4Phys, page.Address())
		if err != nil {
			continue
		}
		Protect(srcPml4Phys, page, (pte.Flags()&^FlagCopyOnWrite)|FlagRW)
	}
}
