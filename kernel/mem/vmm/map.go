package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"
	"unsafe"
)

var (
	// ErrAlreadyMapped is returned by Map when the target page already
	// has a present leaf entry.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrUnaligned is returned by Map when either address is not
	// page-aligned.
	ErrUnaligned = &kernel.Error{Module: "vmm", Message: "address is not page-aligned"}
)

// Map establishes page -> frame with the given flags in the page table
// rooted at pml4Phys, allocating any missing intermediate tables. It
// requires that the leaf entry is not already present.
func Map(pml4Phys uintptr, page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	virtAddr := page.Address()
	if !isCanonical(virtAddr) {
		return ErrNonCanonicalAddress
	}
	if virtAddr&uintptr(mem.PageSize-1) != 0 {
		return ErrUnaligned
	}

	var mapErr *kernel.Error
	walkErr := walk(pml4Phys, virtAddr, true, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel != pageLevels-1 {
			return true
		}
		if pte.HasFlags(FlagPresent) {
			mapErr = ErrAlreadyMapped
			return false
		}
		*pte = 0
		pte.SetFrame(frame)
		pte.SetFlags(FlagPresent | flags)
		return true
	})

	if walkErr != nil {
		return walkErr
	}
	return mapErr
}

// Unmap removes the mapping for page, dropping a reference on the
// underlying frame and pruning any page table that becomes entirely empty
// as a result. Unmapping an address with no mapping is a no-op.
func Unmap(pml4Phys uintptr, page Page) *kernel.Error {
	virtAddr := page.Address()

	var (
		frame      pmm.Frame
		wasPresent bool
	)

	walkErr := walk(pml4Phys, virtAddr, false, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}
		if pteLevel == pageLevels-1 {
			frame = pte.Frame()
			wasPresent = true
			*pte = 0
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	if !wasPresent {
		return nil
	}

	if page := pmm.PageFor(frame); page.Put() {
		allocator.FreePage(frame)
	}

	prune(pml4Phys, virtAddr)
	flushTLBEntryFn(virtAddr)
	return nil
}

// Protect rewrites the flags on an already-present leaf entry, preserving
// its physical frame.
func Protect(pml4Phys uintptr, page Page, newFlags PageTableEntryFlag) *kernel.Error {
	virtAddr := page.Address()

	var found bool
	walkErr := walk(pml4Phys, virtAddr, false, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}
		if pteLevel == pageLevels-1 {
			frame := pte.Frame()
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | newFlags)
			found = true
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}
	if !found {
		return ErrInvalidMapping
	}

	flushTLBEntryFn(virtAddr)
	return nil
}

// prune walks from the PML4 down to the leaf for virtAddr, freeing any
// intermediate table that has become entirely empty after an unmap, per
// spec.md section 4.4.
func prune(pml4Phys uintptr, virtAddr uintptr) {
	var chain [pageLevels]uintptr // physical address of the table at each level
	chain[0] = pml4Phys

	tableAddr := hhdmOffsetFn() + pml4Phys
	for level := uint8(0); level < pageLevels-1; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableAddr + (entryIndex << mem.PointerShift)
		pte := (*pageTableEntry)(unsafe.Pointer(entryAddr))
		if !pte.HasFlags(FlagPresent) {
			return
		}
		chain[level+1] = pte.Frame().Address()
		tableAddr = hhdmOffsetFn() + chain[level+1]
	}

	for level := int(pageLevels) - 1; level > 0; level-- {
		tableVirt := hhdmOffsetFn() + chain[level]
		if !isTableEmpty(tableVirt) {
			return
		}

		parentVirt := hhdmOffsetFn() + chain[level-1]
		entryIndex := (virtAddr >> pageLevelShifts[level-1]) & ((1 << pageLevelBits[level-1]) - 1)
		parentEntry := (*pageTableEntry)(unsafe.Pointer(parentVirt + (entryIndex << mem.PointerShift)))

		childFrame := parentEntry.Frame()
		*parentEntry = 0
		if pmm.PageFor(childFrame).Put() {
			allocator.FreePage(childFrame)
		}
	}
}

// isTableEmpty reports whether every entry in the 512-entry table at
// tableVirt is clear.
func isTableEmpty(tableVirt uintptr) bool {
	entries := (*[512]pageTableEntry)(unsafe.Pointer(tableVirt))
	for _, e := range entries {
		if e.HasFlags(FlagPresent) {
			return false
		}
	}
	return true
}
