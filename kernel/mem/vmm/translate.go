package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
)

// ActivePML4 reads CR3 and returns the physical address of the currently
// active top-level page table together with its kernel-virtual alias
// through the HHDM. The low 12 bits of CR3 are flag bits, not address
// bits, and are masked off per the CR3 contract in spec.md section 6.
func ActivePML4() (phys, virt uintptr) {
	phys = readCR3Fn() &^ uintptr(mem.PageSize-1)
	return phys, hhdmOffsetFn() + phys
}

// Translate returns the physical address that virtAddr currently maps to
// in the page table rooted at pml4Phys, or ErrInvalidMapping if no mapping
// is present.
func Translate(pml4Phys uintptr, virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddressIn(pml4Phys, virtAddr)
	if err != nil {
		return 0, err
	}

	pageOffset := virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
	return pte.Frame().Address() + pageOffset, nil
}

func pteForAddressIn(pml4Phys, virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walkErr := walk(pml4Phys, virtAddr, false, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}
		entry = pte
		return true
	})
	if walkErr != nil {
		return nil, walkErr
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}
