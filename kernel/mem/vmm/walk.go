package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/hal/boot"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"
	"unsafe"
)

// ErrNonCanonicalAddress is returned for a virtual address whose bits
// [63:47] are neither all-0 nor all-1, i.e. whose bits [63:48] are not a
// sign extension of bit 47.
var ErrNonCanonicalAddress = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical"}

// ErrHugePageNotSupported is returned when a walk encounters a 2 MiB/1 GiB
// leaf entry. This kernel never installs one, so hitting it means some
// other agent (bootloader, firmware) edited the tables out from under us;
// refusing the walk beats silently treating the entry as a table pointer.
var ErrHugePageNotSupported = &kernel.Error{Module: "vmm", Message: "walk hit an unsupported huge-page entry"}

var (
	// hhdmOffsetFn is mocked by tests so the walker can be exercised
	// against Go-heap-backed tables instead of a real HHDM mapping.
	hhdmOffsetFn = boot.HHDMOffset

	// allocTableFrameFn allocates and zeroes the physical frame backing
	// a newly created page table level.
	allocTableFrameFn = func() (pmm.Frame, *kernel.Error) {
		addr, err := allocator.AllocPagesHHDM(allocator.ZoneNormal, 0, true)
		if err != nil {
			return pmm.InvalidFrame, err
		}
		return pmm.FrameFromAddress(addr - hhdmOffsetFn()), nil
	}
)

// isCanonical reports whether virtAddr has a valid (sign-extended)
// upper half, i.e. bits 63:47 are either all zero or all one.
func isCanonical(virtAddr uintptr) bool {
	top := virtAddr >> 47
	return top == 0 || top == (1<<17)-1
}

// pageTableWalker is invoked once per page-table level while walking to a
// virtual address's leaf entry. Returning false aborts the walk.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk descends the four-level page table hierarchy rooted at pml4Phys,
// invoking walkFn with the entry at each level. When create is true, a
// missing intermediate table is allocated (zeroed) and installed with
// PRESENT|WRITE|USER rather than aborting the walk.
func walk(pml4Phys uintptr, virtAddr uintptr, create bool, walkFn pageTableWalker) *kernel.Error {
	tableAddr := hhdmOffsetFn() + pml4Phys

	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableAddr + (entryIndex << mem.PointerShift)
		pte := (*pageTableEntry)(unsafe.Pointer(entryAddr))

		if !pte.HasFlags(FlagPresent) {
			if !create {
				walkFn(level, pte)
				return nil
			}
			if level < pageLevels-1 {
				frame, err := allocTableFrameFn()
				if err != nil {
					return err
				}
				pte.SetFrame(frame)
				pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
			}
		}

		if !walkFn(level, pte) {
			return nil
		}

		if level < pageLevels-1 {
			if pte.HasFlags(FlagPresent | FlagHugePage) {
				return ErrHugePageNotSupported
			}
			tableAddr = hhdmOffsetFn() + uintptr(pte.Frame().Address())
		}
	}

	return nil
}
