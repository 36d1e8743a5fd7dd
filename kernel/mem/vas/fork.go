package vas

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/vmm"
)

// Dup creates a new address space that is a copy of as, per spec.md
// section 4.5's fork semantics: PRIVATE regions are shared copy-on-write
// (both sides have their WRITE bit cleared and gain a fault the first time
// either writes), while SHARED regions keep their present pages mapped
// read/write in both address spaces with no copy ever taking place.
func (as *AddressSpace) Dup() (*AddressSpace, *kernel.Error) {
	child, err := New()
	if err != nil {
		return nil, err
	}

	as.vmaLock.Lock()
	defer as.vmaLock.Unlock()

	for _, r := range as.regions {
		childRegion := *r

		var forkErr *kernel.Error
		if r.Flags&FlagShared != 0 {
			forkErr = shareRegion(child.pml4Phys, as.pml4Phys, r.Start, r.End, regionFlags(r))
		} else {
			forkErr = vmm.ForkRegion(child.pml4Phys, as.pml4Phys, r.Start, r.End, r.Prot&ProtWrite != 0)
		}
		if forkErr != nil {
			child.Destroy()
			return nil, forkErr
		}

		childRegion.writableAtFork = r.Prot&ProtWrite != 0
		child.regions = append(child.regions, &childRegion)
	}

	return child, nil
}

// shareRegion maps every present page of [start, end) in srcPml4Phys into
// destPml4Phys with the same flags, taking a reference on each frame so it
// outlives either address space alone. Unlike vmm.ForkRegion this never
// clears WRITE: a SHARED region's writes must be visible on both sides
// immediately, not after a copy-on-write fault.
func shareRegion(destPml4Phys, srcPml4Phys, start, end uintptr, flags vmm.PageTableEntryFlag) *kernel.Error {
	mapped := make([]vmm.Page, 0, 16)

	for addr := start; addr < end; addr += uintptr(mem.PageSize) {
		page := vmm.PageFromAddress(addr)

		physAddr, err := vmm.Translate(srcPml4Phys, addr)
		if err == vmm.ErrInvalidMapping {
			continue
		}
		if err != nil {
			rollbackShare(destPml4Phys, mapped)
			return err
		}

		frame := pmm.FrameFromAddress(physAddr)
		pmm.PageFor(frame).Get()
		if err := vmm.Map(destPml4Phys, page, frame, flags); err != nil {
			pmm.PageFor(frame).Put()
			rollbackShare(destPml4Phys, mapped)
			return err
		}
		mapped = append(mapped, page)
	}

	return nil
}

func rollbackShare(destPml4Phys uintptr, mapped []vmm.Page) {
	for _, page := range mapped {
		vmm.Unmap(destPml4Phys, page)
	}
}

// regionFlags translates a Region's permissions into page-table flags.
func regionFlags(r *Region) vmm.PageTableEntryFlag {
	flags := vmm.FlagUserAccessible
	if r.Prot&ProtWrite != 0 {
		flags |= vmm.FlagRW
	}
	if r.Prot&ProtExec == 0 {
		flags |= vmm.FlagNoExecute
	}
	return flags
}
