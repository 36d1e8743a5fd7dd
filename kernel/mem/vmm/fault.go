package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/irq"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"
)

// RegionKind classifies what backs a memory region for the fault handler's
// populate-one step.
type RegionKind uint8

const (
	// RegionAnon is backed by anonymous (zero-fill-on-demand) memory.
	RegionAnon RegionKind = iota

	// RegionFile is backed by an inode's page cache.
	RegionFile
)

// PageCache is the subset of the inode page cache (spec.md section 4.6)
// the fault handler needs: look up (or create) the LOCKED page for a file
// offset and fill it in if it is not yet up to date.
type PageCache interface {
	LookupOrCreate(index uint64) (*pmm.Page, *kernel.Error)
	ReadPage(page *pmm.Page, index uint64) *kernel.Error
}

// FaultRegion is the view of a VMA the fault handler needs. vas constructs
// one of these from the VMA that covers the faulting address and hands it
// back through RegionLookupFn, keeping this package free of a direct
// dependency on vas's VMA type.
type FaultRegion struct {
	Start, End        uintptr
	Read, Write, Exec bool
	Kind              RegionKind
	Cache             PageCache
	FileLo, FileHi    uint64
}

// RegionLookupFn resolves the VMA covering vpage in the address space
// identified by addrSpace (the opaque value a task's AddressSpace field
// carries). ok is false if no VMA covers the address.
type RegionLookupFn func(addrSpace interface{}, vpage uintptr) (region FaultRegion, ok bool)

// CurrentTaskFn returns the opaque address-space handle and PML4 physical
// address of the task running on this hart, and whether the scheduler is
// ready to be consulted at all.
type CurrentTaskFn func() (addrSpace interface{}, pml4Phys uintptr, ready bool)

var (
	regionLookupFn RegionLookupFn
	currentTaskFn  CurrentTaskFn = func() (interface{}, uintptr, bool) { return nil, 0, false }

	// readCR2Fn/readCR3Fn are rebound to the real cpu accessors by Init;
	// before that point no fault handler is registered, so the zero
	// defaults are never consulted by production code, only by tests
	// that drive pageFaultHandler directly.
	readCR2Fn = func() uintptr { return 0 }
	readCR3Fn = func() uintptr { return 0 }

	panicFn = kfmt.Panic

	errNoRegion      = &kernel.Error{Module: "vmm", Message: "no VMA covers the faulting address"}
	errPermission    = &kernel.Error{Module: "vmm", Message: "access violates VMA permissions"}
	errUnrecoverable = &kernel.Error{Module: "vmm", Message: "page fault could not be resolved"}
)

// SetRegionLookup registers the function vas uses to answer "what VMA
// covers this address in this address space".
func SetRegionLookup(fn RegionLookupFn) { regionLookupFn = fn }

// SetCurrentTask registers the function that exposes the scheduler's
// current task to the fault handler.
func SetCurrentTask(fn CurrentTaskFn) { currentTaskFn = fn }

// fault error code bits, per spec.md section 4.4.
const (
	errCodePresent = 1 << iota
	errCodeWrite
	errCodeUser
	errCodeReserved
	errCodeInstrFetch
)

func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddr := readCR2Fn()
	cr3 := readCR3Fn()

	// Step 1: the scheduler must be up before "current task" means
	// anything.
	addrSpace, pml4Phys, ready := currentTaskFn()
	if !ready {
		fatalFault(faultAddr, cr3, errorCode, frame, regs, errUnrecoverable)
		return
	}

	vpage := PageFromAddress(faultAddr)

	// Step 2: find the covering VMA.
	region, ok := regionLookupFn(addrSpace, vpage.Address())
	if !ok {
		fatalFault(faultAddr, cr3, errorCode, frame, regs, errNoRegion)
		return
	}

	// Step 3: permission check.
	wantExec := errorCode&errCodeInstrFetch != 0
	wantWrite := errorCode&errCodeWrite != 0
	if (wantExec && !region.Exec) || (wantWrite && !region.Write) || (!wantExec && !wantWrite && !region.Read) {
		fatalFault(faultAddr, cr3, errorCode, frame, regs, errPermission)
		return
	}

	notPresent := errorCode&errCodePresent == 0
	if notPresent {
		if err := populateOne(pml4Phys, vpage, region); err != nil {
			fatalFault(faultAddr, cr3, errorCode, frame, regs, err)
		}
		return
	}

	// Step 5: write to a present page in the currently active address
	// space is a CoW fault.
	if wantWrite && cr3 == pml4Phys {
		if err := resolveCopyOnWrite(pml4Phys, vpage); err != nil {
			fatalFault(faultAddr, cr3, errorCode, frame, regs, err)
		}
		return
	}

	fatalFault(faultAddr, cr3, errorCode, frame, regs, errUnrecoverable)
}

func populateOne(pml4Phys uintptr, vpage Page, region FaultRegion) *kernel.Error {
	switch region.Kind {
	case RegionAnon:
		frame, err := frameAllocator()
		if err != nil {
			return err
		}
		if err := Map(pml4Phys, vpage, frame, FlagUserAccessible|regionFlags(region)); err != nil {
			if p := pmm.PageFor(frame); p.Put() {
				allocator.FreePage(frame)
			}
			return err
		}
		return nil

	case RegionFile:
		fileOff := region.FileLo + uint64(vpage.Address()-region.Start)
		initLeft := int64(region.FileHi) - int64(fileOff)
		toRead := clamp(initLeft, 0, int64(mem.PageSize))
		index := fileOff >> mem.PageShift

		page, err := region.Cache.LookupOrCreate(index)
		if err != nil {
			return err
		}
		defer page.Unlock()

		if !page.HasFlags(pmm.FlagUpToDate) {
			frameAddr := allocator.FrameAddr(pmm.FrameFromPage(page))
			if toRead > 0 {
				if err := region.Cache.ReadPage(page, index); err != nil {
					return err
				}
			}
			// toRead == 0 means this page falls entirely past file_hi: a
			// BSS-like hole that is zero-filled without ever calling
			// readpage, per spec.md section 4.4/8 (scenario S5).
			if pad := uintptr(mem.PageSize) - uintptr(toRead); pad > 0 {
				mem.Memset(frameAddr+uintptr(toRead), 0, mem.Size(pad))
			}
			page.SetFlags(pmm.FlagUpToDate)
		}

		// The new leaf entry is its own reference on the frame, on top of
		// the one the page cache holds for as long as the page stays in
		// its hash table; Unmap drops only the mapping's share.
		page.Get()
		if err := Map(pml4Phys, vpage, pmm.FrameFromPage(page), FlagUserAccessible|regionFlags(region)); err != nil {
			page.Put()
			return err
		}
		return nil
	}

	return errUnrecoverable
}

func resolveCopyOnWrite(pml4Phys uintptr, vpage Page) *kernel.Error {
	pte, err := pteForAddressIn(pml4Phys, vpage.Address())
	if err != nil {
		return err
	}

	frame := pte.Frame()
	page := pmm.PageFor(frame)

	// Snapshot the flags before any Unmap invalidates the entry; the
	// resolved mapping keeps everything (USER, NX, cache policy) except
	// that the CoW marker comes off and WRITE comes back on.
	newFlags := (pte.Flags() &^ FlagCopyOnWrite) | FlagRW

	if page.RefCount() > 1 {
		newFrame, err := frameAllocator()
		if err != nil {
			return err
		}
		mem.Memcopy(allocator.FrameAddr(frame), allocator.FrameAddr(newFrame), mem.PageSize)

		if err := Unmap(pml4Phys, vpage); err != nil {
			return err
		}
		return Map(pml4Phys, vpage, newFrame, newFlags)
	}

	return Protect(pml4Phys, vpage, newFlags)
}

func regionFlags(region FaultRegion) PageTableEntryFlag {
	var flags PageTableEntryFlag
	if region.Write {
		flags |= FlagRW
	}
	if !region.Exec {
		flags |= FlagNoExecute
	}
	return flags
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\ngeneral protection fault at rip=0x%x\n", frame.RIP)
	regs.Print()
	frame.Print()
	fatalDump(errUnrecoverable)
}

func fatalFault(faultAddr, cr3 uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\npage fault at 0x%16x (cr2), error code %d (", faultAddr, errorCode)
	describeErrorCode(errorCode)
	kfmt.Printf(")\n")
	regs.Print()
	frame.Print()
	dumpPageTables(cr3, faultAddr)
	fatalDump(err)
}

// dumpPageTables prints the walk to faultAddr level by level, the last
// diagnostic emitted before the panic.
func dumpPageTables(pml4Phys, faultAddr uintptr) {
	if pml4Phys == 0 {
		return
	}

	kfmt.Printf("page table walk for 0x%16x:\n", faultAddr)
	walk(pml4Phys, faultAddr, false, func(level uint8, pte *pageTableEntry) bool {
		kfmt.Printf("  level %d: ", level)
		if !pte.HasFlags(FlagPresent) {
			kfmt.Printf("not present\n")
			return false
		}

		kfmt.Printf("frame 0x%12x present", uintptr(pte.Frame().Address()))
		if pte.HasFlags(FlagRW) {
			kfmt.Printf("|write")
		}
		if pte.HasFlags(FlagUserAccessible) {
			kfmt.Printf("|user")
		}
		if pte.HasFlags(FlagHugePage) {
			kfmt.Printf("|huge")
		}
		if pte.HasFlags(FlagNoExecute) {
			kfmt.Printf("|nx")
		}
		kfmt.Printf("\n")
		return true
	})
}

func describeErrorCode(errorCode uint64) {
	if errorCode&errCodePresent == 0 {
		kfmt.Printf("not-present")
	} else {
		kfmt.Printf("protection-violation")
	}
	if errorCode&errCodeWrite != 0 {
		kfmt.Printf(" write")
	} else {
		kfmt.Printf(" read")
	}
	if errorCode&errCodeUser != 0 {
		kfmt.Printf(" user")
	}
	if errorCode&errCodeInstrFetch != 0 {
		kfmt.Printf(" instruction-fetch")
	}
}

// fatalDump is the terminal error path: kfmt.Panic prints its error
// banner through kfmt.Printf and halts. It does not flush output that is
// still held in kfmt's ring buffer.
func fatalDump(err *kernel.Error) {
	panicFn(err)
}
