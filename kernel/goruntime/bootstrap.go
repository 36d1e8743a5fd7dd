// Package goruntime contains code for bootstrapping Go runtime features
// such as the memory allocator: the sys* functions below replace the
// runtime's OS-backed heap-growth primitives (normally implemented with
// mmap) with ones backed by this kernel's own frame allocator and page
// tables. The replacement is applied when the kernel image is linked, by
// the tools/redirects ELF patcher, which rewrites each runtime symbol
// named in a go:redirect-from comment to jump to the function carrying
// it.
//
// Until Init runs, nothing in the kernel may use make/append/maps or
// channels; the boot sequence up to and including the bootmem-to-buddy
// handoff is written allocation-free for exactly that reason.
package goruntime

import (
	"sync/atomic"
	"unsafe"

	"gopheros/kernel"
	"gopheros/kernel/hal/boot"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"
	"gopheros/kernel/mem/vmm"
)

var (
	// kernelPml4Phys is the top-level table heap mappings are installed
	// into. Heap pages live in the kernel half, which every address
	// space clones from this template, so a mapping made here is visible
	// to all tasks.
	kernelPml4Phys uintptr

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	mapFn                = vmm.Map
	earlyReserveRegionFn = vmm.EarlyReserveRegion
	frameAllocFn         = allocZeroedFrame

	errAllocatorNotReady = &kernel.Error{Module: "goruntime", Message: "Init has not been called"}
)

func allocZeroedFrame() (pmm.Frame, *kernel.Error) {
	addr, err := allocator.AllocPagesHHDM(allocator.ZoneKernel, 0, true)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	return pmm.FrameFromAddress(addr - boot.HHDMOffset()), nil
}

// sysStatInc updates one of the runtime's memory accounting counters on
// behalf of the patched allocator entry points.
func sysStatInc(sysStat *uint64, size uintptr) {
	if sysStat != nil {
		atomic.AddUint64(sysStat, uint64(size))
	}
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(regionStartAddr)
}

// sysMap backs a memory region previously reserved via sysReserve with
// zeroed physical frames.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	// We trust the allocator to call sysMap with an address inside a
	// reserved region.
	regionStartAddr := (uintptr(virtAddr) + uintptr(mem.PageSize-1)) & ^uintptr(mem.PageSize-1)
	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	pageCount := regionSize >> mem.PageShift

	mapFlags := vmm.FlagRW | vmm.FlagNoExecute
	for page := vmm.PageFromAddress(regionStartAddr); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		frame, err := frameAllocFn()
		if err != nil {
			return unsafe.Pointer(uintptr(0))
		}

		if err = mapFn(kernelPml4Phys, page, frame, mapFlags); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	sysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

// sysAlloc reserves enough physical frames to satisfy the allocation
// request and establishes a contiguous virtual page mapping for them,
// returning the pointer to the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) & ^(mem.PageSize - 1)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mapFlags := vmm.FlagRW | vmm.FlagNoExecute
	pageCount := regionSize >> mem.PageShift
	for page := vmm.PageFromAddress(regionStartAddr); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		frame, err := frameAllocFn()
		if err != nil {
			return unsafe.Pointer(uintptr(0))
		}

		if err = mapFn(kernelPml4Phys, page, frame, mapFlags); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	sysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

// Init records the kernel template PML4 that heap mappings are installed
// into. From the moment Init returns, make/append, maps, channels and the
// rest of the Go allocator's clients are usable; nothing before this call
// may allocate.
func Init(pml4Phys uintptr) *kernel.Error {
	if pml4Phys == 0 {
		return errAllocatorNotReady
	}
	kernelPml4Phys = pml4Phys
	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions
	// in this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}
