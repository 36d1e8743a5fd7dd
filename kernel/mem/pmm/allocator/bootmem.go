package allocator

import (
	"reflect"
	"unsafe"

	"gopheros/kernel"
	"gopheros/kernel/hal/boot"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
)

var (
	errBootMemDissolved = &kernel.Error{Module: "bootmem", Message: "bootmem allocator has been dissolved into the buddy allocator"}
	errBootMemExhausted = &kernel.Error{Module: "bootmem", Message: "out of memory"}
	errBootMemNoRun     = &kernel.Error{Module: "bootmem", Message: "no suitable run of contiguous free frames"}
	errBootMemNoBitmap  = &kernel.Error{Module: "bootmem", Message: "no usable region large enough to hold the frame bitmap"}
)

// bootAllocator is a one-shot bitmap allocator used to carve out the
// handful of early allocations (the kernel's template PML4, scratch pages
// for the handoff) that must happen before the buddy allocator exists, per
// spec.md section 4.1. One bit per frame; a set bit means the frame is
// taken. The bitmap itself lives in the first usable region large enough
// to hold it, reached through the HHDM rather than the Go heap, since at
// this point in boot no dynamic allocator exists.
type bootAllocator struct {
	bitmap    []byte
	numFrames uint64

	// bitmapStartFrame/bitmapFrameCount record where the bitmap's own
	// backing frames live so teardown can release them last.
	bitmapStartFrame pmm.Frame
	bitmapFrameCount uint64
}

var bootmem bootAllocator

// highestUsableAddress returns the end (exclusive) of the highest usable
// region in the bootloader's memory map, which determines how many frames
// mem_map must describe.
func highestUsableAddress() uint64 {
	var end uint64
	boot.VisitMemRegions(func(e *boot.MemoryMapEntry) bool {
		if e.Type == boot.MemUsable {
			if regionEnd := e.PhysAddress + e.Length; regionEnd > end {
				end = regionEnd
			}
		}
		return true
	})
	return end
}

// BootMemInit sizes the frame bitmap, places it in the first usable region
// that can hold it (reached through the HHDM), marks every frame as
// allocated and then punches out the usable regions reported by the
// bootloader, leaving the bitmap's own frames claimed.
func BootMemInit() *kernel.Error {
	bootmem.numFrames = highestUsableAddress() >> mem.PageShift
	bitmapBytes := (bootmem.numFrames + 7) / 8

	kfmt.Printf("[bootmem] system memory map:\n")
	var totalFree mem.Size
	boot.VisitMemRegions(func(e *boot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n",
			e.PhysAddress, e.PhysAddress+e.Length, e.Length, e.Type.String())
		if e.Type == boot.MemUsable {
			totalFree += mem.Size(e.Length)
		}
		return true
	})
	kfmt.Printf("[bootmem] free memory: %dKb\n", uint64(totalFree/mem.Kb))

	// First fit for the bitmap itself: the lowest usable region with
	// enough room past its page-aligned start.
	var bitmapPhys uint64
	found := false
	boot.VisitMemRegions(func(e *boot.MemoryMapEntry) bool {
		if e.Type != boot.MemUsable {
			return true
		}
		alignedStart := (e.PhysAddress + uint64(mem.PageSize) - 1) &^ uint64(mem.PageSize-1)
		if e.PhysAddress+e.Length >= alignedStart+bitmapBytes {
			bitmapPhys = alignedStart
			found = true
			return false
		}
		return true
	})
	if !found {
		return errBootMemNoBitmap
	}

	bootmem.bitmap = *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: boot.HHDMOffset() + uintptr(bitmapPhys),
		Len:  int(bitmapBytes),
		Cap:  int(bitmapBytes),
	}))
	for i := range bootmem.bitmap {
		bootmem.bitmap[i] = 0xff
	}

	boot.VisitMemRegions(func(e *boot.MemoryMapEntry) bool {
		if e.Type == boot.MemUsable {
			bootmem.markRange(e.PhysAddress, e.Length, false)
		}
		return true
	})

	// Re-claim the frames the bitmap itself occupies.
	bootmem.bitmapStartFrame = pmm.FrameFromAddress(uintptr(bitmapPhys))
	bootmem.bitmapFrameCount = (bitmapBytes + uint64(mem.PageSize) - 1) >> mem.PageShift
	bootmem.markRange(bitmapPhys, bitmapBytes, true)

	return nil
}

func (a *bootAllocator) markRange(physAddr, length uint64, allocated bool) {
	start := physAddr >> mem.PageShift
	count := (length + uint64(mem.PageSize) - 1) >> mem.PageShift
	for f := start; f < start+count && f < a.numFrames; f++ {
		a.setBit(f, allocated)
	}
}

func (a *bootAllocator) setBit(frame uint64, set bool) {
	idx, bit := frame/8, byte(1<<(frame%8))
	if set {
		a.bitmap[idx] |= bit
	} else {
		a.bitmap[idx] &^= bit
	}
}

func (a *bootAllocator) testBit(frame uint64) bool {
	idx, bit := frame/8, byte(1<<(frame%8))
	return a.bitmap[idx]&bit != 0
}

// BootMemAllocFrame returns the first free frame, marking it allocated.
// Used for the handful of allocations (the kernel template PML4, early
// scratch pages) that must happen before the buddy allocator is available.
func BootMemAllocFrame() (pmm.Frame, *kernel.Error) {
	if bootmem.bitmap == nil {
		return pmm.InvalidFrame, errBootMemDissolved
	}

	for f := uint64(0); f < bootmem.numFrames; f++ {
		if !bootmem.testBit(f) {
			bootmem.setBit(f, true)
			return pmm.Frame(f), nil
		}
	}
	return pmm.InvalidFrame, errBootMemExhausted
}

// BootMemAllocContiguous returns the first run of count contiguous free
// frames, marking all of them allocated. Per spec.md section 4.1, failing
// to find a run is unrecoverable for the only caller that needs one
// (there is no other allocator yet), so callers are expected to treat the
// error as fatal.
func BootMemAllocContiguous(count uint64) (pmm.Frame, *kernel.Error) {
	if bootmem.bitmap == nil {
		return pmm.InvalidFrame, errBootMemDissolved
	}
	if count == 0 {
		return pmm.InvalidFrame, errBootMemNoRun
	}

	var runStart, runLen uint64
	for f := uint64(0); f < bootmem.numFrames; f++ {
		if bootmem.testBit(f) {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = f
		}
		runLen++
		if runLen == count {
			for i := runStart; i < runStart+count; i++ {
				bootmem.setBit(i, true)
			}
			return pmm.Frame(runStart), nil
		}
	}
	return pmm.InvalidFrame, errBootMemNoRun
}

// BootMemFreeFrame releases a single frame back to the bitmap.
func BootMemFreeFrame(f pmm.Frame) *kernel.Error {
	if bootmem.bitmap == nil {
		return errBootMemDissolved
	}
	bootmem.setBit(uint64(f), false)
	return nil
}

// BootMemFreeContiguous releases a run of count frames previously claimed
// with BootMemAllocContiguous.
func BootMemFreeContiguous(f pmm.Frame, count uint64) *kernel.Error {
	if bootmem.bitmap == nil {
		return errBootMemDissolved
	}
	for i := uint64(0); i < count; i++ {
		bootmem.setBit(uint64(f)+i, false)
	}
	return nil
}

// BootMemFreeAll dissolves the bitmap allocator into the buddy allocator.
// Per spec.md section 4.1 it builds mem_map by allocating the contiguous
// frame run for it through itself (no heap allocator exists at this
// point — the Go allocator is only bootstrapped later, by goruntime.Init),
// zeroes it, classifies every frame as either FlagReserved (frames the
// bitmap still shows allocated, plus anything the memory map marked
// non-usable) or free, seeds each zone's bounds and hands every free frame
// to the buddy free lists one page at a time. The bitmap's own frames are
// released last, after which the bitmap pointer is nulled so any further
// bootmem call reports a hard error. Called exactly once. Failure to find
// a contiguous run for mem_map is a panic: no other allocator exists yet.
func BootMemFreeAll() {
	descPages := pmm.MemMapFootprint(bootmem.numFrames).Pages()
	descFrame, err := BootMemAllocContiguous(descPages)
	if err != nil {
		kfmt.Panic(err)
		return
	}
	descVirt := boot.HHDMOffset() + descFrame.Address()
	mem.Memset(descVirt, 0, mem.PageSize*mem.Size(descPages))
	pmm.InitAt(descVirt, bootmem.numFrames)

	for z := range zones {
		zones[z].startFrom = pmm.Frame(bootmem.numFrames)
		zones[z].endFrame = 0
	}

	// First pass: flag every frame the memory map declares non-usable
	// directly in its descriptor, so the classification pass below needs
	// no scratch storage.
	boot.VisitMemRegions(func(e *boot.MemoryMapEntry) bool {
		if e.Type == boot.MemUsable {
			return true
		}
		start := e.PhysAddress >> mem.PageShift
		count := (e.Length + uint64(mem.PageSize) - 1) >> mem.PageShift
		for f := start; f < start+count && f < bootmem.numFrames; f++ {
			pmm.PageFor(pmm.Frame(f)).SetFlags(pmm.FlagReserved)
		}
		return true
	})

	for f := uint64(0); f < bootmem.numFrames; f++ {
		page := pmm.PageFor(pmm.Frame(f))
		z := zoneForAddress(f << mem.PageShift)
		zones[z].present = true
		if pmm.Frame(f) < zones[z].startFrom {
			zones[z].startFrom = pmm.Frame(f)
		}
		if pmm.Frame(f) > zones[z].endFrame {
			zones[z].endFrame = pmm.Frame(f)
		}

		if page.HasFlags(pmm.FlagReserved) || bootmem.testBit(f) {
			page.SetFlags(pmm.FlagReserved)
			page.SetState(pmm.StateAllocated)
			page.SetRefCount(1)
			continue
		}

		page.SetState(pmm.StateAllocated)
		page.SetRefCount(0)
		FreePages(pmm.Frame(f), 0)
	}

	// The classification pass above saw the bitmap's frames as taken;
	// they are no longer needed, so hand them to the buddy as well.
	for i := uint64(0); i < bootmem.bitmapFrameCount; i++ {
		f := bootmem.bitmapStartFrame + pmm.Frame(i)
		page := pmm.PageFor(f)
		page.ClearFlags(pmm.FlagReserved)
		page.SetState(pmm.StateAllocated)
		page.SetRefCount(0)
		FreePages(f, 0)
	}

	bootmem.bitmap = nil
}
