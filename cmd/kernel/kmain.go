// Package kernel (cmd/kernel) holds the Kmain trampoline: the only Go
// symbol visible to the rt0 assembly entry code. Everything it does is
// wire together, in order: bootmem -> mem_map -> buddy -> vmm ->
// goruntime -> sync -> vas -> sched. Kmain makes no call into the slab
// allocator.
// This mirrors the teacher's kernel/kmain/kmain.go one-for-one, retargeted
// from the multiboot info pointer to the Limine-class boot contract
// (memory map, HHDM offset, executable base, framebuffer) that
// kernel/hal/boot now exposes.
package kernel

import (
	"gopheros/kernel"
	"gopheros/kernel/goruntime"
	"gopheros/kernel/hal/boot"
	"gopheros/kernel/kfmt"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"
	"gopheros/kernel/mem/vas"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/sched"
	"gopheros/kernel/sync"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// BootInfo is the subset of the Limine protocol response this trampoline
// needs before any dynamic allocator exists. The rt0 assembly (out of
// scope for this repository) parses the bootloader's request/response
// structures and builds one of these to pass in.
type BootInfo struct {
	MemoryMap    []boot.MemoryMapEntry
	HHDMOffset   uintptr
	ExecPhysBase uintptr
	ExecVirtBase uintptr
	Framebuffer  boot.FramebufferInfo
}

// Kmain is invoked by the rt0 initialization code after it has set up the
// GDT and a minimal g0 struct that lets Go code run on the 4K stack the
// assembly allocated. Kmain is not expected to return; if it does, the rt0
// code halts the CPU.
//
//go:noinline
func Kmain(info BootInfo) {
	boot.SetMemoryMap(info.MemoryMap)
	boot.SetHHDMOffset(info.HHDMOffset)
	boot.SetExecutableBase(info.ExecPhysBase, info.ExecVirtBase)
	boot.SetFramebuffer(info.Framebuffer)

	// bootmem carves out the handful of early allocations (the kernel's
	// template PML4) needed before the buddy allocator exists, per
	// spec.md section 4.1. Failures this early are unrecoverable.
	if err := allocator.BootMemInit(); err != nil {
		kfmt.Panic(err)
		return
	}

	kernelPML4Frame, err := allocator.BootMemAllocFrame()
	if err != nil {
		kfmt.Panic(err)
		return
	}
	mem.Memset(boot.HHDMOffset()+kernelPML4Frame.Address(), 0, mem.PageSize)

	// Dissolve bootmem into the buddy allocator: this is the point
	// mem_map is built (carved out of its own contiguous frame run) and
	// every remaining free frame becomes available through page_alloc.
	// Nothing up to here may touch the Go heap: make/append, maps and
	// channels only start working once goruntime.Init has run below.
	allocator.BootMemFreeAll()

	vmm.SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
		addr, err := allocator.AllocPagesHHDM(allocator.ZoneKernel, 0, true)
		if err != nil {
			return pmm.InvalidFrame, err
		}
		return pmm.FrameFromAddress(addr - boot.HHDMOffset()), nil
	})
	vmm.Init()

	// Bootstrap the Go allocator on top of the buddy allocator and the
	// kernel page tables; everything past this call may allocate.
	if err := goruntime.Init(kernelPML4Frame.Address()); err != nil {
		kfmt.Panic(err)
		return
	}

	// With the IDT about to come up, spinlocks must start masking IRQs
	// for real.
	sync.Init()

	vas.SetKernelTemplate(kernelPML4Frame.Address())
	sched.MarkReady()

	// Use kernel.Panic instead of panic so the compiler cannot treat this
	// call as dead code and eliminate it.
	kfmt.Panic(errKmainReturned)
}
