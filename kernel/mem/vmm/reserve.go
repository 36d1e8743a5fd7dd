package vmm

import (
	"gopheros/kernel"
	"gopheros/kernel/mem"
)

const (
	// earlyReserveTop is the highest kernel-virtual address handed out by
	// EarlyReserveRegion; reservations grow downwards from here. The
	// region sits in the kernel half, well clear of the HHDM window and
	// the kernel image mapping.
	earlyReserveTop = uintptr(0xffffff8000000000)

	// earlyReserveBottom bounds the descent so runaway reservations
	// cannot creep into the address ranges other kernel mappings use.
	earlyReserveBottom = uintptr(0xffffff0000000000)
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each reservation request.
	earlyReserveLastUsed = earlyReserveTop

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory
// region with the requested size in the kernel address space and returns
// its virtual address. If size is not a multiple of mem.PageSize it will
// be automatically rounded up.
//
// This function allocates regions starting at the top of the early
// reserve window and moving down. It should only be used during the early
// stages of kernel initialization and by the Go allocator bootstrap code
// in kernel/goruntime.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed-earlyReserveBottom {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}
