// Package vas implements the address-space abstraction (spec.md section
// 4.5): the ordered, non-overlapping set of memory regions (VMAs) bound to
// a task, map_region/unmap_region/check_access, fork (address_space_dup)
// and teardown. It is new relative to the teacher, which has no
// multi-process address-space concept (gopher-os runs a single flat
// kernel address space); the shape is grounded directly in spec.md
// section 3's data model, built with the same primitives the rest of this
// codebase uses: sync.RWSpinlock for the VMA list (mirroring the page
// LOCKED-bit/wait-queue pattern elsewhere), kernel.Error for failures, and
// the vmm package's Map/Unmap/Protect/ForkRegion for everything that
// touches page tables.
package vas

import (
	"gopheros/kernel"
	"gopheros/kernel/mem/imapping"
)

// RegionKind classifies what backs a Region.
type RegionKind uint8

const (
	// KindAnon is anonymous, zero-fill-on-demand memory.
	KindAnon RegionKind = iota

	// KindFile is backed by a range of an inode's page cache.
	KindFile

	// KindDevice is backed by a fixed physical range (MMIO); not
	// currently populated through the fault handler (no device driver
	// in this repository maps one), but named so a future driver has
	// somewhere to put one without inventing a new VMA kind.
	KindDevice
)

// Prot is a read/write/execute permission bitset.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// Flags describes the sharing semantics of a Region.
type Flags uint8

const (
	// FlagPrivate means writes are not visible to other mappings of the
	// same file (copy-on-write on fork).
	FlagPrivate Flags = 1 << iota

	// FlagShared means writes ARE visible to other mappings.
	FlagShared

	// FlagAnonymous marks a region with no file backing; redundant with
	// KindAnon but carried so mmap-style callers can express the request
	// in flag form.
	FlagAnonymous

	// FlagGrowsDown marks a stack region that a future stack-growth
	// handler may extend downwards on a fault just below Start. No such
	// handler exists yet; the flag is recorded and preserved across fork.
	FlagGrowsDown
)

// FileBacking describes the portion of an inode a file-backed Region maps.
type FileBacking struct {
	Mapping *imapping.Mapping
	Lo, Hi  uint64 // [Lo, Hi) within the inode
}

// Region is one VMA: a contiguous, page-aligned range of virtual addresses
// with uniform protection and backing.
type Region struct {
	Start, End uintptr
	Prot       Prot
	Flags      Flags
	Kind       RegionKind
	File       FileBacking

	// writableAtFork records, on a region that Dup created as a child's
	// copy, whether the parent's region had PROT_WRITE at fork time. Dup
	// passes the same value to vmm.ForkRegion directly; ForkRegion's
	// rollback does not read this field.
	writableAtFork bool
}

var (
	errBadFlags      = &kernel.Error{Module: "vas", Message: "exactly one of PRIVATE or SHARED must be set"}
	errBadFileRegion = &kernel.Error{Module: "vas", Message: "file-backed region requires a mapping and Lo <= Hi"}
	errUnaligned     = &kernel.Error{Module: "vas", Message: "region bounds must be page-aligned"}
)

func (r *Region) validate() *kernel.Error {
	hasPrivate := r.Flags&FlagPrivate != 0
	hasShared := r.Flags&FlagShared != 0
	if hasPrivate == hasShared {
		return errBadFlags
	}
	if r.Kind == KindFile && (r.File.Mapping == nil || r.File.Lo > r.File.Hi) {
		return errBadFileRegion
	}
	return nil
}

// contains reports whether vpage (a page-aligned address) falls within
// this region.
func (r *Region) contains(vpage uintptr) bool {
	return vpage >= r.Start && vpage < r.End
}
