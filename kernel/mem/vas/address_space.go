// Package vas implements the per-task address space (spec.md section 4.5):
// the ordered list of VMAs a task's PML4 is divided into, map_region /
// unmap_region / check_access, fork (address_space_dup) and teardown
// (address_space_destroy). The teacher has no equivalent (gopher-os is a
// single flat kernel address space with no process/VMA concept at all), so
// this package is new, built from spec.md section 3's data model using the
// primitives the rest of this codebase already established: sync.RWSpinlock
// for the VMA list (readers are page faults and CheckAccess, writers are
// the mutating operations below), kernel.Error for failures, and the vmm
// package for everything that actually touches page tables. At package
// init it wires vmm.SetRegionLookup/SetCurrentTask so the fault handler
// (which cannot import vas, since vas imports vmm) can reach this
// package's VMAs through the opaque interface{} a task's AddressSpace field
// carries.
package vas

import (
	"gopheros/kernel"
	"gopheros/kernel/hal/boot"
	"gopheros/kernel/mem"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"
	"gopheros/kernel/mem/vmm"
	"gopheros/kernel/sched"
	"gopheros/kernel/sync"
)

var (
	errOutOfMemory  = &kernel.Error{Module: "vas", Message: "out of memory"}
	errNoSuchRegion = &kernel.Error{Module: "vas", Message: "no region matches the given bounds"}
	errOverlap      = &kernel.Error{Module: "vas", Message: "region overlaps an existing mapping"}
	errNoVMA        = &kernel.Error{Module: "vas", Message: "no region covers the given address"}
	errAccessDenied = &kernel.Error{Module: "vas", Message: "access violates the covering region's permissions"}
)

// kernelPML4Phys is the physical address of the template PML4 whose
// higher-half (kernel) entries every new address space clones, so every
// task shares the same kernel mappings without needing to keep them in
// sync by hand. It is zero until SetKernelTemplate is called, which Kmain
// does once, after vmm, goruntime and sync are initialized.
var kernelPML4Phys uintptr

// halfIndex is the PML4 entry index that splits user space from kernel
// space: entries [0, halfIndex) are user, [halfIndex, 512) are kernel,
// per the standard amd64 canonical-address split at bit 47.
const halfIndex = 256

// SetKernelTemplate records the PML4 that New clones its
// kernel half from.
func SetKernelTemplate(pml4Phys uintptr) { kernelPML4Phys = pml4Phys }

// AddressSpace is one task's virtual memory: a PML4 plus the ordered,
// non-overlapping list of VMAs currently mapped into it.
type AddressSpace struct {
	pml4Phys uintptr

	vmaLock sync.RWSpinlock
	regions []*Region // kept sorted by Start
}

// New allocates a fresh address space with its kernel half cloned from the
// template registered via SetKernelTemplate.
func New() (*AddressSpace, *kernel.Error) {
	virt, err := allocator.AllocPagesHHDM(allocator.ZoneNormal, 0, true)
	if err != nil {
		return nil, errOutOfMemory
	}

	if kernelPML4Phys != 0 {
		const entrySize = 1 << mem.PointerShift
		src := boot.HHDMOffset() + kernelPML4Phys + halfIndex*entrySize
		dst := virt + halfIndex*entrySize
		mem.Memcopy(src, dst, mem.Size((512-halfIndex)*entrySize))
	}

	return &AddressSpace{pml4Phys: virt - boot.HHDMOffset()}, nil
}

// PML4Phys returns the physical address of this address space's top-level
// page table, the value loaded into CR3 when this task is scheduled.
func (as *AddressSpace) PML4Phys() uintptr { return as.pml4Phys }

// MapRegion validates and records a new VMA. Per spec.md section 4.5 this
// never populates page tables itself: both anonymous and file-backed pages
// are left for the fault handler to fill in on first touch.
func (as *AddressSpace) MapRegion(r *Region) *kernel.Error {
	if r.Start%uintptr(mem.PageSize) != 0 || r.End%uintptr(mem.PageSize) != 0 || r.Start >= r.End {
		return errUnaligned
	}
	if err := r.validate(); err != nil {
		return err
	}

	as.vmaLock.Lock()
	defer as.vmaLock.Unlock()

	idx := as.lowerBoundLocked(r.Start)
	if idx < len(as.regions) && as.regions[idx].Start < r.End {
		return errOverlap
	}
	if idx > 0 && as.regions[idx-1].End > r.Start {
		return errOverlap
	}

	as.regions = append(as.regions, nil)
	copy(as.regions[idx+1:], as.regions[idx:])
	as.regions[idx] = r
	return nil
}

// UnmapRegion drops the VMA exactly spanning [start, end) and releases
// every resident page within it.
func (as *AddressSpace) UnmapRegion(start, end uintptr) *kernel.Error {
	as.vmaLock.Lock()
	idx := as.lowerBoundLocked(start)
	if idx >= len(as.regions) || as.regions[idx].Start != start || as.regions[idx].End != end {
		as.vmaLock.Unlock()
		return errNoSuchRegion
	}
	as.regions = append(as.regions[:idx], as.regions[idx+1:]...)
	as.vmaLock.Unlock()

	vmm.UnmapRegion(as.pml4Phys, start, end)
	return nil
}

// CheckAccess reports whether a va access is legal: it returns the
// covering Region on success, errNoVMA when no region covers va at all,
// and errAccessDenied when one does but its protection forbids the
// requested access.
func (as *AddressSpace) CheckAccess(va uintptr, needRead, needWrite, needExec bool) (*Region, *kernel.Error) {
	as.vmaLock.RLock()
	defer as.vmaLock.RUnlock()

	r, ok := as.findLocked(va)
	if !ok {
		return nil, errNoVMA
	}
	if (needRead && r.Prot&ProtRead == 0) ||
		(needWrite && r.Prot&ProtWrite == 0) ||
		(needExec && r.Prot&ProtExec == 0) {
		return nil, errAccessDenied
	}
	return r, nil
}

// findLocked returns the Region containing va. Callers must hold vmaLock.
func (as *AddressSpace) findLocked(va uintptr) (*Region, bool) {
	idx := as.lowerBoundLocked(va + 1)
	if idx == 0 {
		return nil, false
	}
	r := as.regions[idx-1]
	if !r.contains(va) {
		return nil, false
	}
	return r, true
}

// lowerBoundLocked returns the index of the first region whose Start is >=
// addr. Callers must hold vmaLock.
func (as *AddressSpace) lowerBoundLocked(addr uintptr) int {
	lo, hi := 0, len(as.regions)
	for lo < hi {
		mid := (lo + hi) / 2
		if as.regions[mid].Start < addr {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// Destroy unmaps every region and drops the reference holding the address
// space's own PML4 alive. The intermediate user-half tables were already
// pruned by the per-page unmaps; the kernel-half tables are shared with
// the template and stay untouched.
func (as *AddressSpace) Destroy() {
	as.vmaLock.Lock()
	regions := as.regions
	as.regions = nil
	as.vmaLock.Unlock()

	for _, r := range regions {
		vmm.UnmapRegion(as.pml4Phys, r.Start, r.End)
	}

	pml4Frame := pmm.FrameFromAddress(as.pml4Phys)
	if pmm.PageFor(pml4Frame).Put() {
		allocator.FreePage(pml4Frame)
	}
}

func init() {
	vmm.SetRegionLookup(regionLookup)
	vmm.SetCurrentTask(currentTask)
}

func regionLookup(addrSpace interface{}, vpage uintptr) (vmm.FaultRegion, bool) {
	as, ok := addrSpace.(*AddressSpace)
	if !ok || as == nil {
		return vmm.FaultRegion{}, false
	}

	as.vmaLock.RLock()
	region, found := as.findLocked(vpage)
	as.vmaLock.RUnlock()
	if !found {
		return vmm.FaultRegion{}, false
	}

	fr := vmm.FaultRegion{
		Start:  region.Start,
		End:    region.End,
		Read:   region.Prot&ProtRead != 0,
		Write:  region.Prot&ProtWrite != 0,
		Exec:   region.Prot&ProtExec != 0,
		FileLo: region.File.Lo,
		FileHi: region.File.Hi,
	}
	switch region.Kind {
	case KindFile:
		fr.Kind = vmm.RegionFile
		fr.Cache = region.File.Mapping
	default:
		fr.Kind = vmm.RegionAnon
	}
	return fr, true
}

func currentTask() (addrSpace interface{}, pml4Phys uintptr, ready bool) {
	if !sched.Ready() {
		return nil, 0, false
	}
	t := sched.CurrentTask()
	if t == nil {
		return nil, 0, false
	}
	as, ok := t.AddressSpace.(*AddressSpace)
	if !ok || as == nil {
		return nil, 0, false
	}
	return as, as.pml4Phys, true
}
