// Package boot describes the contract this kernel expects from a
// Limine-class bootloader: a physical memory map, the high-half direct-map
// (HHDM) offset, the executable's physical/virtual load addresses and a
// framebuffer descriptor (spec.md section 6). The protocol handshake that
// actually populates these values (parsing Limine's request/response
// structures out of the boot-time .limine_requests section) is out of
// scope; this package only names the data shape every other package reads
// and provides a visitor over the memory map, following the same pattern
// the teacher's hal/multiboot package used for the equivalent multiboot
// contract.
package boot

// MemoryEntryType classifies a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemUsable indicates memory that is free for the kernel to claim.
	MemUsable MemoryEntryType = iota + 1

	// MemReserved indicates memory the kernel must never touch.
	MemReserved

	// MemACPIReclaimable indicates ACPI tables that can be reclaimed
	// once the kernel has parsed them.
	MemACPIReclaimable

	// MemACPINVS indicates memory that must be preserved across a
	// suspend/resume cycle.
	MemACPINVS

	// MemBadMemory indicates memory reported as physically faulty.
	MemBadMemory

	// MemBootloaderReclaimable indicates memory used by the bootloader
	// itself that can be reclaimed after the early boot sequence.
	MemBootloaderReclaimable

	// MemExecutableAndModules indicates memory holding the kernel image
	// and any boot modules.
	MemExecutableAndModules

	// MemFramebuffer indicates memory backing the boot framebuffer.
	MemFramebuffer
)

// String returns a human readable name for t, used by bootmem's memory-map
// dump (spec.md section 4.1).
func (t MemoryEntryType) String() string {
	switch t {
	case MemUsable:
		return "usable"
	case MemReserved:
		return "reserved"
	case MemACPIReclaimable:
		return "acpi-reclaimable"
	case MemACPINVS:
		return "acpi-nvs"
	case MemBadMemory:
		return "bad-memory"
	case MemBootloaderReclaimable:
		return "bootloader-reclaimable"
	case MemExecutableAndModules:
		return "executable-and-modules"
	case MemFramebuffer:
		return "framebuffer"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes one physical memory region reported by the
// bootloader.
type MemoryMapEntry struct {
	// PhysAddress is the start of the region.
	PhysAddress uint64

	// Length is the size of the region in bytes.
	Length uint64

	// Type classifies the region.
	Type MemoryEntryType
}

// FramebufferInfo describes the boot framebuffer, if one was set up.
type FramebufferInfo struct {
	PhysAddr      uint64
	Pitch         uint32
	Width, Height uint32
	Bpp           uint8
}

var (
	memoryMap       []MemoryMapEntry
	hhdmOffset      uintptr
	execPhysBase    uintptr
	execVirtBase    uintptr
	framebufferInfo FramebufferInfo
)

// SetMemoryMap installs the memory map reported by the bootloader. It is
// called once, during early boot, by the glue code that parses the
// Limine protocol responses (out of scope here).
func SetMemoryMap(entries []MemoryMapEntry) { memoryMap = entries }

// SetHHDMOffset installs the offset of the high-half direct map.
func SetHHDMOffset(off uintptr) { hhdmOffset = off }

// SetExecutableBase installs the kernel image's physical and virtual load
// addresses as reported by the bootloader.
func SetExecutableBase(physBase, virtBase uintptr) {
	execPhysBase, execVirtBase = physBase, virtBase
}

// SetFramebuffer installs the boot framebuffer descriptor.
func SetFramebuffer(fb FramebufferInfo) { framebufferInfo = fb }

// VisitMemRegions invokes visitor once for every entry in the memory map,
// in the order reported by the bootloader, stopping early if visitor
// returns false.
func VisitMemRegions(visitor func(entry *MemoryMapEntry) bool) {
	for i := range memoryMap {
		if !visitor(&memoryMap[i]) {
			return
		}
	}
}

// HHDMOffset returns the virtual address at which physical address 0 is
// mapped. Every physical frame is reachable at HHDMOffset()+physAddr.
func HHDMOffset() uintptr { return hhdmOffset }

// ExecutableBase returns the kernel image's physical and virtual load
// addresses.
func ExecutableBase() (physBase, virtBase uintptr) { return execPhysBase, execVirtBase }

// Framebuffer returns the boot framebuffer descriptor.
func Framebuffer() FramebufferInfo { return framebufferInfo }
