package vmm

import "gopheros/kernel/mem"

// Page describes a virtual memory page number.
type Page uintptr

// Address returns the virtual address at the start of this page.
func (p Page) Address() uintptr { return uintptr(p) << mem.PageShift }

// PageFromAddress rounds virtAddr down to the page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr &^ uintptr(mem.PageSize-1)) >> mem.PageShift)
}
