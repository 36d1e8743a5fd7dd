// Package imapping implements the per-inode page cache that file-backed
// virtual memory regions are populated from (spec.md section 4.6): a
// {page index -> physical page} map consulted by the vmm fault handler's
// demand-paging path. The teacher repo has no filesystem layer to ground
// this against, so the lock/unlock-for-sleep/re-check race pattern here
// follows spec.md's own description directly, built the way the rest of
// this codebase builds things: a plain sync.Spinlock guarding list/map
// mutation (mirroring allocator.zoneState's SpinlockIRQ) and a
// kernel.Error returned on failure.
package imapping

import (
	"gopheros/kernel"
	"gopheros/kernel/mem/pmm"
	"gopheros/kernel/mem/pmm/allocator"
	"gopheros/kernel/sync"
)

// Inode is the filesystem-side contract a Mapping fills pages through.
// The concrete filesystem drivers that implement it (ramfs, devfs, ...)
// are out of scope here.
type Inode interface {
	// ReadPage fills page's contents for the given page index. It may
	// sleep (e.g. on a block device).
	ReadPage(page *pmm.Page, index uint64) *kernel.Error

	// WritePage flushes page's contents for the given page index back to
	// the inode. Never called by this core: writeback/swap is out of
	// scope, but filesystem drivers may call it directly through the
	// Mapping they own.
	WritePage(page *pmm.Page, index uint64) *kernel.Error
}

var errOutOfMemory = &kernel.Error{Module: "imapping", Message: "out of memory"}

// Mapping is one inode's page cache.
type Mapping struct {
	lock  sync.Spinlock
	Owner Inode

	pages map[uint64]pmm.Frame
}

// Init prepares an empty Mapping backed by owner.
func (m *Mapping) Init(owner Inode) {
	m.Owner = owner
	m.pages = make(map[uint64]pmm.Frame)
}

// LookupOrCreate returns the LOCKED page for the given page index,
// allocating and installing a fresh frame on a miss. Per spec.md section
// 4.6: lookup happens under the map lock; on a miss the lock is dropped
// before allocating (allocation may sleep), then reacquired to re-check
// for a race with another thread that installed the page first, in which
// case the duplicate frame this call allocated is released back to the
// buddy allocator and the winning page is returned instead.
func (m *Mapping) LookupOrCreate(index uint64) (*pmm.Page, *kernel.Error) {
	m.lock.Acquire()
	if frame, ok := m.pages[index]; ok {
		m.lock.Release()
		page := pmm.PageFor(frame)
		page.Lock()
		return page, nil
	}
	m.lock.Release()

	frame, err := allocator.AllocPage(allocator.ZoneNormal)
	if err != nil {
		return nil, errOutOfMemory
	}
	page := pmm.PageFor(frame)
	page.Lock()

	m.lock.Acquire()
	if existing, ok := m.pages[index]; ok {
		m.lock.Release()
		page.Unlock()
		if page.Put() {
			allocator.FreePage(frame)
		}

		winner := pmm.PageFor(existing)
		winner.Lock()
		return winner, nil
	}

	m.pages[index] = frame
	page.Index = index
	page.Owner = m
	page.SetFlags(pmm.FlagMapped)
	m.lock.Release()

	return page, nil
}

// ReadPage delegates to the owning inode's ReadPage operation. It is only
// ever called by the fault handler, never internally by Mapping itself,
// per spec.md section 4.6.
func (m *Mapping) ReadPage(page *pmm.Page, index uint64) *kernel.Error {
	return m.Owner.ReadPage(page, index)
}

// Insert installs an already-allocated frame at the given index, without
// taking a reference: the caller is expected to already hold one.
func (m *Mapping) Insert(index uint64, frame pmm.Frame) {
	m.lock.Acquire()
	defer m.lock.Release()

	m.pages[index] = frame
	page := pmm.PageFor(frame)
	page.Index = index
	page.Owner = m
	page.SetFlags(pmm.FlagMapped)
}

// Remove evicts the page at the given index, dropping the reference this
// mapping held on it and releasing the frame back to the buddy allocator
// if that was the last reference.
func (m *Mapping) Remove(index uint64) {
	m.lock.Acquire()
	frame, ok := m.pages[index]
	if !ok {
		m.lock.Release()
		return
	}
	delete(m.pages, index)
	m.lock.Release()

	page := pmm.PageFor(frame)
	page.ClearFlags(pmm.FlagMapped)
	if page.Put() {
		allocator.FreePage(frame)
	}
}
