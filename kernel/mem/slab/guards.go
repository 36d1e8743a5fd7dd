package slab

import (
	"reflect"
	"unsafe"
)

// poisonRedzones writes the redzone pattern into the guard bytes
// immediately before and after an object's usable region. Called once,
// when a slab is grown; the pattern is then re-checked (not re-written)
// on every alloc/free when DebugGuards is enabled.
func poisonRedzones(obj unsafe.Pointer, size uintptr) {
	base := uintptr(obj)
	writePattern(base-redzoneSize, redzoneSize, redzoneByte)
	writePattern(base+size, redzoneSize, redzoneByte)
}

// checkRedzones reports whether both guard regions around obj still carry
// the expected pattern.
func checkRedzones(obj unsafe.Pointer, size uintptr) bool {
	base := uintptr(obj)
	return checkPattern(base-redzoneSize, redzoneSize, redzoneByte) &&
		checkPattern(base+size, redzoneSize, redzoneByte)
}

// checkPoison reports whether an object about to be handed out from the
// free stack still carries the free-time poison pattern throughout, which
// catches use-after-free writes made while the object sat on the free
// list.
func checkPoison(obj unsafe.Pointer, size uintptr) bool {
	return checkPattern(uintptr(obj), size, poisonByte)
}

// fillPoison overwrites an object's usable region with the poison pattern,
// done on free so a subsequent corrupting write is detectable on the next
// alloc.
func fillPoison(obj unsafe.Pointer, size uintptr) {
	writePattern(uintptr(obj), size, poisonByte)
}

func writePattern(addr, size uintptr, b byte) {
	s := rawBytes(addr, size)
	for i := range s {
		s[i] = b
	}
}

func checkPattern(addr, size uintptr, b byte) bool {
	s := rawBytes(addr, size)
	for _, v := range s {
		if v != b {
			return false
		}
	}
	return true
}

// rawBytes overlays a []byte onto an arbitrary address, the same
// reflect.SliceHeader trick mem.Memset uses.
func rawBytes(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(size),
		Cap:  int(size),
	}))
}

// rawUintptrs overlays a []uintptr onto an arbitrary address; used to
// reach the free stack embedded in every slab.
func rawUintptrs(addr, count uintptr) []uintptr {
	return *(*[]uintptr)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(count),
		Cap:  int(count),
	}))
}
