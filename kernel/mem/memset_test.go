package mem

import (
	"testing"
	"unsafe"
)

func TestMemset(t *testing.T) {
	buf := make([]byte, 128)
	for i := range buf {
		buf[i] = 0xff
	}

	addr := uintptr(unsafe.Pointer(&buf[0]))
	Memset(addr, 0x42, Size(len(buf)))

	for i, b := range buf {
		if b != 0x42 {
			t.Fatalf("byte %d: expected 0x42; got 0x%x", i, b)
		}
	}
}

func TestMemsetZeroSizeIsNoop(t *testing.T) {
	buf := []byte{1, 2, 3}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	Memset(addr, 0, 0)

	if buf[0] != 1 || buf[1] != 2 || buf[2] != 3 {
		t.Fatalf("expected buffer to be untouched; got %v", buf)
	}
}

func TestMemcopy(t *testing.T) {
	src := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	dst := make([]byte, len(src))

	Memcopy(
		uintptr(unsafe.Pointer(&src[0])),
		uintptr(unsafe.Pointer(&dst[0])),
		Size(len(src)),
	)

	for i := range src {
		if dst[i] != src[i] {
			t.Fatalf("byte %d: expected %d; got %d", i, src[i], dst[i])
		}
	}
}
