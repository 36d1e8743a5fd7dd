package pmm

import (
	"testing"
	"unsafe"
)

// memMapBuf keeps the buffer backing mem_map alive for the duration of
// the test binary; the hosted stand-in for the contiguous frame run
// bootmem teardown carves out on real hardware.
var memMapBuf []byte

func initTestMemMap(t *testing.T, numFrames uint64) {
	t.Helper()
	memMapBuf = make([]byte, MemMapFootprint(numFrames))
	InitAt(uintptr(unsafe.Pointer(&memMapBuf[0])), numFrames)
}

func TestFrameAddress(t *testing.T) {
	f := Frame(5)
	if exp, got := uintptr(5<<12), f.Address(); exp != got {
		t.Fatalf("expected address %#x; got %#x", exp, got)
	}

	if exp, got := f, FrameFromAddress(f.Address()); exp != got {
		t.Fatalf("expected FrameFromAddress round-trip to return %d; got %d", exp, got)
	}
}

func TestInvalidFrame(t *testing.T) {
	if InvalidFrame.IsValid() {
		t.Fatal("expected InvalidFrame.IsValid() to be false")
	}

	if !Frame(0).IsValid() {
		t.Fatal("expected Frame(0).IsValid() to be true")
	}
}

func TestPageRefCount(t *testing.T) {
	initTestMemMap(t, 4)
	p := PageFor(Frame(0))
	p.SetRefCount(0)

	p.Get()
	p.Get()
	if exp, got := int32(2), p.RefCount(); exp != got {
		t.Fatalf("expected refcount %d; got %d", exp, got)
	}

	if p.Put() {
		t.Fatal("did not expect Put to report reachedZero with refcount 2->1")
	}

	if !p.Put() {
		t.Fatal("expected Put to report reachedZero with refcount 1->0")
	}
}

func TestPageFlags(t *testing.T) {
	initTestMemMap(t, 1)
	p := PageFor(Frame(0))

	p.SetFlags(FlagReserved)
	if !p.HasFlags(FlagReserved) {
		t.Fatal("expected FlagReserved to be set")
	}

	p.SetFlags(FlagDirty)
	if !p.HasFlags(FlagReserved | FlagDirty) {
		t.Fatal("expected both FlagReserved and FlagDirty to be set")
	}

	p.ClearFlags(FlagReserved)
	if p.HasFlags(FlagReserved) {
		t.Fatal("expected FlagReserved to be cleared")
	}
	if !p.HasFlags(FlagDirty) {
		t.Fatal("expected FlagDirty to remain set")
	}
}

func TestPageLockUnlockSerializesContention(t *testing.T) {
	initTestMemMap(t, 1)
	p := PageFor(Frame(0))

	p.Lock()
	if !p.HasFlags(FlagLocked) {
		t.Fatal("expected FlagLocked to be set after Lock")
	}

	unlocked := make(chan struct{})
	waiterLocked := make(chan struct{})
	go func() {
		p.Lock()
		close(waiterLocked)
	}()

	select {
	case <-waiterLocked:
		t.Fatal("waiter acquired the lock before it was released")
	default:
	}

	go func() {
		<-unlocked
	}()
	p.Unlock()
	close(unlocked)

	<-waiterLocked
	if !p.HasFlags(FlagLocked) {
		t.Fatal("expected waiter to leave the page locked after acquiring it")
	}
}

func TestPageOrderAndState(t *testing.T) {
	initTestMemMap(t, 1)
	p := PageFor(Frame(0))

	p.SetOrder(3)
	if exp, got := 3, int(p.Order()); exp != got {
		t.Fatalf("expected order %d; got %d", exp, got)
	}

	p.SetState(StateFree)
	if exp, got := StateFree, p.State(); exp != got {
		t.Fatalf("expected state %v; got %v", exp, got)
	}
}
