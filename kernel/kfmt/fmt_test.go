package kfmt

import (
	"bytes"
	"testing"

	"gopheros/kernel"
)

func TestFprintf(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no verbs", nil, "no verbs"},
		{"literal %%", nil, "literal %"},
		{"%d pages", []interface{}{42}, "42 pages"},
		{"%d", []interface{}{-123}, "-123"},
		{"0x%x", []interface{}{uintptr(0xdead)}, "0xdead"},
		{"%o", []interface{}{uint8(8)}, "10"},
		{"%5d!", []interface{}{7}, "    7!"},
		{"%8x", []interface{}{uint64(0xbeef)}, "0000beef"},
		{"%s/%s", []interface{}{"a", []byte("b")}, "a/b"},
		{"%3s", []interface{}{"b"}, "  b"},
		{"%t %t", []interface{}{true, false}, "true false"},
		{"%d", nil, "(MISSING)"},
		{"%t", []interface{}{"not a bool"}, "%!(WRONGTYPE)"},
		{"ok", []interface{}{1}, "ok%!(EXTRA)"},
	}

	var buf bytes.Buffer
	for specIndex, spec := range specs {
		buf.Reset()
		Fprintf(&buf, spec.format, spec.args...)
		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestPrintfBuffersUntilSinkAttached(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer.rIndex = 0
		earlyPrintBuffer.wIndex = 0
	}()
	outputSink = nil
	earlyPrintBuffer.rIndex = 0
	earlyPrintBuffer.wIndex = 0

	Printf("early %d", 1)

	var buf bytes.Buffer
	SetOutputSink(&buf)
	if got := buf.String(); got != "early 1" {
		t.Fatalf("expected the ring buffer contents to be flushed to the new sink; got %q", got)
	}

	Printf(" late")
	if got := buf.String(); got != "early 1 late" {
		t.Fatalf("expected direct writes after the sink attached; got %q", got)
	}
}

func TestRingBufferOverwritesOldestBytes(t *testing.T) {
	var rb ringBuffer

	payload := make([]byte, ringBufferSize+16)
	for i := range payload {
		payload[i] = byte('a' + i%16)
	}
	rb.Write(payload)

	// A wrapped ring takes two reads to drain: the tail of the buffer
	// first, then the wrapped-around head.
	out := make([]byte, 2*ringBufferSize)
	n1, _ := rb.Read(out)
	n2, _ := rb.Read(out[n1:])
	total := n1 + n2
	if total >= ringBufferSize {
		t.Fatalf("expected the ring to retain fewer than %d bytes; got %d", ringBufferSize, total)
	}
	if got, want := out[total-1], payload[len(payload)-1]; got != want {
		t.Fatalf("expected the newest byte to survive; got %q want %q", got, want)
	}
}

func TestPrefixWriterTagsEachLine(t *testing.T) {
	var buf bytes.Buffer
	pw := NewPrefixWriter("[vmm] ", &buf)

	pw.Write([]byte("one\ntwo\n"))
	pw.Write([]byte("three"))

	if got, want := buf.String(), "[vmm] one\n[vmm] two\n[vmm] three"; got != want {
		t.Fatalf("expected %q; got %q", want, got)
	}
}

func TestPanicHaltsWithFormattedError(t *testing.T) {
	defer func(origHalt func()) {
		haltFn = origHalt
		outputSink = nil
	}(haltFn)

	var halted bool
	haltFn = func() { halted = true }

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Panic(&kernel.Error{Module: "test", Message: "it broke"})

	if !halted {
		t.Fatal("expected Panic to halt the CPU")
	}
	if !bytes.Contains(buf.Bytes(), []byte("[test] unrecoverable error: it broke")) {
		t.Fatalf("expected the error banner in the output; got %q", buf.String())
	}
}
