package kfmt

import (
	"gopheros/kernel"
	"gopheros/kernel/cpu"
)

// haltFn is mocked by tests and is automatically inlined by the compiler
// when compiling the kernel image.
var haltFn = cpu.Halt

var errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

// Panic outputs the supplied error (if any) to the console and halts the
// CPU. Calls to Panic never return.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn()
}
