// Package kmain contains the kernel entry point invoked by the stage-1
// loader once firmware services are gone.
package kmain

import (
	"unsafe"

	"github.com/smallkirby/norn-sub003/kernel"
	"github.com/smallkirby/norn-sub003/kernel/bootinfo"
	"github.com/smallkirby/norn-sub003/kernel/driver/serial"
	"github.com/smallkirby/norn-sub003/kernel/kboot"
	"github.com/smallkirby/norn-sub003/kernel/kfmt"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	consoleInitFn = initConsole
	reconstructFn = kboot.Reconstruct
	panicFn       = kernel.Panic

	errBootInfoMagic = &kernel.Error{Module: "kmain", Message: "boot info magic mismatch"}
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// initConsole attaches the boot log to the first serial port and drains
// everything buffered so far.
func initConsole() {
	kfmt.SetOutputSink(serial.NewPort(serial.COM1))
}

// Kmain is the only Go symbol that is visible (exported) from the kernel
// entry trampoline. The trampoline receives the boot info record from the
// loader and passes its address here after setting up a minimal g0 struct
// that allows running Go code on the loader-provided stack.
//
// Kmain is not expected to return. If it does, the trampoline halts the CPU.
//
//go:noinline
func Kmain(bootInfoPtr uintptr) {
	bi := (*bootinfo.BootInfo)(unsafe.Pointer(bootInfoPtr))

	// The magic is validated before any other handoff field is read. A
	// mismatch means the loader and the kernel were built against
	// different handoff layouts and nothing in the record can be trusted.
	if bi == nil || bi.Magic != bootinfo.Magic {
		panicFn(errBootInfoMagic)
		return
	}

	consoleInitFn()
	kfmt.Printf("[kmain] boot info at 0x%x, firmware map key 0x%x\n", bootInfoPtr, bi.MemoryMap.MapKey)

	state, err := reconstructFn(bi, kboot.Config{
		EarlyVirtOffset: 0,
		DirectMapOffset: bootinfo.DirectMapBase,
	})
	if err != nil {
		panicFn(err)
		return
	}

	if cmdline := state.Cmdline(); len(cmdline) != 0 {
		kfmt.Printf("[kmain] cmdline: %s\n", cmdline)
	}
	if state.Initramfs.Size != 0 {
		kfmt.Printf("[kmain] initramfs: %d bytes at 0x%x\n", state.Initramfs.Size, state.Initramfs.Addr)
	}

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
