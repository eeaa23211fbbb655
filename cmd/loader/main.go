package main

import (
	"github.com/smallkirby/norn-sub003/kernel"
	"github.com/smallkirby/norn-sub003/loader"
)

// The firmware entry stub stores these before control reaches main: the
// application image handle and system table address handed over by the
// firmware, and the kernel image, initramfs and boot parameter file that the
// build step packs alongside the loader binary.
var (
	imageHandle uintptr
	systemTable uintptr

	kernelImage    []byte
	initramfsImage []byte
	paramFile      []byte
)

// main runs the boot sequence. Run only returns on error, which is fatal:
// the error is logged to the firmware console and the machine halts.
func main() {
	l := loader.New(imageHandle, systemTable)
	if err := l.Run(kernelImage, initramfsImage, paramFile); err != nil {
		kernel.Panic(err)
	}
}
