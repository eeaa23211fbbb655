package loader

import "github.com/smallkirby/norn-sub003/kernel/bootinfo"

// kernelTrampoline switches to the freshly mapped kernel stack and transfers
// control to the kernel entry point, passing the boot info address with the
// kernel's calling convention. It never returns.
//
// Implemented in entry_amd64.s.
func kernelTrampoline(entry uintptr, bootInfo *bootinfo.BootInfo, stackTop uintptr)
