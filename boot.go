package main

import "github.com/smallkirby/norn-sub003/kernel/kmain"

var bootInfoPtr uintptr

// main makes a dummy call to the actual kernel entrypoint function. It is
// intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code.
//
// A global variable is passed as an argument to Kmain to prevent the compiler
// from inlining the actual call and removing Kmain from the generated .o file.
//
// The entry trampoline set up by the loader never executes main; it jumps
// straight to kmain.Kmain with the boot info address after preparing a
// minimal g0 struct.
func main() {
	kmain.Kmain(bootInfoPtr)
}
