package uefi

// sysCallService dereferences the function pointer stored in the service
// table slot and invokes it with up to five arguments using the Microsoft
// x64 calling convention that UEFI firmware expects.
//
// Implemented in call_amd64.s.
func sysCallService(slot, a1, a2, a3, a4, a5 uintptr) Status

// callServiceFn is swapped by tests that fake the firmware.
var callServiceFn = sysCallService
