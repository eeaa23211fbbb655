// Package uefi provides the thin firmware interface the loader runs on:
// system table discovery, boot services calls and the firmware text console.
// Service tables are accessed through fixed field offsets, so no firmware
// struct layouts need to be declared.
package uefi

import (
	"unsafe"

	"github.com/smallkirby/norn-sub003/kernel"
	"github.com/smallkirby/norn-sub003/kernel/bootinfo"
)

// EFI_SYSTEM_TABLE field offsets.
const (
	sysTabConOut      = 0x40
	sysTabBootSvc     = 0x60
	sysTabCfgEntries  = 0x68
	sysTabCfgTable    = 0x70
	cfgTableEntrySize = 24
)

// EFI_BOOT_SERVICES function slot offsets.
const (
	bootSvcAllocatePages    = 0x28
	bootSvcFreePages        = 0x30
	bootSvcGetMemoryMap     = 0x38
	bootSvcAllocatePool     = 0x40
	bootSvcExitBootServices = 0xe8
)

// EFI_ALLOCATE_TYPE values for AllocatePages.
const (
	AllocateAnyPages = iota
	AllocateMaxAddress
	AllocateAddress
)

// acpiGUID identifies the ACPI 2.0 table vendor entry
// (8868e871-e4f1-11d3-bc22-0080c73c8881) in its in-memory byte order.
var acpiGUID = [16]byte{
	0x71, 0xe8, 0x68, 0x88, 0xf1, 0xe4, 0xd3, 0x11,
	0xbc, 0x22, 0x00, 0x80, 0xc7, 0x3c, 0x88, 0x81,
}

// SystemTable wraps the EFI system table handed to the loader entry point.
type SystemTable struct {
	base uintptr
}

// NewSystemTable wraps the system table at the supplied address.
func NewSystemTable(base uintptr) *SystemTable {
	return &SystemTable{base: base}
}

func (st *SystemTable) field(off uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(st.base + off))
}

// BootServices returns the firmware boot services table.
func (st *SystemTable) BootServices() *BootServices {
	return &BootServices{base: st.field(sysTabBootSvc)}
}

// ConsoleOut returns a writer backed by the firmware text output protocol.
func (st *SystemTable) ConsoleOut() *TextOutput {
	return &TextOutput{base: st.field(sysTabConOut)}
}

// FindRsdp scans the firmware configuration table for the ACPI 2.0 entry and
// returns the physical address of the RSDP it points at.
func (st *SystemTable) FindRsdp() (uintptr, *kernel.Error) {
	var (
		count = st.field(sysTabCfgEntries)
		table = st.field(sysTabCfgTable)
	)

	for i := uintptr(0); i < count; i++ {
		entry := table + i*cfgTableEntrySize
		if *(*[16]byte)(unsafe.Pointer(entry)) == acpiGUID {
			return *(*uintptr)(unsafe.Pointer(entry + 16)), nil
		}
	}

	return 0, ErrNotFound
}

// BootServices exposes the subset of EFI boot services the loader uses.
type BootServices struct {
	base uintptr
}

// AllocatePages allocates pageCount physical pages of the given firmware
// memory type. With AllocateAddress the allocation is placed exactly at addr;
// with AllocateAnyPages addr is ignored. The placement address is returned.
func (bs *BootServices) AllocatePages(allocType int, memType uint32, pageCount uint64, addr uint64) (uint64, *kernel.Error) {
	status := callServiceFn(bs.base+bootSvcAllocatePages,
		uintptr(allocType),
		uintptr(memType),
		uintptr(pageCount),
		uintptr(unsafe.Pointer(&addr)),
		0,
	)

	return addr, status.Err()
}

// FreePages returns pages obtained from AllocatePages to the firmware.
func (bs *BootServices) FreePages(addr uint64, pageCount uint64) *kernel.Error {
	status := callServiceFn(bs.base+bootSvcFreePages,
		uintptr(addr),
		uintptr(pageCount),
		0, 0, 0,
	)

	return status.Err()
}

// AllocatePool allocates a byte-granular buffer of the given firmware memory
// type and returns its address.
func (bs *BootServices) AllocatePool(memType uint32, size uint64) (uintptr, *kernel.Error) {
	var buf uintptr

	status := callServiceFn(bs.base+bootSvcAllocatePool,
		uintptr(memType),
		uintptr(size),
		uintptr(unsafe.Pointer(&buf)),
		0, 0,
	)

	return buf, status.Err()
}

// GetMemoryMap snapshots the firmware memory map into the buffer described by
// mm.Descriptors/mm.BufferSize and fills in the snapshot metadata. When the
// buffer is too small the call returns ErrBufferTooSmall and mm.MapSize holds
// the required size.
func (bs *BootServices) GetMemoryMap(mm *bootinfo.MemoryMap) *kernel.Error {
	size := mm.BufferSize

	status := callServiceFn(bs.base+bootSvcGetMemoryMap,
		uintptr(unsafe.Pointer(&size)),
		mm.Descriptors,
		uintptr(unsafe.Pointer(&mm.MapKey)),
		uintptr(unsafe.Pointer(&mm.DescriptorSize)),
		uintptr(unsafe.Pointer(&mm.DescriptorVersion)),
	)

	mm.MapSize = size
	return status.Err()
}

// ExitBootServices terminates firmware boot services. The mapKey must match
// the most recent memory map snapshot; a stale key fails with
// ErrInvalidParameter and requires a fresh snapshot before retrying.
func (bs *BootServices) ExitBootServices(imageHandle uintptr, mapKey uint64) *kernel.Error {
	status := callServiceFn(bs.base+bootSvcExitBootServices,
		imageHandle,
		uintptr(mapKey),
		0, 0, 0,
	)

	return status.Err()
}
