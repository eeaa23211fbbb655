// Package bootinfo defines the record that the stage-1 loader hands to the
// kernel entry point together with the firmware memory map it carries. The
// package is shared by the loader and the kernel and must therefore remain a
// leaf with a fixed, ABI-stable layout.
package bootinfo

import "unsafe"

// Magic is the constant both loader and kernel builds agree on. The kernel
// validates it before touching any other BootInfo field; a mismatch means
// the two images were built against different handoff layouts.
const Magic uint64 = 0x6e6f726e2d676f21 // "norn-go!"

const (
	// DirectMapBase is the virtual address where the kernel maps all
	// physical memory once it rebuilds its own page tables. A physical
	// address p is reachable at DirectMapBase+p afterwards.
	DirectMapBase uintptr = 0xffff888000000000

	// PercpuBase is the fixed virtual base address that the loader
	// relocates the per-CPU template segment to. ELF segments with a zero
	// virtual address use this convention.
	PercpuBase uintptr = 0xffff890000000000
)

// Firmware memory descriptor types as reported by the firmware memory map.
const (
	FirmwareReservedMemoryType uint32 = iota
	FirmwareLoaderCode
	FirmwareLoaderData
	FirmwareBootServicesCode
	FirmwareBootServicesData
	FirmwareRuntimeServicesCode
	FirmwareRuntimeServicesData
	FirmwareConventionalMemory
	FirmwareUnusableMemory
	FirmwareACPIReclaimMemory
	FirmwareACPIMemoryNVS
	FirmwareMemoryMappedIO
	FirmwareMemoryMappedIOPortSpace
	FirmwarePalCode
	FirmwarePersistentMemory

	// FirmwareNornReserved is a private memory type (inside the range the
	// firmware spec reserves for OS use) that the loader passes to the
	// firmware page allocator for every allocation it performs on the
	// kernel's behalf. It lets the kernel recognize "already mine" regions
	// in the inherited map.
	FirmwareNornReserved uint32 = 0x80000000
)

// RegionType is the kernel-side classification of a memory map region.
type RegionType uint32

const (
	// RegionUsable indicates memory that is free for allocation.
	RegionUsable RegionType = iota

	// RegionReserved indicates firmware-reserved memory that must never
	// be touched.
	RegionReserved

	// RegionAcpiReclaimable indicates memory holding ACPI tables; it can
	// be reclaimed once the tables have been parsed.
	RegionAcpiReclaimable

	// RegionAcpiNvs indicates memory that must be preserved across sleep
	// states.
	RegionAcpiNvs

	// RegionMmio indicates memory-mapped device I/O space.
	RegionMmio

	// RegionUnusable indicates memory where errors were detected.
	RegionUnusable

	// RegionLoaderData indicates memory holding loader code or data.
	RegionLoaderData

	// RegionBootServices indicates memory used by firmware boot services;
	// it is reclaimable once the firmware services have been exited.
	RegionBootServices

	// RegionNornReserved indicates pages the loader allocated on the
	// kernel's behalf during the handoff window (kernel image, page
	// tables, boot structures). Distinct from the firmware types so the
	// buddy allocator never reissues them.
	RegionNornReserved
)

// ClassifyFirmwareType maps a firmware memory descriptor type to its
// kernel-side classification. Unknown types are treated as reserved.
func ClassifyFirmwareType(fwType uint32) RegionType {
	switch fwType {
	case FirmwareConventionalMemory:
		return RegionUsable
	case FirmwareBootServicesCode, FirmwareBootServicesData:
		return RegionBootServices
	case FirmwareLoaderCode, FirmwareLoaderData:
		return RegionLoaderData
	case FirmwareACPIReclaimMemory:
		return RegionAcpiReclaimable
	case FirmwareACPIMemoryNVS:
		return RegionAcpiNvs
	case FirmwareMemoryMappedIO, FirmwareMemoryMappedIOPortSpace:
		return RegionMmio
	case FirmwareUnusableMemory:
		return RegionUnusable
	case FirmwareNornReserved:
		return RegionNornReserved
	default:
		return RegionReserved
	}
}

// Allocatable returns true if pages in a region of this type may be handed
// to the physical allocators. Boot-services regions become reclaimable the
// moment firmware services are exited, which always happens before any
// kernel allocator is seeded.
func (t RegionType) Allocatable() bool {
	return t == RegionUsable || t == RegionBootServices
}

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionAcpiReclaimable:
		return "ACPI (reclaimable)"
	case RegionAcpiNvs:
		return "ACPI NVS"
	case RegionMmio:
		return "MMIO"
	case RegionUnusable:
		return "unusable"
	case RegionLoaderData:
		return "loader"
	case RegionBootServices:
		return "boot services"
	case RegionNornReserved:
		return "norn reserved"
	default:
		return "unknown"
	}
}

// MemoryDescriptor describes a single region of the firmware memory map.
// Firmware revisions may append fields, which is why consumers must never
// iterate the descriptor buffer with unsafe.Sizeof(MemoryDescriptor{}) as
// the stride; the authoritative stride is MemoryMap.DescriptorSize.
type MemoryDescriptor struct {
	Type          uint32
	_             uint32
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

// PhysicalEnd returns the first physical address past the region.
func (d *MemoryDescriptor) PhysicalEnd() uint64 {
	return d.PhysicalStart + d.NumberOfPages*4096
}

// MemoryMap describes the firmware memory map snapshot: an opaque descriptor
// buffer plus the metadata needed to iterate it.
type MemoryMap struct {
	// Descriptors points to the first descriptor in the buffer.
	Descriptors uintptr

	// BufferSize is the size of the allocated buffer; it may exceed
	// MapSize to tolerate map growth between allocation and query.
	BufferSize uint64

	// MapSize is the number of buffer bytes actually holding descriptors.
	MapSize uint64

	// MapKey identifies this snapshot to the firmware; exiting firmware
	// services with a stale key fails.
	MapKey uint64

	// DescriptorSize is the stride between consecutive descriptors.
	DescriptorSize uint64

	// DescriptorVersion is the firmware descriptor layout revision.
	DescriptorVersion uint32
	_                 uint32
}

// RegionVisitor is invoked by VisitRegions for each descriptor in the map.
// Returning false aborts the scan.
type RegionVisitor func(desc *MemoryDescriptor) bool

// VisitRegions walks the descriptor buffer invoking visitor for every
// region. The walk strides by DescriptorSize so it stays correct for
// firmware revisions whose descriptors are wider than MemoryDescriptor.
func (m *MemoryMap) VisitRegions(visitor RegionVisitor) {
	if m.DescriptorSize == 0 {
		return
	}

	curPtr := m.Descriptors
	endPtr := m.Descriptors + uintptr(m.MapSize)

	for curPtr+uintptr(m.DescriptorSize) <= endPtr {
		if !visitor((*MemoryDescriptor)(unsafe.Pointer(curPtr))) {
			return
		}
		curPtr += uintptr(m.DescriptorSize)
	}
}

// DescriptorCount returns the number of descriptors in the map.
func (m *MemoryMap) DescriptorCount() int {
	if m.DescriptorSize == 0 {
		return 0
	}
	return int(m.MapSize / m.DescriptorSize)
}

// TotalPagesOfType sums the page counts of all regions whose classification
// matches t.
func (m *MemoryMap) TotalPagesOfType(t RegionType) uint64 {
	var total uint64
	m.VisitRegions(func(desc *MemoryDescriptor) bool {
		if ClassifyFirmwareType(desc.Type) == t {
			total += desc.NumberOfPages
		}
		return true
	})
	return total
}

// CloneInto copies the descriptor buffer into dst (which must be at least
// MapSize bytes long) and returns a MemoryMap describing the copy. The
// returned map shares no memory with the original, which may be freed or
// overwritten afterwards.
func (m *MemoryMap) CloneInto(dst uintptr) MemoryMap {
	clone := *m
	clone.Descriptors = dst
	clone.BufferSize = m.MapSize

	src := *(*[]byte)(unsafe.Pointer(&sliceHeader{Data: m.Descriptors, Len: int(m.MapSize), Cap: int(m.MapSize)}))
	dstSlice := *(*[]byte)(unsafe.Pointer(&sliceHeader{Data: dst, Len: int(m.MapSize), Cap: int(m.MapSize)}))
	copy(dstSlice, src)

	return clone
}

type sliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}

// Initramfs describes the physical location of the initial ramdisk image.
type Initramfs struct {
	Addr uint64
	Size uint64
}

// BootInfo is the fixed-layout record passed by value across the control
// transfer from loader entry to kernel entry. All pointer-valued fields
// reference memory that is only guaranteed valid until the kernel rebuilds
// its own address space; the kernel must deep-copy what it needs before that
// point.
type BootInfo struct {
	// Magic must equal the package Magic constant.
	Magic uint64

	// MemoryMap is the firmware memory map snapshot taken immediately
	// before firmware services were exited.
	MemoryMap MemoryMap

	// Rsdp is the physical address of the ACPI root pointer.
	Rsdp uintptr

	// PercpuBase is the virtual base the per-CPU template segment was
	// relocated to.
	PercpuBase uint64

	// Initramfs is the physical location of the initial ramdisk.
	Initramfs Initramfs

	// Cmdline points to a NUL-terminated byte sequence or is 0 when no
	// command line was supplied.
	Cmdline uintptr
}
