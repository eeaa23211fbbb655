package bootinfo

import (
	"testing"
	"unsafe"
)

// buildMap assembles a descriptor buffer using the supplied stride, which
// may exceed unsafe.Sizeof(MemoryDescriptor{}) to emulate firmware
// revisions with wider descriptors.
func buildMap(descs []MemoryDescriptor, stride uint64) ([]byte, MemoryMap) {
	buf := make([]byte, uint64(len(descs))*stride+16)

	for i, d := range descs {
		src := *(*[unsafe.Sizeof(MemoryDescriptor{})]byte)(unsafe.Pointer(&d))
		copy(buf[uint64(i)*stride:], src[:])
	}

	return buf, MemoryMap{
		Descriptors:       uintptr(unsafe.Pointer(&buf[0])),
		BufferSize:        uint64(len(buf)),
		MapSize:           uint64(len(descs)) * stride,
		MapKey:            42,
		DescriptorSize:    stride,
		DescriptorVersion: 1,
	}
}

func TestVisitRegionsStridesByDescriptorSize(t *testing.T) {
	descs := []MemoryDescriptor{
		{Type: FirmwareConventionalMemory, PhysicalStart: 0x0, NumberOfPages: 159},
		{Type: FirmwareReservedMemoryType, PhysicalStart: 0x9f000, NumberOfPages: 97},
		{Type: FirmwareConventionalMemory, PhysicalStart: 0x100000, NumberOfPages: 32480},
	}

	descSize := uint64(unsafe.Sizeof(MemoryDescriptor{}))
	for _, stride := range []uint64{descSize, descSize + 8, descSize + 16} {
		buf, mmap := buildMap(descs, stride)

		if got := mmap.DescriptorCount(); got != len(descs) {
			t.Errorf("[stride %d] expected %d descriptors; got %d", stride, len(descs), got)
		}

		var visited int
		mmap.VisitRegions(func(desc *MemoryDescriptor) bool {
			if desc.PhysicalStart != descs[visited].PhysicalStart {
				t.Errorf("[stride %d] descriptor %d: expected start 0x%x; got 0x%x",
					stride, visited, descs[visited].PhysicalStart, desc.PhysicalStart)
			}
			visited++
			return true
		})

		if visited != len(descs) {
			t.Errorf("[stride %d] expected to visit %d descriptors; visited %d", stride, len(descs), visited)
		}

		_ = buf
	}
}

func TestVisitRegionsNeverReadsPastMapSize(t *testing.T) {
	descs := []MemoryDescriptor{
		{Type: FirmwareConventionalMemory, NumberOfPages: 1},
		{Type: FirmwareConventionalMemory, NumberOfPages: 2},
	}

	descSize := uint64(unsafe.Sizeof(MemoryDescriptor{}))
	_, mmap := buildMap(descs, descSize)

	// Truncate the map so only a partial second descriptor remains; the
	// walk must stop after the first one.
	mmap.MapSize = descSize + 8

	var visited int
	mmap.VisitRegions(func(desc *MemoryDescriptor) bool {
		visited++
		return true
	})

	if visited != 1 {
		t.Fatalf("expected a truncated map to yield 1 descriptor; visited %d", visited)
	}
}

func TestVisitRegionsAbortsWhenVisitorReturnsFalse(t *testing.T) {
	descs := []MemoryDescriptor{{}, {}, {}}
	_, mmap := buildMap(descs, uint64(unsafe.Sizeof(MemoryDescriptor{})))

	var visited int
	mmap.VisitRegions(func(desc *MemoryDescriptor) bool {
		visited++
		return false
	})

	if visited != 1 {
		t.Fatalf("expected the scan to abort after the first visit; visited %d", visited)
	}
}

func TestClassifyFirmwareType(t *testing.T) {
	specs := []struct {
		fwType uint32
		exp    RegionType
	}{
		{FirmwareConventionalMemory, RegionUsable},
		{FirmwareBootServicesCode, RegionBootServices},
		{FirmwareBootServicesData, RegionBootServices},
		{FirmwareLoaderCode, RegionLoaderData},
		{FirmwareLoaderData, RegionLoaderData},
		{FirmwareACPIReclaimMemory, RegionAcpiReclaimable},
		{FirmwareACPIMemoryNVS, RegionAcpiNvs},
		{FirmwareMemoryMappedIO, RegionMmio},
		{FirmwareMemoryMappedIOPortSpace, RegionMmio},
		{FirmwareUnusableMemory, RegionUnusable},
		{FirmwareNornReserved, RegionNornReserved},
		{FirmwareReservedMemoryType, RegionReserved},
		{FirmwareRuntimeServicesCode, RegionReserved},
		{0xdeadbeef, RegionReserved},
	}

	for specIndex, spec := range specs {
		if got := ClassifyFirmwareType(spec.fwType); got != spec.exp {
			t.Errorf("[spec %d] expected firmware type %d to classify as %s; got %s",
				specIndex, spec.fwType, spec.exp, got)
		}
	}

	for _, rt := range []RegionType{
		RegionUsable, RegionReserved, RegionAcpiReclaimable, RegionAcpiNvs,
		RegionMmio, RegionUnusable, RegionLoaderData, RegionBootServices,
		RegionNornReserved, RegionType(0xffff),
	} {
		if rt.String() == "" {
			t.Errorf("expected a non-empty name for region type %d", rt)
		}
	}
}

func TestAllocatable(t *testing.T) {
	allocatable := map[RegionType]bool{
		RegionUsable:       true,
		RegionBootServices: true,
	}

	for rt := RegionUsable; rt <= RegionNornReserved; rt++ {
		if got := rt.Allocatable(); got != allocatable[rt] {
			t.Errorf("expected Allocatable() for %s to be %t", rt, allocatable[rt])
		}
	}
}

func TestCloneIntoIsADeepCopy(t *testing.T) {
	descs := []MemoryDescriptor{
		{Type: FirmwareConventionalMemory, PhysicalStart: 0x1000, NumberOfPages: 16},
		{Type: FirmwareNornReserved, PhysicalStart: 0x20000, NumberOfPages: 4},
	}
	buf, mmap := buildMap(descs, uint64(unsafe.Sizeof(MemoryDescriptor{})))

	dst := make([]byte, mmap.MapSize)
	clone := mmap.CloneInto(uintptr(unsafe.Pointer(&dst[0])))

	// Poison the original buffer; the clone must be unaffected.
	for i := range buf {
		buf[i] = 0xff
	}

	var visited int
	clone.VisitRegions(func(desc *MemoryDescriptor) bool {
		if desc.PhysicalStart != descs[visited].PhysicalStart ||
			desc.NumberOfPages != descs[visited].NumberOfPages ||
			desc.Type != descs[visited].Type {
			t.Errorf("descriptor %d: clone diverged after the source was poisoned", visited)
		}
		visited++
		return true
	})

	if visited != len(descs) {
		t.Fatalf("expected the clone to contain %d descriptors; visited %d", len(descs), visited)
	}

	if clone.BufferSize != mmap.MapSize {
		t.Errorf("expected clone buffer size to shrink to map size")
	}
}

func TestTotalPagesOfType(t *testing.T) {
	descs := []MemoryDescriptor{
		{Type: FirmwareConventionalMemory, NumberOfPages: 100},
		{Type: FirmwareReservedMemoryType, NumberOfPages: 7},
		{Type: FirmwareConventionalMemory, NumberOfPages: 28},
	}
	_, mmap := buildMap(descs, uint64(unsafe.Sizeof(MemoryDescriptor{})))

	if got := mmap.TotalPagesOfType(RegionUsable); got != 128 {
		t.Errorf("expected 128 usable pages; got %d", got)
	}
	if got := mmap.TotalPagesOfType(RegionReserved); got != 7 {
		t.Errorf("expected 7 reserved pages; got %d", got)
	}
}
