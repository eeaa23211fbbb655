package kboot

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/smallkirby/norn-sub003/kernel/bootinfo"
	"github.com/smallkirby/norn-sub003/kernel/mm"
	"github.com/smallkirby/norn-sub003/kernel/mm/vmm"
)

// Synthetic physical layout used by the handoff tests. Offsets are physical
// addresses backed by a heap arena, except the MMIO range which is never
// dereferenced.
const (
	testLoaderBase   = uintptr(0x0)     // loader-reserved region, 16 pages
	testInitramfsOff = uintptr(0x0)     // initramfs source bytes
	testCmdlineOff   = uintptr(0x2000)  // command line source bytes
	testMapBufferOff = uintptr(0x3000)  // firmware map descriptor buffer
	testReservedBase = uintptr(0x10000) // firmware-reserved, 4 pages
	testAcpiBase     = uintptr(0x14000) // ACPI reclaimable, 2 pages
	testUsableBase   = uintptr(0x20000) // conventional, 512 pages
	testMmioBase     = uintptr(0xfec00000)

	testUsablePages = 512
	testArenaPages  = 545
)

var testCmdline = []byte("console=ttyS0 loglevel=7")

// makeHandoff builds a BootInfo whose pointers reference the supplied arena,
// arranged as if an identity-mapped loader produced it. The returned offset
// converts the synthetic physical addresses into arena addresses.
func makeHandoff(t *testing.T) (*bootinfo.BootInfo, uintptr, []byte) {
	t.Helper()

	arena := make([]byte, (testArenaPages+1)*int(mm.PageSize))
	arenaAddr := (uintptr(unsafe.Pointer(&arena[0])) + mm.PageSize - 1) & ^(mm.PageSize - 1)
	phys := func(off uintptr) []byte {
		base := arenaAddr - uintptr(unsafe.Pointer(&arena[0])) + off
		return arena[base:]
	}

	// Initramfs source: a recognizable pattern spanning two pages.
	initramfs := phys(testInitramfsOff)
	for i := 0; i < 5000; i++ {
		initramfs[i] = byte(i * 7)
	}

	copy(phys(testCmdlineOff), testCmdline)
	phys(testCmdlineOff)[len(testCmdline)] = 0

	descs := []bootinfo.MemoryDescriptor{
		{Type: bootinfo.FirmwareNornReserved, PhysicalStart: uint64(testLoaderBase), NumberOfPages: 16},
		{Type: bootinfo.FirmwareReservedMemoryType, PhysicalStart: uint64(testReservedBase), NumberOfPages: 4},
		{Type: bootinfo.FirmwareACPIReclaimMemory, PhysicalStart: uint64(testAcpiBase), NumberOfPages: 2},
		{Type: bootinfo.FirmwareConventionalMemory, PhysicalStart: uint64(testUsableBase), NumberOfPages: testUsablePages},
		{Type: bootinfo.FirmwareMemoryMappedIO, PhysicalStart: uint64(testMmioBase), NumberOfPages: 16},
	}
	stride := unsafe.Sizeof(bootinfo.MemoryDescriptor{})
	buffer := phys(testMapBufferOff)
	for i, d := range descs {
		src := *(*[unsafe.Sizeof(bootinfo.MemoryDescriptor{})]byte)(unsafe.Pointer(&d))
		copy(buffer[uintptr(i)*stride:], src[:])
	}

	bi := &bootinfo.BootInfo{
		Magic: bootinfo.Magic,
		MemoryMap: bootinfo.MemoryMap{
			Descriptors:       testMapBufferOff,
			BufferSize:        uint64(mm.PageSize),
			MapSize:           uint64(len(descs)) * uint64(stride),
			MapKey:            0x1122,
			DescriptorSize:    uint64(stride),
			DescriptorVersion: 1,
		},
		Rsdp:       testAcpiBase,
		PercpuBase: uint64(bootinfo.PercpuBase),
		Initramfs:  bootinfo.Initramfs{Addr: uint64(testInitramfsOff), Size: 5000},
		Cmdline:    testCmdlineOff,
	}

	return bi, arenaAddr, arena
}

func stubActivate(t *testing.T) *int {
	t.Helper()

	activations := new(int)
	orig := activatePdtFn
	activatePdtFn = func(*vmm.PageDirectoryTable) { *activations++ }
	t.Cleanup(func() {
		activatePdtFn = orig
		mm.SetFrameAllocator(nil)
	})

	return activations
}

func reconstructTestHandoff(t *testing.T) (*KernelBootState, *bootinfo.BootInfo, uintptr, []byte, *int) {
	t.Helper()

	bi, arenaAddr, arena := makeHandoff(t)
	activations := stubActivate(t)

	state, err := Reconstruct(bi, Config{
		EarlyVirtOffset: arenaAddr,
		DirectMapOffset: arenaAddr,
	})
	if err != nil {
		t.Fatalf("reconstruction failed: %v", err)
	}

	return state, bi, arenaAddr, arena, activations
}

func TestReconstructCopiesFirmwareData(t *testing.T) {
	state, bi, arenaAddr, arena, activations := reconstructTestHandoff(t)
	defer func() { _ = arena }()

	if *activations != 1 {
		t.Fatalf("expected the rebuilt tables to be activated once; got %d", *activations)
	}

	// The map copy must live in kernel-owned memory and the inherited
	// buffer must be unreachable through the handoff record.
	if got := state.MemoryMap.Descriptors; got == arenaAddr+testMapBufferOff {
		t.Fatal("expected the memory map to be copied out of the loader buffer")
	}
	if bi.MemoryMap.Descriptors != 0 {
		t.Fatal("expected the inherited map reference to be cleared")
	}

	// Poison the original buffer; the copy must be unaffected.
	for i := uintptr(0); i < uintptr(mm.PageSize); i++ {
		*(*byte)(unsafe.Pointer(arenaAddr + testMapBufferOff + i)) = 0xff
	}
	if got := state.MemoryMap.DescriptorCount(); got != 5 {
		t.Fatalf("expected 5 descriptors in the kernel copy; got %d", got)
	}
	if got := state.MemoryMap.TotalPagesOfType(bootinfo.RegionUsable); got != testUsablePages {
		t.Fatalf("expected %d usable pages in the kernel copy; got %d", testUsablePages, got)
	}

	// Initramfs bytes moved into bootstrap pages inside the usable region.
	if state.Initramfs.Size != 5000 {
		t.Fatalf("expected the initramfs size to carry over; got %d", state.Initramfs.Size)
	}
	if state.Initramfs.Addr == uint64(testInitramfsOff) {
		t.Fatal("expected the initramfs to be copied to a new location")
	}
	copied := *(*[5000]byte)(unsafe.Pointer(uintptr(state.Initramfs.Addr) + arenaAddr))
	for i := 0; i < 5000; i++ {
		if copied[i] != byte(i*7) {
			t.Fatalf("initramfs byte %d corrupted: got 0x%x", i, copied[i])
		}
	}

	if !bytes.Equal(state.Cmdline(), testCmdline) {
		t.Fatalf("expected command line %q; got %q", testCmdline, state.Cmdline())
	}

	if state.Rsdp != testAcpiBase {
		t.Fatalf("expected the ACPI root pointer to carry over; got 0x%x", state.Rsdp)
	}
}

func TestReconstructRebuildsMappings(t *testing.T) {
	state, _, arenaAddr, arena, _ := reconstructTestHandoff(t)
	defer func() { _ = arena }()

	// Usable, loader-reserved and MMIO regions are reachable through the
	// direct map.
	for _, spec := range []struct {
		virtAddr uintptr
		physAddr uintptr
	}{
		{arenaAddr + testUsableBase, testUsableBase},
		{arenaAddr + testLoaderBase, testLoaderBase},
		{arenaAddr + testAcpiBase, testAcpiBase},
		{arenaAddr + testMmioBase + 0x42, testMmioBase + 0x42},
	} {
		physAddr, err := state.PDT.Translate(spec.virtAddr)
		if err != nil {
			t.Fatalf("expected 0x%x to be mapped: %v", spec.virtAddr, err)
		}
		if physAddr != spec.physAddr {
			t.Fatalf("expected 0x%x to translate to 0x%x; got 0x%x", spec.virtAddr, spec.physAddr, physAddr)
		}
	}

	// Firmware-reserved memory stays unmapped.
	if _, err := state.PDT.Translate(arenaAddr + testReservedBase); err != vmm.ErrInvalidMapping {
		t.Fatalf("expected the reserved region to be unmapped; got %v", err)
	}
}

func TestReconstructAllocatorAccounting(t *testing.T) {
	state, _, _, arena, _ := reconstructTestHandoff(t)
	defer func() { _ = arena }()

	// Every usable page is either free in the buddy allocator or recorded
	// in the bootstrap journal; the freed map buffer page is extra.
	bufferPages := uint64(1)
	expManaged := uint64(testUsablePages) - state.bootstrap.AllocatedPages() + bufferPages
	if got := state.Buddy.ManagedPageCount(); got != expManaged {
		t.Fatalf("expected the buddy to manage %d pages; got %d", expManaged, got)
	}
	if got := state.Buddy.FreePageCount(); got != expManaged {
		t.Fatalf("expected all managed pages free; got %d of %d", got, expManaged)
	}

	// The global allocator registration now resolves to the buddy.
	frame, err := mm.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if !frame.Valid() {
		t.Fatal("expected a valid frame from the registered allocator")
	}
	if got := state.Buddy.FreePageCount(); got != expManaged-1 {
		t.Fatalf("expected the frame to come from the buddy; free count %d", got)
	}

	// The heap draws from the same buddy allocator.
	if _, err := state.Heap.Alloc(64); err != nil {
		t.Fatal(err)
	}
	if got := state.Buddy.FreePageCount(); got != expManaged-2 {
		t.Fatalf("expected the heap to draw one page; free count %d", got)
	}
}

func TestReconstructResourceMap(t *testing.T) {
	state, _, _, arena, _ := reconstructTestHandoff(t)
	defer func() { _ = arena }()

	specs := []struct {
		physAddr uintptr
		reserved bool
		owner    mm.ResourceOwner
	}{
		{testLoaderBase, true, mm.OwnerKernel},
		{testReservedBase, true, mm.OwnerFirmware},
		{testAcpiBase, true, mm.OwnerAcpi},
		{testMmioBase, true, mm.OwnerMmio},
		// The first bootstrap-journal page is kernel-owned; the old map
		// buffer was carved out and freed; deep usable memory is free.
		{testUsableBase, true, mm.OwnerKernel},
		{testMapBufferOff, false, 0},
		{testUsableBase + 0x100000, false, 0},
	}

	for _, spec := range specs {
		reserved, owner := state.Resources.Reserved(mm.FrameFromAddress(spec.physAddr))
		if reserved != spec.reserved {
			t.Errorf("expected Reserved(0x%x) = %t", spec.physAddr, spec.reserved)
			continue
		}
		if reserved && owner != spec.owner {
			t.Errorf("expected 0x%x to be owned by %s; got %s", spec.physAddr, spec.owner, owner)
		}
	}
}

func TestReconstructWithoutOptionalFields(t *testing.T) {
	bi, arenaAddr, arena := makeHandoff(t)
	defer func() { _ = arena }()
	stubActivate(t)

	bi.Initramfs = bootinfo.Initramfs{}
	bi.Cmdline = 0

	state, err := Reconstruct(bi, Config{
		EarlyVirtOffset: arenaAddr,
		DirectMapOffset: arenaAddr,
	})
	if err != nil {
		t.Fatalf("reconstruction failed: %v", err)
	}

	if state.Initramfs.Size != 0 {
		t.Fatalf("expected no initramfs; got %d bytes", state.Initramfs.Size)
	}
	if state.Cmdline() != nil {
		t.Fatalf("expected no command line; got %q", state.Cmdline())
	}
}
