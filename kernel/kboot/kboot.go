// Package kboot reconstructs the kernel's view of physical and virtual
// memory from the loader handoff. Everything the firmware or the loader owns
// is deep-copied into kernel memory before the inherited mappings are
// replaced, and the allocators are brought up in a strict order with exactly
// one of them authoritative at any point.
package kboot

import (
	"unsafe"

	"github.com/smallkirby/norn-sub003/kernel"
	"github.com/smallkirby/norn-sub003/kernel/bootinfo"
	"github.com/smallkirby/norn-sub003/kernel/kfmt"
	"github.com/smallkirby/norn-sub003/kernel/mm"
	"github.com/smallkirby/norn-sub003/kernel/mm/heap"
	"github.com/smallkirby/norn-sub003/kernel/mm/pmm"
	"github.com/smallkirby/norn-sub003/kernel/mm/vmm"
)

var (
	// activatePdtFn is overridden by tests which cannot switch the MMU.
	activatePdtFn = func(pdt *vmm.PageDirectoryTable) { pdt.Activate() }

	errInitramfsTooLarge = &kernel.Error{Module: "kboot", Message: "initramfs exceeds the available bootstrap memory"}
)

// Config carries the address-space parameters of the reconstruction. The
// zero offsets of a real boot are separated out so tests can run the
// sequence against an arena instead of raw physical memory.
type Config struct {
	// EarlyVirtOffset is the phys-to-virt delta of the inherited mapping,
	// valid until the rebuilt page tables are activated. The loader hands
	// over an identity mapping, so this is zero on hardware.
	EarlyVirtOffset uintptr

	// DirectMapOffset is the phys-to-virt delta once the rebuilt tables
	// are active; bootinfo.DirectMapBase on hardware.
	DirectMapOffset uintptr
}

// KernelBootState holds everything the reconstruction produces: the
// kernel-owned copies of the loader handoff and the allocator stack the rest
// of the kernel builds on.
type KernelBootState struct {
	// MemoryMap is the kernel-owned copy of the firmware memory map. The
	// buffer the loader handed over is freed at the end of the
	// reconstruction and must not be referenced afterwards.
	MemoryMap bootinfo.MemoryMap

	// Initramfs is the kernel-owned copy of the initial ramdisk.
	Initramfs bootinfo.Initramfs

	// Rsdp is the physical address of the ACPI root pointer.
	Rsdp uintptr

	Buddy     pmm.BuddyAllocator
	Heap      heap.Allocator
	Resources mm.ResourceMap
	PDT       vmm.PageDirectoryTable

	// bootstrap is deliberately unexported: it is retired once the buddy
	// allocator takes over and no handle to it may escape the
	// reconstruction.
	bootstrap pmm.BootstrapAllocator

	cmdlineAddr uintptr
	cmdlineLen  uintptr

	// inheritedMap is the loader's map rebased to readable addresses; it
	// is only valid until the reconstruction completes.
	inheritedMap bootinfo.MemoryMap

	directMapOffset uintptr
}

// Cmdline returns the kernel command line as a byte overlay over the
// kernel-owned copy, without allocating. The returned slice is empty when the
// loader supplied no command line.
func (s *KernelBootState) Cmdline() []byte {
	if s.cmdlineAddr == 0 {
		return nil
	}
	return *(*[]byte)(unsafe.Pointer(&sliceHeader{
		Data: s.cmdlineAddr + s.directMapOffset,
		Len:  int(s.cmdlineLen),
		Cap:  int(s.cmdlineLen),
	}))
}

type sliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}

// Reconstruct rebuilds the memory subsystem from the loader handoff. The
// steps run in a fixed order; each step may only rely on the allocator that
// the previous steps left authoritative. Any failure is fatal to the boot
// and is returned to the caller for reporting.
func Reconstruct(bi *bootinfo.BootInfo, cfg Config) (*KernelBootState, *kernel.Error) {
	state := &KernelBootState{
		Rsdp:            bi.Rsdp,
		directMapOffset: cfg.DirectMapOffset,
	}

	// All handoff pointers are physical; rebase the map's descriptor
	// pointer into the inherited mapping so it can be read.
	state.inheritedMap = bi.MemoryMap
	state.inheritedMap.Descriptors += cfg.EarlyVirtOffset

	// Step 1: the bootstrap allocator serves everything until the buddy
	// allocator is seeded. The inherited map is only read through it.
	state.bootstrap.Init(&state.inheritedMap)
	mm.SetFrameAllocator(state.bootstrap.AllocFrame)

	// Step 2: copy the initramfs and the command line out of
	// firmware-owned memory.
	if err := state.copyInitramfs(bi, cfg); err != nil {
		return nil, err
	}
	if err := state.copyCmdline(bi, cfg); err != nil {
		return nil, err
	}

	// Step 3: copy the memory map descriptor buffer itself.
	mapPages := pagesForBytes(bi.MemoryMap.MapSize)
	mapFrame, err := state.bootstrap.AllocPages(mapPages)
	if err != nil {
		return nil, err
	}
	state.MemoryMap = state.inheritedMap.CloneInto(mapFrame.Address() + cfg.EarlyVirtOffset)

	// Step 4: rebuild the virtual mappings and switch to them. Table
	// frames still come from the bootstrap allocator.
	if err = state.rebuildMappings(cfg); err != nil {
		return nil, err
	}
	activatePdtFn(&state.PDT)

	// The clone is reachable through the direct map from here on.
	state.MemoryMap.Descriptors = mapFrame.Address() + cfg.DirectMapOffset

	// Step 5: seed the buddy allocator from the kernel-owned map copy,
	// excluding every page the bootstrap allocator handed out. The buffer
	// holding the original map sits in a loader-reserved region and is
	// not seeded here. The buddy allocator is authoritative from here on.
	state.seedBuddy()
	mm.SetFrameAllocator(state.Buddy.AllocFrame)

	// Step 6: the general allocator draws pages from the buddy allocator.
	state.Heap.Init(&state.Buddy, cfg.DirectMapOffset)

	// Step 7: record every page range that general allocation must never
	// touch. The old map buffer is carved out of its reservation because
	// step 8 hands it to the buddy allocator.
	oldBufferFrame := mm.FrameFromAddress(bi.MemoryMap.Descriptors)
	oldBufferPages := pagesForBytes(bi.MemoryMap.BufferSize)
	if err = state.populateResourceMap(oldBufferFrame, oldBufferPages); err != nil {
		return nil, err
	}

	// Step 8: the original map buffer has been copied and is no longer
	// needed; hand its pages to the buddy allocator. The inherited map
	// must not be read past this point.
	state.Buddy.AddRange(oldBufferFrame, oldBufferPages)
	bi.MemoryMap.Descriptors = 0
	state.inheritedMap.Descriptors = 0

	kfmt.Printf("[kboot] memory subsystem up: %d/%d pages free\n",
		state.Buddy.FreePageCount(), state.Buddy.ManagedPageCount())

	return state, nil
}

// copyInitramfs moves the initial ramdisk into bootstrap-allocated pages.
func (state *KernelBootState) copyInitramfs(bi *bootinfo.BootInfo, cfg Config) *kernel.Error {
	if bi.Initramfs.Size == 0 {
		return nil
	}

	frame, err := state.bootstrap.AllocPages(pagesForBytes(bi.Initramfs.Size))
	if err != nil {
		return errInitramfsTooLarge
	}

	kernel.Memcopy(
		uintptr(bi.Initramfs.Addr)+cfg.EarlyVirtOffset,
		frame.Address()+cfg.EarlyVirtOffset,
		uintptr(bi.Initramfs.Size),
	)
	state.Initramfs = bootinfo.Initramfs{
		Addr: uint64(frame.Address()),
		Size: bi.Initramfs.Size,
	}

	return nil
}

// copyCmdline moves the NUL-terminated command line into
// bootstrap-allocated pages.
func (state *KernelBootState) copyCmdline(bi *bootinfo.BootInfo, cfg Config) *kernel.Error {
	if bi.Cmdline == 0 {
		return nil
	}

	srcVirt := bi.Cmdline + cfg.EarlyVirtOffset
	length := kernel.Strlen(srcVirt)

	frame, err := state.bootstrap.AllocPages(pagesForBytes(uint64(length) + 1))
	if err != nil {
		return err
	}

	kernel.Memcopy(srcVirt, frame.Address()+cfg.EarlyVirtOffset, length+1)
	state.cmdlineAddr = frame.Address()
	state.cmdlineLen = length

	return nil
}

// rebuildMappings installs the direct map: every region the kernel may ever
// touch becomes reachable at its physical address plus DirectMapOffset.
func (state *KernelBootState) rebuildMappings(cfg Config) *kernel.Error {
	if err := state.PDT.Init(cfg.EarlyVirtOffset); err != nil {
		return err
	}

	var err *kernel.Error
	state.MemoryMap.VisitRegions(func(region *bootinfo.MemoryDescriptor) bool {
		flags, mapped := regionMapFlags(bootinfo.ClassifyFirmwareType(region.Type))
		if !mapped {
			return true
		}

		page := mm.PageFromAddress(cfg.DirectMapOffset + uintptr(region.PhysicalStart))
		frame := mm.FrameFromAddress(uintptr(region.PhysicalStart))
		if err = state.PDT.MapRegion(page, frame, region.NumberOfPages, flags); err != nil {
			return false
		}
		return true
	})

	return err
}

// regionMapFlags returns the page flags a region is direct-mapped with, and
// whether it is mapped at all. The kernel image and boot structures stay
// executable; device memory bypasses the cache; everything else is
// no-execute data.
func regionMapFlags(t bootinfo.RegionType) (vmm.PageTableEntryFlag, bool) {
	switch t {
	case bootinfo.RegionUsable, bootinfo.RegionBootServices, bootinfo.RegionAcpiReclaimable:
		return vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute, true
	case bootinfo.RegionNornReserved:
		return vmm.FlagPresent | vmm.FlagRW, true
	case bootinfo.RegionMmio:
		return vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute | vmm.FlagDoNotCache, true
	default:
		return 0, false
	}
}

// seedBuddy feeds every allocatable region into the buddy allocator, carved
// around the bootstrap journal.
func (state *KernelBootState) seedBuddy() {
	state.Buddy.Init(state.directMapOffset)

	state.MemoryMap.VisitRegions(func(region *bootinfo.MemoryDescriptor) bool {
		if !bootinfo.ClassifyFirmwareType(region.Type).Allocatable() {
			return true
		}

		pageMask := uint64(mm.PageSize - 1)
		cur := mm.Frame(((region.PhysicalStart + pageMask) & ^pageMask) >> mm.PageShift)
		end := mm.Frame((region.PhysicalEnd() & ^pageMask) >> mm.PageShift)

		// The journal is in ascending frame order; walk it in lockstep
		// with the region, adding the gaps between reserved runs.
		state.bootstrap.VisitAllocatedRuns(func(frame mm.Frame, pages uint64) bool {
			holeEnd := frame + mm.Frame(pages)
			if holeEnd <= cur || frame >= end {
				return true
			}
			if frame > cur {
				state.Buddy.AddRange(cur, uint64(frame-cur))
			}
			if holeEnd > cur {
				cur = holeEnd
			}
			return cur < end
		})

		if cur < end {
			state.Buddy.AddRange(cur, uint64(end-cur))
		}
		return true
	})
}

// populateResourceMap records every non-allocatable region and every page
// the bootstrap allocator handed out, then seals the map. The range
// [holeFrame, holeFrame+holePages) is left out of the reservations; it is
// about to be handed to the buddy allocator.
func (state *KernelBootState) populateResourceMap(holeFrame mm.Frame, holePages uint64) *kernel.Error {
	var err *kernel.Error

	insertCarved := func(frame mm.Frame, pages uint64, owner mm.ResourceOwner) *kernel.Error {
		end := frame + mm.Frame(pages)
		holeEnd := holeFrame + mm.Frame(holePages)

		if holeEnd <= frame || holeFrame >= end {
			return state.Resources.Insert(frame, pages, owner)
		}
		if holeFrame > frame {
			if e := state.Resources.Insert(frame, uint64(holeFrame-frame), owner); e != nil {
				return e
			}
		}
		if holeEnd < end {
			return state.Resources.Insert(holeEnd, uint64(end-holeEnd), owner)
		}
		return nil
	}

	state.MemoryMap.VisitRegions(func(region *bootinfo.MemoryDescriptor) bool {
		regionType := bootinfo.ClassifyFirmwareType(region.Type)
		if regionType.Allocatable() {
			return true
		}

		var owner mm.ResourceOwner
		switch regionType {
		case bootinfo.RegionAcpiReclaimable, bootinfo.RegionAcpiNvs:
			owner = mm.OwnerAcpi
		case bootinfo.RegionMmio:
			owner = mm.OwnerMmio
		case bootinfo.RegionNornReserved:
			owner = mm.OwnerKernel
		default:
			owner = mm.OwnerFirmware
		}

		frame := mm.FrameFromAddress(uintptr(region.PhysicalStart))
		if err = insertCarved(frame, region.NumberOfPages, owner); err != nil {
			return false
		}
		return true
	})
	if err != nil {
		return err
	}

	state.bootstrap.VisitAllocatedRuns(func(frame mm.Frame, pages uint64) bool {
		err = state.Resources.Insert(frame, pages, mm.OwnerKernel)
		return err == nil
	})
	if err != nil {
		return err
	}

	state.Resources.Seal()
	return nil
}

func pagesForBytes(size uint64) uint64 {
	return (size + uint64(mm.PageSize) - 1) / uint64(mm.PageSize)
}
