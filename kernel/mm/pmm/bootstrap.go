// Package pmm contains the physical page-frame allocators: the bootstrap
// allocator that is used in the window between losing firmware services and
// the buddy allocator becoming self-hosted, and the buddy allocator that
// serves all later frame allocations.
package pmm

import (
	"github.com/smallkirby/norn-sub003/kernel"
	"github.com/smallkirby/norn-sub003/kernel/bootinfo"
	"github.com/smallkirby/norn-sub003/kernel/kfmt"
	"github.com/smallkirby/norn-sub003/kernel/mm"
)

// maxBootstrapRuns bounds the allocation journal of the bootstrap
// allocator. Adjacent allocations merge into a single run so the handful of
// boot-time allocations never comes close to this limit.
const maxBootstrapRuns = 64

var (
	errBootstrapOutOfMemory = &kernel.Error{Module: "bootstrap_alloc", Message: "out of memory"}
	errBootstrapJournalFull = &kernel.Error{Module: "bootstrap_alloc", Message: "allocation journal full"}
)

// allocRun records one contiguous run of bootstrap-allocated pages.
type allocRun struct {
	frame mm.Frame
	pages uint64
}

// BootstrapAllocator implements a rudimentary physical memory allocator used
// while the kernel reconstructs its address space.
//
// The allocator walks the memory map inherited from the loader to detect
// free regions and hands out the next free run of frames. It keeps no
// metadata structures beyond a watermark and a journal of the runs it
// handed out; the journal is what allows the buddy allocator and the
// resource map to account for bootstrap-era allocations later.
//
// Freeing is intentionally unsupported: nothing allocated through this
// allocator is ever released within its operating window.
type BootstrapAllocator struct {
	mmap *bootinfo.MemoryMap

	// nextFrame is the watermark; frames below it are never handed out
	// again.
	nextFrame mm.Frame

	allocCount uint64

	runs     [maxBootstrapRuns]allocRun
	runCount int
}

// Init points the allocator at the inherited memory map. The map is only
// read, never modified.
func (alloc *BootstrapAllocator) Init(mmap *bootinfo.MemoryMap) {
	alloc.mmap = mmap
	alloc.nextFrame = 0
	alloc.allocCount = 0
	alloc.runCount = 0
}

// AllocPages reserves the next free run of count contiguous frames. It
// returns an error if no allocatable region can fit the run.
func (alloc *BootstrapAllocator) AllocPages(count uint64) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, errBootstrapOutOfMemory
	}

	var (
		found    = mm.InvalidFrame
		pageMask = uint64(mm.PageSize - 1)
	)

	alloc.mmap.VisitRegions(func(region *bootinfo.MemoryDescriptor) bool {
		if !bootinfo.ClassifyFirmwareType(region.Type).Allocatable() {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get the
		// first whole frame and round down past the end.
		regionStart := mm.Frame(((region.PhysicalStart + pageMask) & ^pageMask) >> mm.PageShift)
		regionEnd := mm.Frame((region.PhysicalEnd() & ^pageMask) >> mm.PageShift) // exclusive

		start := regionStart
		if alloc.nextFrame > start {
			start = alloc.nextFrame
		}

		if start+mm.Frame(count) > regionEnd {
			return true
		}

		found = start
		return false
	})

	if found == mm.InvalidFrame {
		return mm.InvalidFrame, errBootstrapOutOfMemory
	}

	alloc.nextFrame = found + mm.Frame(count)
	alloc.allocCount += count

	if err := alloc.journal(found, count); err != nil {
		return mm.InvalidFrame, err
	}

	return found, nil
}

// AllocFrame reserves the next single free frame.
func (alloc *BootstrapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocPages(1)
}

// journal records a handed-out run, merging it with the previous run when
// the two are adjacent.
func (alloc *BootstrapAllocator) journal(frame mm.Frame, pages uint64) *kernel.Error {
	if alloc.runCount > 0 {
		last := &alloc.runs[alloc.runCount-1]
		if last.frame+mm.Frame(last.pages) == frame {
			last.pages += pages
			return nil
		}
	}

	if alloc.runCount == maxBootstrapRuns {
		return errBootstrapJournalFull
	}

	alloc.runs[alloc.runCount] = allocRun{frame: frame, pages: pages}
	alloc.runCount++
	return nil
}

// AllocatedPages returns the total number of frames handed out.
func (alloc *BootstrapAllocator) AllocatedPages() uint64 {
	return alloc.allocCount
}

// VisitAllocatedRuns invokes the visitor for every run of frames this
// allocator handed out, in allocation order.
func (alloc *BootstrapAllocator) VisitAllocatedRuns(visitor func(frame mm.Frame, pages uint64) bool) {
	for i := 0; i < alloc.runCount; i++ {
		if !visitor(alloc.runs[i].frame, alloc.runs[i].pages) {
			return
		}
	}
}

// PrintMemoryMap logs the inherited memory map and the amount of usable
// memory it describes.
func (alloc *BootstrapAllocator) PrintMemoryMap() {
	kfmt.Printf("[bootstrap_alloc] inherited memory map:\n")
	var totalFree uint64
	alloc.mmap.VisitRegions(func(region *bootinfo.MemoryDescriptor) bool {
		regionType := bootinfo.ClassifyFirmwareType(region.Type)
		kfmt.Printf("\t[0x%10x - 0x%10x], pages: %8d, type: %s\n",
			region.PhysicalStart, region.PhysicalEnd(), region.NumberOfPages, regionType.String())

		if regionType.Allocatable() {
			totalFree += region.NumberOfPages
		}
		return true
	})
	kfmt.Printf("[bootstrap_alloc] allocatable memory: %dKb\n", totalFree*uint64(mm.PageSize)/1024)
}
