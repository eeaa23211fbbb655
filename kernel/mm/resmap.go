package mm

import (
	"sort"

	"github.com/smallkirby/norn-sub003/kernel"
)

// maxResourceRanges bounds the number of reserved ranges the resource map
// can track. The map is populated before the general allocator exists so its
// storage must be static.
const maxResourceRanges = 128

// ResourceOwner tags the subsystem a reserved physical range belongs to.
type ResourceOwner uint8

const (
	// OwnerFirmware marks ranges the firmware declared non-usable.
	OwnerFirmware ResourceOwner = iota

	// OwnerAcpi marks ranges holding ACPI tables.
	OwnerAcpi

	// OwnerMmio marks memory-mapped device I/O ranges.
	OwnerMmio

	// OwnerKernel marks ranges the loader allocated on the kernel's
	// behalf (kernel image, page tables, boot structures).
	OwnerKernel
)

// String implements fmt.Stringer for ResourceOwner.
func (o ResourceOwner) String() string {
	switch o {
	case OwnerFirmware:
		return "firmware"
	case OwnerAcpi:
		return "acpi"
	case OwnerMmio:
		return "mmio"
	case OwnerKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// ResourceRange describes one reserved physical page range.
type ResourceRange struct {
	// Frame is the first page of the range.
	Frame Frame

	// Pages is the length of the range in pages.
	Pages uint64

	// Owner tags the subsystem that reserved the range.
	Owner ResourceOwner
}

var errResourceMapFull = &kernel.Error{Module: "resmap", Message: "resource map capacity exceeded"}

// ResourceMap tracks the physical page ranges that are excluded from
// general allocation. Ranges are inserted only while the kernel address
// space is being reconstructed; afterwards the map is read-only, so queries
// need no locking.
type ResourceMap struct {
	ranges     [maxResourceRanges]ResourceRange
	rangeCount int
	sealed     bool
}

// Insert registers a reserved range. Insert keeps the range list sorted by
// start frame so Reserved can answer in O(log n).
func (m *ResourceMap) Insert(frame Frame, pages uint64, owner ResourceOwner) *kernel.Error {
	if m.rangeCount == maxResourceRanges {
		return errResourceMapFull
	}

	// Locate the insertion slot and shift the tail up.
	slot := sort.Search(m.rangeCount, func(i int) bool {
		return m.ranges[i].Frame >= frame
	})
	copy(m.ranges[slot+1:m.rangeCount+1], m.ranges[slot:m.rangeCount])
	m.ranges[slot] = ResourceRange{Frame: frame, Pages: pages, Owner: owner}
	m.rangeCount++

	return nil
}

// Seal marks the end of the initialization phase. It exists purely as
// documentation of the lifecycle; the map has no mutating operations besides
// Insert.
func (m *ResourceMap) Seal() {
	m.sealed = true
}

// Reserved returns true if the supplied frame falls inside any reserved
// range, together with the owner of that range.
func (m *ResourceMap) Reserved(frame Frame) (bool, ResourceOwner) {
	// Find the first range starting past frame; the candidate is the one
	// before it.
	idx := sort.Search(m.rangeCount, func(i int) bool {
		return m.ranges[i].Frame > frame
	})
	if idx == 0 {
		return false, 0
	}

	r := &m.ranges[idx-1]
	if uint64(frame-r.Frame) < r.Pages {
		return true, r.Owner
	}
	return false, 0
}

// ReservedPagesIn returns how many pages of the range [frame, frame+pages)
// are covered by reservations.
func (m *ResourceMap) ReservedPagesIn(frame Frame, pages uint64) uint64 {
	var covered uint64
	for i := 0; i < m.rangeCount; i++ {
		r := &m.ranges[i]
		lo, hi := r.Frame, r.Frame+Frame(r.Pages)
		if lo < frame {
			lo = frame
		}
		if hi > frame+Frame(pages) {
			hi = frame + Frame(pages)
		}
		if hi > lo {
			covered += uint64(hi - lo)
		}
	}
	return covered
}

// VisitRanges invokes the visitor for every reserved range in ascending
// frame order. Returning false aborts the walk.
func (m *ResourceMap) VisitRanges(visitor func(r *ResourceRange) bool) {
	for i := 0; i < m.rangeCount; i++ {
		if !visitor(&m.ranges[i]) {
			return
		}
	}
}

// RangeCount returns the number of registered ranges.
func (m *ResourceMap) RangeCount() int {
	return m.rangeCount
}
