// Package paging adapts the loader's identity-mapped address space for page
// table edits. The firmware leaves the MMU running on its own tables with
// physical and virtual addresses equal, so the loader can graft kernel
// mappings directly onto the live directory.
package paging

import (
	"github.com/smallkirby/norn-sub003/kernel/cpu"
	"github.com/smallkirby/norn-sub003/kernel/mm"
	"github.com/smallkirby/norn-sub003/kernel/mm/vmm"
	"github.com/smallkirby/norn-sub003/loader/elf"
)

var (
	// the following functions are mocked by tests which run in user-mode
	// where the wrapped instructions would fault.
	activePDTFn = cpu.ActivePDT
	enableNXEFn = cpu.EnableNXE
)

// ActiveTable returns a directory attached to the page tables the MMU is
// currently using. Identity mapping means table frames are read at their
// physical addresses.
func ActiveTable() vmm.PageDirectoryTable {
	var pdt vmm.PageDirectoryTable
	pdt.InitExisting(mm.FrameFromAddress(activePDTFn()), 0)
	return pdt
}

// SegmentFlags converts an ELF segment's permission bits into page table
// entry flags. Pages are writable only for writable segments and carry the
// no-execute bit unless the segment is executable.
func SegmentFlags(seg *elf.Segment) vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent
	if seg.Writable() {
		flags |= vmm.FlagRW
	}
	if !seg.Executable() {
		flags |= vmm.FlagNoExecute
	}
	return flags
}

// EnableNoExecute turns on no-execute enforcement for page table entries
// carrying the no-execute bit. Must be called before the kernel directory
// becomes active.
func EnableNoExecute() {
	enableNXEFn()
}
