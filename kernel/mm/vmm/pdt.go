// Package vmm builds and maintains the kernel's virtual address space. Page
// tables are physical frames accessed through an offset mapping, so the
// package can populate a page directory before it ever becomes active.
package vmm

import (
	"unsafe"

	"github.com/smallkirby/norn-sub003/kernel"
	"github.com/smallkirby/norn-sub003/kernel/cpu"
	"github.com/smallkirby/norn-sub003/kernel/mm"
)

var (
	// the following functions are mocked by tests which run in user-mode
	// where the wrapped instructions would fault.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT

	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// PageDirectoryTable describes the top-most table in a multi-level paging
// scheme. Table frames are read and written at physAddr + virtOffset, the
// address each frame is accessible at in the current address space. This
// keeps the table walk independent of whether the directory is active.
type PageDirectoryTable struct {
	pdtFrame   mm.Frame
	virtOffset uintptr
}

// Init allocates and clears the root table frame. virtOffset is added to a
// table's physical address to obtain the virtual address it can be accessed
// at.
func (pdt *PageDirectoryTable) Init(virtOffset uintptr) *kernel.Error {
	pdtFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}

	pdt.pdtFrame = pdtFrame
	pdt.virtOffset = virtOffset
	kernel.Memset(pdtFrame.Address()+virtOffset, 0, mm.PageSize)

	return nil
}

// InitExisting attaches the directory to an already populated root table
// frame, typically the one the MMU is currently using. The root is not
// cleared; existing mappings remain visible and new ones are installed next
// to them.
func (pdt *PageDirectoryTable) InitExisting(root mm.Frame, virtOffset uintptr) {
	pdt.pdtFrame = root
	pdt.virtOffset = virtOffset
}

// Root returns the physical frame holding the top-most table.
func (pdt *PageDirectoryTable) Root() mm.Frame {
	return pdt.pdtFrame
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address. It calls
// the supplied walkFn with the page table entry that corresponds to each
// page table level. The walkFn may mutate the entry it is handed; the next
// level's table is read from the entry after walkFn returns so that freshly
// installed tables are followed.
func (pdt *PageDirectoryTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := pdt.pdtFrame

	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableFrame.Address() + pdt.virtOffset + (entryIndex << mm.PointerShift)
		pte := (*pageTableEntry)(unsafe.Pointer(entryAddr))

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using this page directory. Missing intermediate tables are allocated
// through the registered frame allocator and cleared before use.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	pdt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// The final level maps the frame in place.
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; allocate a frame for it, map it
		// and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = mm.AllocFrame()
			if err != nil {
				return false
			}

			kernel.Memset(newTableFrame.Address()+pdt.virtOffset, 0, mm.PageSize)
			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	return err
}

// MapRegion establishes pageCount consecutive mappings starting at the
// supplied page and frame.
func (pdt *PageDirectoryTable) MapRegion(page mm.Page, frame mm.Frame, pageCount uint64, flags PageTableEntryFlag) *kernel.Error {
	for ; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := pdt.Map(page, frame, flags); err != nil {
			return err
		}
	}
	return nil
}

// Unmap removes a mapping previously installed via a call to Map.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) *kernel.Error {
	var err *kernel.Error

	pdt.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		err   *kernel.Error
		entry pageTableEntry
	)

	pdt.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		entry = *pte
		return true
	})

	if err != nil {
		return 0, err
	}

	return entry.Frame().Address() + PageOffset(virtAddr), nil
}

// Activate loads this page directory into the MMU. After this point every
// virtual address is resolved through the mappings installed via Map.
func (pdt *PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}

// Active returns true when this page directory is the one the MMU currently
// resolves addresses through.
func (pdt *PageDirectoryTable) Active() bool {
	return pdt.pdtFrame.Address() == activePDTFn()
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}
