// Package loader implements the stage-1 boot sequence. It runs as a firmware
// application: it places the kernel image in memory, builds the mappings the
// kernel expects, snapshots the firmware memory map, leaves firmware services
// behind and transfers control to the kernel entry point.
package loader

import (
	"unsafe"

	"github.com/smallkirby/norn-sub003/kernel"
	"github.com/smallkirby/norn-sub003/kernel/bootinfo"
	"github.com/smallkirby/norn-sub003/kernel/kfmt"
	"github.com/smallkirby/norn-sub003/kernel/mm"
	"github.com/smallkirby/norn-sub003/kernel/mm/vmm"
	"github.com/smallkirby/norn-sub003/loader/elf"
	"github.com/smallkirby/norn-sub003/loader/paging"
	"github.com/smallkirby/norn-sub003/loader/params"
	"github.com/smallkirby/norn-sub003/loader/uefi"
)

// maxLoadSegments bounds the program headers a kernel image may carry. The
// loader records every loaded segment so permissions can be tightened after
// the copy phase.
const maxLoadSegments = 16

// snapshotSlackPages is added to the memory map buffer beyond the size the
// firmware reports, so the map can grow between the size query and the final
// snapshot.
const snapshotSlackPages = 1

// kernelStackPages is the size of the stack the kernel entry point runs on.
const kernelStackPages = 8

var (
	errTooManySegments = &kernel.Error{Module: "loader", Message: "kernel image has too many load segments"}
	errCmdlineTooLong  = &kernel.Error{Module: "loader", Message: "kernel command line exceeds one page"}
	errSnapshotFailed  = &kernel.Error{Module: "loader", Message: "firmware memory map snapshot failed"}
	errExitFailed      = &kernel.Error{Module: "loader", Message: "exit from firmware services failed after one retry"}
	errFirmwareExited  = &kernel.Error{Module: "loader", Message: "firmware services are no longer available"}
)

// the following functions are mocked by tests which run in user-mode where
// the wrapped instructions would fault.
var (
	activeTableFn = paging.ActiveTable
	enableNXFn    = paging.EnableNoExecute
	trampolineFn  = kernelTrampoline
)

// firmware is the slice of boot services the loader depends on.
type firmware interface {
	AllocatePages(allocType int, memType uint32, pageCount uint64, addr uint64) (uint64, *kernel.Error)
	FreePages(addr uint64, pageCount uint64) *kernel.Error
	GetMemoryMap(mm *bootinfo.MemoryMap) *kernel.Error
	ExitBootServices(imageHandle uintptr, mapKey uint64) *kernel.Error
}

type loadedSegment struct {
	page      mm.Page
	frame     mm.Frame
	pageCount uint64
	flags     vmm.PageTableEntryFlag
}

// Loader carries the state of one boot sequence. There is exactly one per
// machine start; all steps mutate it in order and any error is fatal.
type Loader struct {
	imageHandle uintptr
	sysTable    *uefi.SystemTable
	fw          firmware

	// virtOffset is added to physical addresses to obtain the address the
	// loader can dereference them at. The firmware environment identity
	// maps physical memory, so it is zero outside of tests.
	virtOffset uintptr

	pdt      vmm.PageDirectoryTable
	entry    uintptr
	segs     [maxLoadSegments]loadedSegment
	segCount int

	stackTop uintptr
	bootInfo bootinfo.BootInfo

	// handoffAddr is the physical address of the reserved page the boot
	// info record is copied into for the handoff. Staged while firmware
	// allocation is still possible.
	handoffAddr uintptr

	// exited is set once firmware services are gone. No firmware call is
	// valid afterwards; every service entry point checks this first.
	exited bool
}

// New prepares a boot sequence from the handle and system table address the
// firmware passed to the application entry point. The firmware console
// becomes the log sink.
func New(imageHandle, sysTableAddr uintptr) *Loader {
	st := uefi.NewSystemTable(sysTableAddr)
	kfmt.SetOutputSink(st.ConsoleOut())

	return &Loader{
		imageHandle: imageHandle,
		sysTable:    st,
		fw:          st.BootServices(),
	}
}

// Run executes the full boot sequence and does not return on success.
func (l *Loader) Run(kernelImage, initramfs, paramFile []byte) *kernel.Error {
	bootParams, err := params.Parse(paramFile)
	if err != nil {
		return err
	}

	if err = l.stageCmdline(bootParams.Cmdline); err != nil {
		return err
	}
	if err = l.stageInitramfs(initramfs); err != nil {
		return err
	}
	if err = l.LoadKernel(kernelImage); err != nil {
		return err
	}

	if rsdp, rsdpErr := l.sysTable.FindRsdp(); rsdpErr == nil {
		l.bootInfo.Rsdp = rsdp
	} else {
		kfmt.Printf("loader: no ACPI table entry found\n")
	}

	if err = l.SnapshotMemoryMap(); err != nil {
		return err
	}
	if err = l.ExitBootServices(); err != nil {
		return err
	}

	l.jumpToKernel()
	return nil
}

// allocPages obtains page-aligned physical memory typed as loader-reserved,
// so the kernel later treats it as off limits for general allocation.
func (l *Loader) allocPages(pageCount uint64) (mm.Frame, *kernel.Error) {
	if l.exited {
		return mm.InvalidFrame, errFirmwareExited
	}

	addr, err := l.fw.AllocatePages(uefi.AllocateAnyPages, bootinfo.FirmwareNornReserved, pageCount, 0)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(uintptr(addr)), nil
}

// allocFrame adapts allocPages to the frame allocator interface the mapping
// code draws page table frames from.
func (l *Loader) allocFrame() (mm.Frame, *kernel.Error) {
	return l.allocPages(1)
}

// stageCmdline copies the kernel command line into a loader-reserved page as
// a NUL-terminated byte sequence. An empty command line stays a nil pointer.
func (l *Loader) stageCmdline(cmdline string) *kernel.Error {
	if len(cmdline) == 0 {
		return nil
	}
	if uintptr(len(cmdline))+1 > mm.PageSize {
		return errCmdlineTooLong
	}

	frame, err := l.allocPages(1)
	if err != nil {
		return err
	}

	raw := []byte(cmdline)
	dst := frame.Address() + l.virtOffset
	kernel.Memcopy(uintptr(unsafe.Pointer(&raw[0])), dst, uintptr(len(raw)))
	*(*byte)(unsafe.Pointer(dst + uintptr(len(raw)))) = 0

	l.bootInfo.Cmdline = frame.Address()
	return nil
}

// stageInitramfs copies the initramfs image into loader-reserved pages and
// records its physical location. A missing initramfs is allowed.
func (l *Loader) stageInitramfs(image []byte) *kernel.Error {
	if len(image) == 0 {
		return nil
	}

	frame, err := l.allocPages(pagesForBytes(uint64(len(image))))
	if err != nil {
		return err
	}

	kernel.Memcopy(uintptr(unsafe.Pointer(&image[0])), frame.Address()+l.virtOffset, uintptr(len(image)))

	l.bootInfo.Initramfs = bootinfo.Initramfs{
		Addr: uint64(frame.Address()),
		Size: uint64(len(image)),
	}
	return nil
}

// LoadKernel places every load segment of the kernel image at its linked
// physical address and maps it at its linked virtual address. Pages are
// mapped read-write for the copy phase; final segment permissions are applied
// afterwards, followed by enabling no-execute enforcement.
func (l *Loader) LoadKernel(image []byte) *kernel.Error {
	img, err := elf.Parse(image)
	if err != nil {
		return err
	}

	l.pdt = activeTableFn()
	mm.SetFrameAllocator(l.allocFrame)

	if err = img.VisitLoadSegments(l.loadSegment); err != nil {
		return err
	}

	// Copying is done; tighten every segment to its linked permissions.
	for i := 0; i < l.segCount; i++ {
		seg := &l.segs[i]
		if err = l.pdt.MapRegion(seg.page, seg.frame, seg.pageCount, seg.flags); err != nil {
			return err
		}
	}
	enableNXFn()

	l.entry = img.Entry()
	kfmt.Printf("loader: kernel entry at %x, %d segments\n", uint64(l.entry), l.segCount)

	return l.allocKernelStack()
}

func (l *Loader) loadSegment(seg *elf.Segment) *kernel.Error {
	if l.segCount == maxLoadSegments {
		return errTooManySegments
	}

	pageCount := pagesForBytes(seg.MemSize)
	if _, err := l.fw.AllocatePages(uefi.AllocateAddress, bootinfo.FirmwareNornReserved, pageCount, uint64(seg.Paddr)); err != nil {
		return err
	}

	var (
		page  = mm.PageFromAddress(seg.Vaddr)
		frame = mm.FrameFromAddress(seg.Paddr)
	)
	if err := l.pdt.MapRegion(page, frame, pageCount, vmm.FlagPresent|vmm.FlagRW); err != nil {
		return err
	}

	dst := seg.Paddr + l.virtOffset
	if seg.FileSize > 0 {
		kernel.Memcopy(uintptr(unsafe.Pointer(&seg.Data[0])), dst, uintptr(seg.FileSize))
	}
	kernel.Memset(dst+uintptr(seg.FileSize), 0, uintptr(seg.MemSize-seg.FileSize))

	l.segs[l.segCount] = loadedSegment{
		page:      page,
		frame:     frame,
		pageCount: pageCount,
		flags:     paging.SegmentFlags(seg),
	}
	l.segCount++

	return nil
}

// allocKernelStack reserves the stack the kernel entry point runs on and
// maps it below the kernel's fixed virtual base.
func (l *Loader) allocKernelStack() *kernel.Error {
	frame, err := l.allocPages(kernelStackPages)
	if err != nil {
		return err
	}

	stackBase := bootinfo.DirectMapBase + frame.Address()
	if err = l.pdt.MapRegion(mm.PageFromAddress(stackBase), frame, kernelStackPages,
		vmm.FlagPresent|vmm.FlagRW|vmm.FlagNoExecute); err != nil {
		return err
	}

	l.stackTop = stackBase + uintptr(kernelStackPages)*mm.PageSize
	return nil
}

// SnapshotMemoryMap captures the firmware memory map into a loader-reserved
// buffer sized a slack page beyond what the firmware reports, so the map can
// grow before the final query.
func (l *Loader) SnapshotMemoryMap() *kernel.Error {
	if l.exited {
		return errFirmwareExited
	}

	memMap := &l.bootInfo.MemoryMap
	memMap.Descriptors = 0
	memMap.BufferSize = 0

	// Size query; anything but a too-small report means the service is
	// broken.
	if err := l.fw.GetMemoryMap(memMap); err != uefi.ErrBufferTooSmall {
		return errSnapshotFailed
	}

	// The handoff record page must be staged now as well; after the exit
	// no allocation is possible.
	if l.handoffAddr == 0 {
		handoffFrame, err := l.allocPages(1)
		if err != nil {
			return err
		}
		l.handoffAddr = handoffFrame.Address()
	}

	bufPages := pagesForBytes(memMap.MapSize) + snapshotSlackPages
	frame, err := l.allocPages(bufPages)
	if err != nil {
		return err
	}

	memMap.Descriptors = frame.Address()
	memMap.BufferSize = bufPages * uint64(mm.PageSize)

	return l.snapshotInto(memMap)
}

// snapshotInto refreshes the snapshot in the already allocated buffer. Used
// for both the initial snapshot and the re-snapshot after a stale map key;
// after a failed exit attempt the firmware only permits map queries, so no
// new buffer may be allocated.
func (l *Loader) snapshotInto(memMap *bootinfo.MemoryMap) *kernel.Error {
	query := *memMap
	query.Descriptors = memMap.Descriptors + l.virtOffset

	if err := l.fw.GetMemoryMap(&query); err != nil {
		return err
	}

	query.Descriptors = memMap.Descriptors
	*memMap = query
	return nil
}

// ExitBootServices leaves firmware-services mode. The firmware may itself
// allocate while tearing down and thereby invalidate the snapshot key; in
// that case the map is re-queried and the exit retried exactly once. A
// second rejection is fatal.
func (l *Loader) ExitBootServices() *kernel.Error {
	if l.exited {
		return errFirmwareExited
	}

	memMap := &l.bootInfo.MemoryMap

	err := l.fw.ExitBootServices(l.imageHandle, memMap.MapKey)
	if err == uefi.ErrInvalidParameter {
		if err = l.snapshotInto(memMap); err != nil {
			return errExitFailed
		}
		if err = l.fw.ExitBootServices(l.imageHandle, memMap.MapKey); err != nil {
			return errExitFailed
		}
	} else if err != nil {
		return err
	}

	l.exited = true
	return nil
}

// jumpToKernel hands control to the kernel entry point. The boot info record
// is finalized last so its memory map metadata reflects the snapshot that
// won the exit handshake, then copied by value into the reserved handoff
// page: the kernel must never alias the loader image's own memory.
func (l *Loader) jumpToKernel() {
	l.bootInfo.Magic = bootinfo.Magic
	l.bootInfo.PercpuBase = uint64(bootinfo.PercpuBase)

	handoff := (*bootinfo.BootInfo)(unsafe.Pointer(l.handoffAddr + l.virtOffset))
	*handoff = l.bootInfo

	trampolineFn(l.entry, handoff, l.stackTop)
}

func pagesForBytes(size uint64) uint64 {
	return (size + uint64(mm.PageSize) - 1) / uint64(mm.PageSize)
}
