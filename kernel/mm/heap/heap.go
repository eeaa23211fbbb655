// Package heap implements the general-purpose kernel allocator. It carves
// buddy-granted pages into power-of-two chunks and serves every allocation
// made after the memory subsystem is brought up.
package heap

import (
	"unsafe"

	"github.com/smallkirby/norn-sub003/kernel"
	"github.com/smallkirby/norn-sub003/kernel/mm"
	"github.com/smallkirby/norn-sub003/kernel/sync"
)

const (
	// minChunkSize is the smallest size class. It must be large enough to
	// hold the intrusive free-list pointer stored in free chunks.
	minChunkSize = 16

	// maxChunkSize is the largest size class. Requests above it are
	// forwarded to the page source at page granularity.
	maxChunkSize = 2048

	// numClasses covers the classes 16, 32, ..., 2048.
	numClasses = 8

	nilChunk = uintptr(0)
)

var (
	errHeapZeroSize       = &kernel.Error{Module: "heap", Message: "zero-byte allocation"}
	errHeapUnaligned      = &kernel.Error{Module: "heap", Message: "freed address not aligned to its size class"}
	errHeapNotInitialized = &kernel.Error{Module: "heap", Message: "allocator not initialized"}
)

// FrameSource provides the physical pages backing the heap. The buddy
// allocator implements it.
type FrameSource interface {
	AllocPages(count uint64) (mm.Frame, *kernel.Error)
	FreePages(frame mm.Frame, count uint64) *kernel.Error
}

// Allocator is a size-class allocator layered on a FrameSource. Small
// requests are rounded up to one of the power-of-two classes between 16 and
// 2048 bytes and served from per-class free lists; larger requests are
// forwarded to the frame source whole pages at a time.
//
// Chunks carry no headers. Callers pass the allocation size back to Free,
// which keeps free chunks usable as the free list's own storage: the first
// word of a free chunk links to the next one.
type Allocator struct {
	lock sync.Spinlock

	source     FrameSource
	virtOffset uintptr

	// freeHeads holds the virtual address of the first free chunk per
	// class, or nilChunk when the class has no free chunks.
	freeHeads [numClasses]uintptr

	inUseBytes uint64
}

// Init attaches the allocator to its page source. virtOffset is the delta
// between a physical address and the virtual address it can be accessed at.
func (h *Allocator) Init(source FrameSource, virtOffset uintptr) {
	h.source = source
	h.virtOffset = virtOffset
	for class := 0; class < numClasses; class++ {
		h.freeHeads[class] = nilChunk
	}
	h.inUseBytes = 0
}

// classForSize returns the index of the smallest size class that can hold
// size bytes, or numClasses when the request exceeds maxChunkSize.
func classForSize(size uint64) int {
	chunkSize := uint64(minChunkSize)
	for class := 0; class < numClasses; class++ {
		if size <= chunkSize {
			return class
		}
		chunkSize <<= 1
	}
	return numClasses
}

func classChunkSize(class int) uintptr {
	return uintptr(minChunkSize) << uint(class)
}

// refill grows the free list of the supplied class by one page worth of
// chunks.
func (h *Allocator) refill(class int) *kernel.Error {
	frame, err := h.source.AllocPages(1)
	if err != nil {
		return err
	}

	var (
		chunkSize = classChunkSize(class)
		pageVirt  = frame.Address() + h.virtOffset
	)
	for off := uintptr(0); off < mm.PageSize; off += chunkSize {
		chunk := pageVirt + off
		*(*uintptr)(unsafe.Pointer(chunk)) = h.freeHeads[class]
		h.freeHeads[class] = chunk
	}

	return nil
}

// Alloc reserves size bytes and returns the virtual address of the
// allocation. The returned memory is aligned to the size class that served
// the request. Alloc fails with an error when the frame source is exhausted.
func (h *Allocator) Alloc(size uint64) (uintptr, *kernel.Error) {
	if h.source == nil {
		return 0, errHeapNotInitialized
	}
	if size == 0 {
		return 0, errHeapZeroSize
	}

	if class := classForSize(size); class < numClasses {
		return h.allocChunk(class)
	}

	// Large allocation; hand out whole pages.
	frame, err := h.source.AllocPages(pagesForSize(size))
	if err != nil {
		return 0, err
	}

	h.lock.Acquire()
	h.inUseBytes += uint64(pagesForSize(size)) * uint64(mm.PageSize)
	h.lock.Release()

	return frame.Address() + h.virtOffset, nil
}

func (h *Allocator) allocChunk(class int) (uintptr, *kernel.Error) {
	h.lock.Acquire()
	defer h.lock.Release()

	if h.freeHeads[class] == nilChunk {
		if err := h.refill(class); err != nil {
			return 0, err
		}
	}

	chunk := h.freeHeads[class]
	h.freeHeads[class] = *(*uintptr)(unsafe.Pointer(chunk))
	h.inUseBytes += uint64(classChunkSize(class))

	return chunk, nil
}

// Free releases an allocation made with Alloc. size must be the size passed
// to the matching Alloc call.
func (h *Allocator) Free(addr uintptr, size uint64) *kernel.Error {
	if h.source == nil {
		return errHeapNotInitialized
	}
	if size == 0 {
		return errHeapZeroSize
	}

	class := classForSize(size)
	if class == numClasses {
		pages := pagesForSize(size)

		h.lock.Acquire()
		h.inUseBytes -= uint64(pages) * uint64(mm.PageSize)
		h.lock.Release()

		return h.source.FreePages(mm.FrameFromAddress(addr-h.virtOffset), pages)
	}

	chunkSize := classChunkSize(class)
	if addr&(chunkSize-1) != 0 {
		return errHeapUnaligned
	}

	h.lock.Acquire()
	defer h.lock.Release()

	*(*uintptr)(unsafe.Pointer(addr)) = h.freeHeads[class]
	h.freeHeads[class] = addr
	h.inUseBytes -= uint64(chunkSize)

	return nil
}

// Realloc grows or shrinks an allocation to newSize bytes, preserving the
// first min(oldSize, newSize) bytes. When both sizes land in the same size
// class the allocation is returned unchanged.
func (h *Allocator) Realloc(addr uintptr, oldSize, newSize uint64) (uintptr, *kernel.Error) {
	// A zero old size is a plain allocation; there is nothing to copy and
	// nothing to release.
	if oldSize == 0 {
		return h.Alloc(newSize)
	}

	if newSize != 0 {
		oldClass, newClass := classForSize(oldSize), classForSize(newSize)
		if oldClass == newClass && oldClass < numClasses {
			return addr, nil
		}
	}

	newAddr, err := h.Alloc(newSize)
	if err != nil {
		return 0, err
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	kernel.Memcopy(addr, newAddr, uintptr(copySize))

	if err = h.Free(addr, oldSize); err != nil {
		return 0, err
	}
	return newAddr, nil
}

// InUseBytes returns the number of bytes currently handed out, rounded up to
// the size class or page granularity that served each allocation.
func (h *Allocator) InUseBytes() uint64 {
	return h.inUseBytes
}

func pagesForSize(size uint64) uint64 {
	return (size + uint64(mm.PageSize) - 1) / uint64(mm.PageSize)
}
