package pmm

import (
	"unsafe"

	"github.com/smallkirby/norn-sub003/kernel"
	"github.com/smallkirby/norn-sub003/kernel/mm"
	"github.com/smallkirby/norn-sub003/kernel/sync"
)

const (
	// MaxPageOrder is the largest supported allocation order. Order k
	// describes a block of 2^k contiguous frames, so the largest block is
	// 4 MiB.
	MaxPageOrder = 10

	// nilBlock is the free-list terminator. The zero value cannot be used
	// as physical page 0 is a valid block address.
	nilBlock = ^uintptr(0)
)

var (
	errBuddyOutOfMemory    = &kernel.Error{Module: "buddy_alloc", Message: "out of memory"}
	errBuddyRequestTooBig  = &kernel.Error{Module: "buddy_alloc", Message: "request exceeds the maximum block order"}
	errBuddyNotInitialized = &kernel.Error{Module: "buddy_alloc", Message: "allocator not seeded"}
)

// blockNode is the intrusive free-list node stored in the first bytes of
// every free block. Free pages are unused by definition, which makes them
// free storage for the allocator's own bookkeeping.
type blockNode struct {
	prev, next uintptr
}

// BuddyAllocator implements the classic power-of-two free-list allocator
// over physical page frames. Order-k lists hold blocks of 2^k frames;
// allocations split higher-order blocks on demand and frees coalesce a block
// with its buddy bottom-up before reinserting it.
//
// Free-list nodes live inside the free pages themselves and are reached
// through virtOffset, the delta between a physical address and the virtual
// address it is mapped at (the direct map base in the running kernel, the
// test arena offset in tests).
type BuddyAllocator struct {
	lock sync.Spinlock

	virtOffset uintptr
	seeded     bool

	// freeHeads holds the physical address of the first free block for
	// each order, or nilBlock when the list is empty.
	freeHeads  [MaxPageOrder + 1]uintptr
	freeBlocks [MaxPageOrder + 1]uint64

	freePages    uint64
	managedPages uint64
}

// Init prepares the allocator. virtOffset is added to a physical block
// address to obtain the virtual address its free-list node lives at.
func (alloc *BuddyAllocator) Init(virtOffset uintptr) {
	alloc.virtOffset = virtOffset
	for ord := 0; ord <= MaxPageOrder; ord++ {
		alloc.freeHeads[ord] = nilBlock
		alloc.freeBlocks[ord] = 0
	}
	alloc.freePages = 0
	alloc.managedPages = 0
	alloc.seeded = true
}

func (alloc *BuddyAllocator) nodeAt(physAddr uintptr) *blockNode {
	return (*blockNode)(unsafe.Pointer(physAddr + alloc.virtOffset))
}

// push inserts the block at physAddr at the head of the order's free list.
func (alloc *BuddyAllocator) push(order uint, physAddr uintptr) {
	node := alloc.nodeAt(physAddr)
	node.prev = nilBlock
	node.next = alloc.freeHeads[order]

	if node.next != nilBlock {
		alloc.nodeAt(node.next).prev = physAddr
	}

	alloc.freeHeads[order] = physAddr
	alloc.freeBlocks[order]++
}

// pop removes and returns the head block of the order's free list.
func (alloc *BuddyAllocator) pop(order uint) uintptr {
	physAddr := alloc.freeHeads[order]
	node := alloc.nodeAt(physAddr)

	alloc.freeHeads[order] = node.next
	if node.next != nilBlock {
		alloc.nodeAt(node.next).prev = nilBlock
	}
	alloc.freeBlocks[order]--

	return physAddr
}

// unlinkIfFree removes the block at physAddr from the order's free list if
// it is present, returning true when it was.
func (alloc *BuddyAllocator) unlinkIfFree(order uint, physAddr uintptr) bool {
	for cur := alloc.freeHeads[order]; cur != nilBlock; cur = alloc.nodeAt(cur).next {
		if cur != physAddr {
			continue
		}

		node := alloc.nodeAt(cur)
		if node.prev != nilBlock {
			alloc.nodeAt(node.prev).next = node.next
		} else {
			alloc.freeHeads[order] = node.next
		}
		if node.next != nilBlock {
			alloc.nodeAt(node.next).prev = node.prev
		}
		alloc.freeBlocks[order]--
		return true
	}

	return false
}

// AddRange seeds the allocator with the free frame range [frame,
// frame+pages). The range is carved into the largest blocks its alignment
// allows, preserving the invariant that every order-k block is aligned to
// its own size.
func (alloc *BuddyAllocator) AddRange(frame mm.Frame, pages uint64) {
	addr := frame.Address()
	blockSize := uintptr(mm.PageSize)

	for pages > 0 {
		order := uint(MaxPageOrder)
		for order > 0 {
			blockSize = uintptr(mm.PageSize) << order
			if uint64(1)<<order <= pages && addr&(blockSize-1) == 0 {
				break
			}
			order--
		}

		alloc.push(order, addr)
		blockPages := uint64(1) << order
		alloc.freePages += blockPages
		alloc.managedPages += blockPages
		pages -= blockPages
		addr += uintptr(mm.PageSize) << order
	}
}

// orderForPages returns the smallest order whose block size can hold count
// pages.
func orderForPages(count uint64) (uint, *kernel.Error) {
	if count == 0 || count > 1<<MaxPageOrder {
		return 0, errBuddyRequestTooBig
	}

	var order uint
	for uint64(1)<<order < count {
		order++
	}
	return order, nil
}

// AllocPages reserves a block of at least count contiguous frames. The
// request is rounded up to the next power of two. AllocPages returns an
// error when no block of a sufficient order is free.
func (alloc *BuddyAllocator) AllocPages(count uint64) (mm.Frame, *kernel.Error) {
	if !alloc.seeded {
		return mm.InvalidFrame, errBuddyNotInitialized
	}

	order, err := orderForPages(count)
	if err != nil {
		return mm.InvalidFrame, err
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	// Find the smallest order with a free block.
	avail := order
	for avail <= MaxPageOrder && alloc.freeHeads[avail] == nilBlock {
		avail++
	}
	if avail > MaxPageOrder {
		return mm.InvalidFrame, errBuddyOutOfMemory
	}

	addr := alloc.pop(avail)

	// Split down to the requested order, returning the upper half at each
	// level to its free list.
	for avail > order {
		avail--
		alloc.push(avail, addr+(uintptr(mm.PageSize)<<avail))
	}

	alloc.freePages -= uint64(1) << order
	return mm.FrameFromAddress(addr), nil
}

// AllocFrame reserves a single frame.
func (alloc *BuddyAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocPages(1)
}

// FreePages returns the block starting at frame that was allocated for
// count pages. The block is coalesced with its buddy at each order before
// insertion so the free lists always hold maximal blocks.
func (alloc *BuddyAllocator) FreePages(frame mm.Frame, count uint64) *kernel.Error {
	order, err := orderForPages(count)
	if err != nil {
		return err
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	freedPages := uint64(1) << order

	addr := frame.Address()
	for order < MaxPageOrder {
		buddyAddr := addr ^ (uintptr(mm.PageSize) << order)
		if !alloc.unlinkIfFree(order, buddyAddr) {
			break
		}

		if buddyAddr < addr {
			addr = buddyAddr
		}
		order++
	}

	alloc.push(order, addr)
	alloc.freePages += freedPages
	return nil
}

// FreePageCount returns the number of frames currently on the free lists.
func (alloc *BuddyAllocator) FreePageCount() uint64 {
	return alloc.freePages
}

// ManagedPageCount returns the total number of frames the allocator was
// seeded with.
func (alloc *BuddyAllocator) ManagedPageCount() uint64 {
	return alloc.managedPages
}

// FreeBlockCount returns the number of free blocks at the supplied order.
func (alloc *BuddyAllocator) FreeBlockCount(order uint) uint64 {
	return alloc.freeBlocks[order]
}
