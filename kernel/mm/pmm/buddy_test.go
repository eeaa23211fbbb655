package pmm

import (
	"testing"
	"unsafe"

	"github.com/smallkirby/norn-sub003/kernel/mm"
)

// newTestBuddy seeds a buddy allocator with pageCount frames starting at
// physBase, backed by a heap arena that stands in for the direct map.
func newTestBuddy(t *testing.T, physBase uintptr, pageCount uint64) (*BuddyAllocator, []byte) {
	t.Helper()

	arena := make([]byte, (pageCount+1)*uint64(mm.PageSize))
	arenaAddr := (uintptr(unsafe.Pointer(&arena[0])) + mm.PageSize - 1) & ^(mm.PageSize - 1)

	var alloc BuddyAllocator
	alloc.Init(arenaAddr - physBase)
	alloc.AddRange(mm.FrameFromAddress(physBase), pageCount)

	return &alloc, arena
}

const testPhysBase = uintptr(0x100000)

func TestBuddySeedingCarvesAlignedBlocks(t *testing.T) {
	alloc, arena := newTestBuddy(t, testPhysBase, 128)
	defer func() { _ = arena }()

	if got := alloc.ManagedPageCount(); got != 128 {
		t.Fatalf("expected 128 managed pages; got %d", got)
	}
	if got := alloc.FreePageCount(); got != 128 {
		t.Fatalf("expected 128 free pages; got %d", got)
	}

	// 128 aligned pages form exactly one order-7 block.
	if got := alloc.FreeBlockCount(7); got != 1 {
		t.Fatalf("expected a single order-7 block; got %d", got)
	}
	for ord := uint(0); ord < 7; ord++ {
		if got := alloc.FreeBlockCount(ord); got != 0 {
			t.Fatalf("expected order %d to be empty; got %d blocks", ord, got)
		}
	}
}

func TestBuddySeedingUnalignedRange(t *testing.T) {
	// 3 pages starting at an odd frame: 1+2 blocks, no aligned pair.
	alloc, arena := newTestBuddy(t, testPhysBase+uintptr(mm.PageSize), 3)
	defer func() { _ = arena }()

	if got := alloc.FreeBlockCount(0); got != 2 {
		t.Fatalf("expected two order-0 blocks; got %d", got)
	}
	if got := alloc.FreeBlockCount(1); got != 1 {
		t.Fatalf("expected one order-1 block; got %d", got)
	}
	if got := alloc.FreePageCount(); got != 3 {
		t.Fatalf("expected 3 free pages; got %d", got)
	}
}

func TestBuddyAllocSplitsAndExhausts(t *testing.T) {
	alloc, arena := newTestBuddy(t, testPhysBase, 128)
	defer func() { _ = arena }()

	seen := make(map[mm.Frame]bool)
	for i := 0; i < 128; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatalf("allocation %d failed: %v", i, err)
		}
		if seen[frame] {
			t.Fatalf("frame %d handed out twice", frame)
		}
		seen[frame] = true

		if addr := frame.Address(); addr < testPhysBase || addr >= testPhysBase+128*mm.PageSize {
			t.Fatalf("frame address 0x%x outside the managed range", addr)
		}
	}

	if got := alloc.FreePageCount(); got != 0 {
		t.Fatalf("expected 0 free pages after exhaustion; got %d", got)
	}
	if _, err := alloc.AllocFrame(); err != errBuddyOutOfMemory {
		t.Fatalf("expected out-of-memory; got %v", err)
	}
}

func TestBuddyFreeCoalescesFully(t *testing.T) {
	alloc, arena := newTestBuddy(t, testPhysBase, 128)
	defer func() { _ = arena }()

	frames := make([]mm.Frame, 0, 128)
	for i := 0; i < 128; i++ {
		frame, err := alloc.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, frame)
	}

	for _, frame := range frames {
		if err := alloc.FreePages(frame, 1); err != nil {
			t.Fatal(err)
		}
	}

	// Everything must have coalesced back into the original order-7 block.
	if got := alloc.FreeBlockCount(7); got != 1 {
		t.Fatalf("expected a single order-7 block after freeing everything; got %d", got)
	}
	for ord := uint(0); ord < 7; ord++ {
		if got := alloc.FreeBlockCount(ord); got != 0 {
			t.Fatalf("expected order %d to be empty after coalescing; got %d blocks", ord, got)
		}
	}
	if got := alloc.FreePageCount(); got != 128 {
		t.Fatalf("expected 128 free pages; got %d", got)
	}
}

func TestBuddyFreeCoalescesBuddyPairImmediately(t *testing.T) {
	alloc, arena := newTestBuddy(t, testPhysBase, 4)
	defer func() { _ = arena }()

	a, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	b, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	// The first two order-0 allocations out of an aligned order-2 block
	// are buddies of each other.
	if a.Address()^b.Address() != uintptr(mm.PageSize) {
		t.Fatalf("expected buddy frames; got 0x%x and 0x%x", a.Address(), b.Address())
	}

	alloc.FreePages(a, 1)
	alloc.FreePages(b, 1)

	// The pair must merge before any other allocation can observe the
	// gap: no order-0 or order-1 remnants may remain.
	if got := alloc.FreeBlockCount(0); got != 0 {
		t.Fatalf("expected no order-0 blocks after coalescing; got %d", got)
	}
	if got := alloc.FreeBlockCount(2); got != 1 {
		t.Fatalf("expected the order-2 block to be restored; got %d", got)
	}
}

func TestBuddyAccountingInvariant(t *testing.T) {
	alloc, arena := newTestBuddy(t, testPhysBase, 256)
	defer func() { _ = arena }()

	type liveAlloc struct {
		frame mm.Frame
		pages uint64
	}

	var (
		live      []liveAlloc
		livePages uint64
	)

	checkInvariant := func(step string) {
		if alloc.FreePageCount()+livePages != alloc.ManagedPageCount() {
			t.Fatalf("[%s] accounting broken: free %d + live %d != managed %d",
				step, alloc.FreePageCount(), livePages, alloc.ManagedPageCount())
		}
	}

	// Mixed-size allocations; sizes are rounded up to powers of two.
	for _, req := range []uint64{1, 3, 4, 7, 16, 2, 5, 32, 1, 9} {
		frame, err := alloc.AllocPages(req)
		if err != nil {
			t.Fatalf("alloc of %d pages failed: %v", req, err)
		}

		rounded := uint64(1)
		for rounded < req {
			rounded <<= 1
		}

		// No overlap with any live allocation.
		for _, l := range live {
			if frame < l.frame+mm.Frame(l.pages) && l.frame < frame+mm.Frame(rounded) {
				t.Fatalf("allocation [%d,+%d) overlaps live [%d,+%d)", frame, rounded, l.frame, l.pages)
			}
		}

		live = append(live, liveAlloc{frame, rounded})
		livePages += rounded
		checkInvariant("alloc")
	}

	// Free every other allocation, then the rest.
	for i := 0; i < len(live); i += 2 {
		alloc.FreePages(live[i].frame, live[i].pages)
		livePages -= live[i].pages
		checkInvariant("free-evens")
	}
	for i := 1; i < len(live); i += 2 {
		alloc.FreePages(live[i].frame, live[i].pages)
		livePages -= live[i].pages
		checkInvariant("free-odds")
	}

	if got := alloc.FreePageCount(); got != alloc.ManagedPageCount() {
		t.Fatalf("expected all pages to return to the free lists; free %d managed %d",
			got, alloc.ManagedPageCount())
	}
}

func TestBuddyRequestValidation(t *testing.T) {
	alloc, arena := newTestBuddy(t, testPhysBase, 16)
	defer func() { _ = arena }()

	if _, err := alloc.AllocPages(0); err != errBuddyRequestTooBig {
		t.Fatalf("expected a zero-page request to be rejected; got %v", err)
	}
	if _, err := alloc.AllocPages((1 << MaxPageOrder) + 1); err != errBuddyRequestTooBig {
		t.Fatalf("expected an oversized request to be rejected; got %v", err)
	}

	var unseeded BuddyAllocator
	if _, err := unseeded.AllocFrame(); err != errBuddyNotInitialized {
		t.Fatalf("expected an unseeded allocator to report an error; got %v", err)
	}
}
