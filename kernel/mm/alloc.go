package mm

import "github.com/smallkirby/norn-sub003/kernel"

var (
	// frameAllocator points to the frame allocator function registered
	// using SetFrameAllocator. Exactly one allocator is authoritative at
	// any point of the boot sequence; the reconstruction code swaps the
	// registration at each explicit transition.
	frameAllocator FrameAllocatorFn
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used
// by the mapping code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// AllocFrame allocates a new physical frame using the currently registered
// frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }
