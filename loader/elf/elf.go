// Package elf parses 64-bit ELF kernel images. Only the subset the loader
// needs is implemented: header validation and PT_LOAD program header
// iteration. The parser never allocates; headers are overlaid directly on
// the image buffer.
package elf

import (
	"unsafe"

	"github.com/smallkirby/norn-sub003/kernel"
	"github.com/smallkirby/norn-sub003/kernel/bootinfo"
)

const (
	elfClass64      = 2
	elfDataLittle   = 1
	elfTypeExec     = 2
	elfMachineX8664 = 62

	progTypeLoad = 1

	// Program header flag bits.
	FlagExecutable = 1
	FlagWritable   = 2
	FlagReadable   = 4
)

var (
	errTruncated    = &kernel.Error{Module: "elf", Message: "image smaller than its headers"}
	errBadMagic     = &kernel.Error{Module: "elf", Message: "bad ELF magic"}
	errBadClass     = &kernel.Error{Module: "elf", Message: "not a 64-bit little-endian image"}
	errBadMachine   = &kernel.Error{Module: "elf", Message: "not an x86-64 executable"}
	errBadSegment   = &kernel.Error{Module: "elf", Message: "program header references bytes outside the image"}
	errSegmentSizes = &kernel.Error{Module: "elf", Message: "segment file size exceeds its memory size"}
)

// header64 is the ELF64 file header.
type header64 struct {
	Ident     [16]byte
	Type      uint16
	Machine   uint16
	Version   uint32
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// progHeader64 is an ELF64 program header.
type progHeader64 struct {
	Type     uint32
	Flags    uint32
	Offset   uint64
	Vaddr    uint64
	Paddr    uint64
	Filesz   uint64
	Memsz    uint64
	Align    uint64
}

// Segment describes one PT_LOAD segment of a parsed image.
type Segment struct {
	// Vaddr is the virtual address the segment must be reachable at. A
	// zero virtual address in the image marks the per-CPU template
	// segment, which is relocated to the fixed per-CPU base.
	Vaddr uintptr

	// Paddr is the physical address the segment's pages are placed at.
	Paddr uintptr

	// FileSize is the number of initialized bytes; the remaining
	// MemSize - FileSize bytes are zero-filled.
	FileSize uint64
	MemSize  uint64

	// Flags holds the segment's R/W/X permission bits.
	Flags uint32

	// Data is the segment's initialized content inside the image buffer.
	Data []byte
}

// Readable returns true when the segment's pages must be readable.
func (s *Segment) Readable() bool { return s.Flags&FlagReadable != 0 }

// Writable returns true when the segment's pages must be writable.
func (s *Segment) Writable() bool { return s.Flags&FlagWritable != 0 }

// Executable returns true when the segment's pages must be executable.
func (s *Segment) Executable() bool { return s.Flags&FlagExecutable != 0 }

// Image is a validated 64-bit ELF kernel image.
type Image struct {
	data []byte
	hdr  *header64
}

// Parse validates the header of the supplied buffer and returns an Image for
// iterating its load segments.
func Parse(data []byte) (*Image, *kernel.Error) {
	if len(data) < int(unsafe.Sizeof(header64{})) {
		return nil, errTruncated
	}

	hdr := (*header64)(unsafe.Pointer(&data[0]))
	if hdr.Ident[0] != 0x7f || hdr.Ident[1] != 'E' || hdr.Ident[2] != 'L' || hdr.Ident[3] != 'F' {
		return nil, errBadMagic
	}
	if hdr.Ident[4] != elfClass64 || hdr.Ident[5] != elfDataLittle {
		return nil, errBadClass
	}
	if hdr.Machine != elfMachineX8664 || hdr.Type != elfTypeExec {
		return nil, errBadMachine
	}

	// The size checks subtract from the buffer length instead of adding to
	// the header fields, so hostile offsets cannot wrap around.
	if uint64(hdr.Phentsize) < uint64(unsafe.Sizeof(progHeader64{})) || hdr.Phoff > uint64(len(data)) {
		return nil, errTruncated
	}
	if uint64(hdr.Phnum)*uint64(hdr.Phentsize) > uint64(len(data))-hdr.Phoff {
		return nil, errTruncated
	}

	return &Image{data: data, hdr: hdr}, nil
}

// Entry returns the image's entry point address.
func (img *Image) Entry() uintptr {
	return uintptr(img.hdr.Entry)
}

// VisitLoadSegments invokes the visitor for every PT_LOAD program header in
// file order. Segments with a zero virtual address are rebased to the
// per-CPU template base before the visitor sees them. The walk stops at the
// first error, which is returned.
func (img *Image) VisitLoadSegments(visitor func(seg *Segment) *kernel.Error) *kernel.Error {
	for i := uint16(0); i < img.hdr.Phnum; i++ {
		off := uintptr(img.hdr.Phoff) + uintptr(i)*uintptr(img.hdr.Phentsize)
		ph := (*progHeader64)(unsafe.Pointer(&img.data[off]))
		if ph.Type != progTypeLoad {
			continue
		}

		if ph.Filesz > ph.Memsz {
			return errSegmentSizes
		}
		if ph.Offset > uint64(len(img.data)) || ph.Filesz > uint64(len(img.data))-ph.Offset {
			return errBadSegment
		}

		seg := Segment{
			Vaddr:    uintptr(ph.Vaddr),
			Paddr:    uintptr(ph.Paddr),
			FileSize: ph.Filesz,
			MemSize:  ph.Memsz,
			Flags:    ph.Flags,
			Data:     img.data[ph.Offset : ph.Offset+ph.Filesz],
		}
		if seg.Vaddr == 0 {
			seg.Vaddr = bootinfo.PercpuBase
		}

		if err := visitor(&seg); err != nil {
			return err
		}
	}

	return nil
}
