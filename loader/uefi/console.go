package uefi

import "unsafe"

// outputString is the EFI_SIMPLE_TEXT_OUTPUT_PROTOCOL slot offset used by the
// console writer.
const outputString = 0x8

// chunk size of the UTF-16 staging buffer, excluding the NUL terminator.
const textOutputChunk = 126

// TextOutput writes UTF-8 text to the firmware simple text output protocol.
// It implements io.Writer so it can serve as the loader's log sink. Line
// feeds are expanded to CRLF pairs, as the firmware console expects.
type TextOutput struct {
	base uintptr
	buf  [textOutputChunk + 2]uint16
	used int
}

// Write converts p to NUL-terminated UTF-16 chunks and hands them to the
// firmware. Bytes are widened directly; the loader only ever logs ASCII.
func (out *TextOutput) Write(p []byte) (int, error) {
	for _, b := range p {
		if b == '\n' {
			out.push('\r')
		}
		out.push(uint16(b))
	}
	out.flush()

	return len(p), nil
}

func (out *TextOutput) push(ch uint16) {
	out.buf[out.used] = ch
	out.used++
	if out.used >= textOutputChunk {
		out.flush()
	}
}

func (out *TextOutput) flush() {
	if out.used == 0 {
		return
	}
	out.buf[out.used] = 0

	callServiceFn(out.base+outputString,
		out.base,
		uintptr(unsafe.Pointer(&out.buf[0])),
		0, 0, 0,
	)
	out.used = 0
}
