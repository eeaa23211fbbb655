// Package kfmt provides a minimal, allocation-free Printf implementation
// that can be used at any point of the boot sequence, including the window
// where no memory allocator is available yet.
package kfmt

import (
	"io"
	"unsafe"
)

// numBufSize defines the scratch buffer size for formatting numbers. It is
// large enough for a 64-bit value in base 8 plus a sign.
const numBufSize = 24

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	numBuf [numBufSize]byte

	// singleByte is a shared buffer for emitting individual characters
	// without allocating.
	singleByte = []byte{0}

	// earlyBuffer captures Printf output generated before an output sink
	// is registered.
	earlyBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. While nil,
	// output is redirected to earlyBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and drains any
// output accumulated in the early buffer into it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyBuffer)
	}
}

// GetOutputSink returns the currently active output sink.
func GetOutputSink() io.Writer {
	return outputSink
}

// Printf formats its arguments and writes the result to the registered
// output sink. It supports a subset of the fmt verbs:
//
//	%s string or []byte
//	%d base-10 integer
//	%x base-16 integer (zero padded when a width is given)
//	%o base-8 integer
//	%t boolean
//
// An optional decimal width may precede the verb; strings and base-10 values
// are left-padded with spaces, base-16 and base-8 values with zeroes. Printf
// never allocates which makes it safe to use before the kernel allocators
// are brought up.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves like Printf but writes the formatted output to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		i        int
	)

	for i < len(format) {
		ch := format[i]
		if ch != '%' {
			emitByte(w, ch)
			i++
			continue
		}

		// Scan optional width digits after the '%'.
		i++
		width := 0
		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == len(format) {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		i++

		if verb == '%' {
			emitByte(w, '%')
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}
		arg := args[argIndex]
		argIndex++

		switch verb {
		case 'd':
			emitInt(w, arg, 10, width)
		case 'x':
			emitInt(w, arg, 16, width)
		case 'o':
			emitInt(w, arg, 8, width)
		case 's':
			emitString(w, arg, width)
		case 't':
			emitBool(w, arg)
		default:
			doWrite(w, errNoVerb)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

// emitByte writes a single literal byte without allocating.
func emitByte(w io.Writer, ch byte) {
	singleByte[0] = ch
	doWrite(w, singleByte)
}

func emitBool(w io.Writer, v interface{}) {
	bVal, isBool := v.(bool)
	if !isBool {
		doWrite(w, errWrongArgType)
		return
	}

	if bVal {
		doWrite(w, trueValue)
	} else {
		doWrite(w, falseValue)
	}
}

func emitString(w io.Writer, v interface{}, width int) {
	switch sVal := v.(type) {
	case string:
		for pad := width - len(sVal); pad > 0; pad-- {
			emitByte(w, ' ')
		}
		// Converting the string to a byte slice would allocate, so the
		// bytes are emitted one at a time.
		for i := 0; i < len(sVal); i++ {
			emitByte(w, sVal[i])
		}
	case []byte:
		for pad := width - len(sVal); pad > 0; pad-- {
			emitByte(w, ' ')
		}
		doWrite(w, sVal)
	default:
		doWrite(w, errWrongArgType)
	}
}

// emitInt formats v in the requested base applying the requested padding.
// All built-in signed and unsigned integer types are supported.
func emitInt(w io.Writer, v interface{}, base uint64, width int) {
	var (
		uval     uint64
		negative bool
	)

	switch iVal := v.(type) {
	case uint8:
		uval = uint64(iVal)
	case uint16:
		uval = uint64(iVal)
	case uint32:
		uval = uint64(iVal)
	case uint64:
		uval = iVal
	case uint:
		uval = uint64(iVal)
	case uintptr:
		uval = uint64(iVal)
	case int8:
		negative = iVal < 0
		uval = abs64(int64(iVal))
	case int16:
		negative = iVal < 0
		uval = abs64(int64(iVal))
	case int32:
		negative = iVal < 0
		uval = abs64(int64(iVal))
	case int64:
		negative = iVal < 0
		uval = abs64(iVal)
	case int:
		negative = iVal < 0
		uval = abs64(int64(iVal))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	// Render the digits in reverse order into the scratch buffer.
	digits := 0
	for {
		rem := uval % base
		if rem < 10 {
			numBuf[digits] = byte(rem) + '0'
		} else {
			numBuf[digits] = byte(rem-10) + 'a'
		}
		digits++

		uval /= base
		if uval == 0 {
			break
		}
	}

	padCh := byte(' ')
	if base != 10 {
		padCh = '0'
	}

	if negative && padCh == '0' {
		emitByte(w, '-')
		negative = false
	}

	pad := width - digits
	if negative {
		pad--
	}
	for ; pad > 0; pad-- {
		emitByte(w, padCh)
	}

	if negative {
		emitByte(w, '-')
	}

	for digits--; digits >= 0; digits-- {
		emitByte(w, numBuf[digits])
	}
}

func abs64(v int64) uint64 {
	if v < 0 {
		return uint64(-v)
	}
	return uint64(v)
}

// doWrite uses the runtime noescape hack to hide p from the compiler's
// escape analysis. Without it, the call through the io.Writer interface
// flags p as escaping which makes Printf allocate; an allocation before the
// kernel allocator is up crashes the boot.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied
// over from runtime/stubs.go.
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
