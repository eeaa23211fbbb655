// Package serial implements a minimal 16550-compatible UART writer that
// serves as the kernel's log sink. The boot log is the only externally
// observable surface of the boot sequence so this driver is brought up as
// early as possible.
package serial

import "github.com/smallkirby/norn-sub003/kernel/cpu"

const (
	// COM1 is the base I/O port of the first serial port.
	COM1 = 0x3f8

	regData          = 0
	regInterruptEn   = 1
	regFifoControl   = 2
	regLineControl   = 3
	regModemControl  = 4
	regLineStatus    = 5
	lineStatusTxRdy  = 1 << 5
	lineControl8n1   = 0x03
	lineControlDlab  = 0x80
	fifoEnableClear  = 0xc7
	modemDtrRtsAux2  = 0x0b
	divisorLow115200 = 0x01
)

var (
	// Port I/O is routed through function vars so tests can redirect it.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Port drives a single 16550 UART.
type Port struct {
	base uint16
}

// NewPort initializes the UART at the supplied base port for 115200 8N1
// operation and returns a writer for it.
func NewPort(base uint16) *Port {
	p := &Port{base: base}

	portWriteByteFn(base+regInterruptEn, 0x00)
	portWriteByteFn(base+regLineControl, lineControlDlab)
	portWriteByteFn(base+regData, divisorLow115200)
	portWriteByteFn(base+regInterruptEn, 0x00)
	portWriteByteFn(base+regLineControl, lineControl8n1)
	portWriteByteFn(base+regFifoControl, fifoEnableClear)
	portWriteByteFn(base+regModemControl, modemDtrRtsAux2)

	return p
}

// Write implements io.Writer. A \n is expanded to \r\n so the output renders
// correctly on a raw terminal.
func (p *Port) Write(data []byte) (int, error) {
	for _, b := range data {
		if b == '\n' {
			p.writeByte('\r')
		}
		p.writeByte(b)
	}

	return len(data), nil
}

func (p *Port) writeByte(b byte) {
	for portReadByteFn(p.base+regLineStatus)&lineStatusTxRdy == 0 {
	}
	portWriteByteFn(p.base+regData, b)
}
