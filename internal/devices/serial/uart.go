// Package serial emulates a polled 16550 UART on the legacy COM1 ports so a
// guest can print diagnostics.
package serial

import (
	"io"
	"log/slog"

	"github.com/tinyrange/vmm/internal/hv"
)

// COM1 is the base port of the first legacy serial port.
const COM1 uint16 = 0x3F8

const (
	registerCount = 8

	lcrDLAB = 1 << 7
	mcrLoop = 1 << 4

	lsrDataReady = 1 << 0
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7

	// The interrupt identification register always reports nothing pending.
	iirNone = 0x01
)

// UART is a 16550 without interrupts or FIFOs. The transmitter is always
// ready, so a guest polling LSR never waits.
type UART struct {
	base uint16
	out  io.Writer

	dll byte
	dlm byte
	ier byte
	fcr byte
	lcr byte
	mcr byte
	lsr byte
	scr byte
	rbr byte

	skipLF bool
	tx     uint64
}

// New returns a UART at base that writes transmitted bytes to out.
func New(base uint16, out io.Writer) *UART {
	return &UART{
		base: base,
		out:  out,
		lsr:  lsrTHRE | lsrTEMT,
	}
}

// Transmitted returns the number of bytes the guest has sent.
func (s *UART) Transmitted() uint64 { return s.tx }

// HandlePortIO implements hv.PortIODevice.
func (s *UART) HandlePortIO(ev *hv.PortIOEvent) {
	if ev.Port < s.base || ev.Port >= s.base+registerCount || ev.Size != 1 {
		return
	}
	reg := ev.Port - s.base
	if ev.IsWrite() {
		s.writeRegister(reg, byte(ev.Value()))
	} else {
		ev.SetValue(uint32(s.readRegister(reg)))
	}
}

func (s *UART) writeRegister(reg uint16, value byte) {
	switch reg {
	case 0:
		if s.lcr&lcrDLAB != 0 {
			s.dll = value
		} else {
			s.transmit(value)
		}
	case 1:
		if s.lcr&lcrDLAB != 0 {
			s.dlm = value
		} else {
			s.ier = value & 0x0F
		}
	case 2:
		s.fcr = value
		if value&0x02 != 0 {
			s.clearRX()
		}
	case 3:
		s.lcr = value
	case 4:
		prev := s.mcr
		s.mcr = value & 0x1F
		if prev&mcrLoop != 0 && s.mcr&mcrLoop == 0 {
			s.clearRX()
		}
	case 7:
		s.scr = value
	}
}

func (s *UART) readRegister(reg uint16) byte {
	switch reg {
	case 0:
		if s.lcr&lcrDLAB != 0 {
			return s.dll
		}
		value := s.rbr
		s.clearRX()
		return value
	case 1:
		if s.lcr&lcrDLAB != 0 {
			return s.dlm
		}
		return s.ier
	case 2:
		return iirNone
	case 3:
		return s.lcr
	case 4:
		return s.mcr
	case 5:
		return s.lsr
	case 6:
		return s.modemStatus()
	case 7:
		return s.scr
	default:
		return 0
	}
}

func (s *UART) modemStatus() byte {
	if s.mcr&mcrLoop != 0 {
		// Loopback wires DTR to DSR, RTS to CTS, OUT1 to RI and OUT2 to DCD.
		var v byte
		if s.mcr&0x01 != 0 {
			v |= msrDSR
		}
		if s.mcr&0x02 != 0 {
			v |= msrCTS
		}
		if s.mcr&0x04 != 0 {
			v |= msrRI
		}
		if s.mcr&0x08 != 0 {
			v |= msrDCD
		}
		return v
	}
	return msrCTS | msrDSR | msrDCD
}

func (s *UART) clearRX() {
	s.rbr = 0
	s.lsr &^= lsrDataReady
}

func (s *UART) transmit(value byte) {
	s.tx++
	if s.mcr&mcrLoop != 0 {
		s.rbr = value
		s.lsr |= lsrDataReady
		return
	}
	if s.out == nil {
		return
	}

	var err error
	switch value {
	case '\r':
		_, err = s.out.Write([]byte{'\n'})
		s.skipLF = true
	case '\n':
		if s.skipLF {
			s.skipLF = false
			return
		}
		_, err = s.out.Write([]byte{'\n'})
	default:
		s.skipLF = false
		_, err = s.out.Write([]byte{value})
	}
	if err != nil {
		slog.Debug("serial: write failed", "error", err)
	}
}

var (
	_ hv.PortIODevice = (*UART)(nil)
)
