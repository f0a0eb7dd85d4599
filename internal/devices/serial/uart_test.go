package serial

import (
	"bytes"
	"testing"

	"github.com/tinyrange/vmm/internal/hv"
)

func writeReg(s *UART, reg uint16, value byte) {
	ev := &hv.PortIOEvent{Direction: hv.IODirectionOut, Size: 1, Port: COM1 + reg, Data: []byte{value}}
	s.HandlePortIO(ev)
}

func readReg(s *UART, reg uint16) byte {
	ev := &hv.PortIOEvent{Direction: hv.IODirectionIn, Size: 1, Port: COM1 + reg, Data: []byte{0xFF}}
	s.HandlePortIO(ev)
	return ev.Data[0]
}

func TestTransmit(t *testing.T) {
	var out bytes.Buffer
	s := New(COM1, &out)

	for _, b := range []byte("hi\r\nok\n") {
		if lsr := readReg(s, 5); lsr&lsrTHRE == 0 {
			t.Fatalf("transmitter not ready, LSR = 0x%02x", lsr)
		}
		writeReg(s, 0, b)
	}

	if got := out.String(); got != "hi\nok\n" {
		t.Errorf("output = %q, want %q", got, "hi\nok\n")
	}
	if s.Transmitted() != 7 {
		t.Errorf("Transmitted = %d, want 7", s.Transmitted())
	}
}

func TestDivisorLatch(t *testing.T) {
	var out bytes.Buffer
	s := New(COM1, &out)

	writeReg(s, 3, lcrDLAB|0x03)
	writeReg(s, 0, 0x01)
	writeReg(s, 1, 0x00)
	if readReg(s, 0) != 0x01 || readReg(s, 1) != 0x00 {
		t.Error("divisor latch did not hold its value")
	}
	writeReg(s, 3, 0x03)

	if out.Len() != 0 {
		t.Errorf("divisor writes leaked to output: %q", out.String())
	}
	if readReg(s, 3) != 0x03 {
		t.Errorf("LCR = 0x%02x, want 0x03", readReg(s, 3))
	}
}

func TestLoopback(t *testing.T) {
	var out bytes.Buffer
	s := New(COM1, &out)

	writeReg(s, 4, mcrLoop|0x03)
	writeReg(s, 0, 'x')

	if readReg(s, 5)&lsrDataReady == 0 {
		t.Fatal("loopback byte not received")
	}
	if got := readReg(s, 0); got != 'x' {
		t.Errorf("RBR = %q, want 'x'", got)
	}
	if readReg(s, 5)&lsrDataReady != 0 {
		t.Error("data ready still set after read")
	}
	if msr := readReg(s, 6); msr != msrCTS|msrDSR {
		t.Errorf("MSR = 0x%02x, want CTS|DSR", msr)
	}
	if out.Len() != 0 {
		t.Errorf("loopback leaked to output: %q", out.String())
	}
}

func TestScratchAndIIR(t *testing.T) {
	s := New(COM1, nil)

	writeReg(s, 7, 0x5A)
	if readReg(s, 7) != 0x5A {
		t.Error("scratch register did not hold its value")
	}
	if readReg(s, 2) != iirNone {
		t.Error("IIR should report no interrupt pending")
	}
	writeReg(s, 0, 'a')
	if s.Transmitted() != 1 {
		t.Error("transmit without output should still be counted")
	}
}

func TestIgnoresOtherPorts(t *testing.T) {
	var out bytes.Buffer
	s := New(COM1, &out)

	tests := []*hv.PortIOEvent{
		{Direction: hv.IODirectionOut, Size: 1, Port: COM1 - 1, Data: []byte{'a'}},
		{Direction: hv.IODirectionOut, Size: 1, Port: COM1 + registerCount, Data: []byte{'b'}},
		{Direction: hv.IODirectionOut, Size: 2, Port: COM1, Data: []byte{'c', 'd'}},
		{Direction: hv.IODirectionIn, Size: 1, Port: 0x1F7, Data: []byte{0xFF}},
	}
	for _, ev := range tests {
		s.HandlePortIO(ev)
	}

	if out.Len() != 0 {
		t.Errorf("foreign events produced output %q", out.String())
	}
	if tests[3].Data[0] != 0xFF {
		t.Error("foreign read was answered")
	}
}
