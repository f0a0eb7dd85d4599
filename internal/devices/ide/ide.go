// Package ide emulates the single-sector WRITE SECTOR handshake of a legacy
// ATA controller on the primary port window.
package ide

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmm/internal/disk"
	"github.com/tinyrange/vmm/internal/hv"
)

const (
	DataPort        uint16 = 0x1F0
	SectorCountPort uint16 = 0x1F2
	LBA0Port        uint16 = 0x1F3
	LBA1Port        uint16 = 0x1F4
	LBA2Port        uint16 = 0x1F5
	LBA3Port        uint16 = 0x1F6
	StatusPort      uint16 = 0x1F7
	CommandPort            = StatusPort

	// StatusReady is the DRDY bit, the only status the controller reports.
	StatusReady byte = 0x40

	// CommandWriteSectors is WRITE SECTOR(S) with retry.
	CommandWriteSectors byte = 0x30

	firstPort = DataPort
	lastPort  = StatusPort
)

// State is the position of the controller in the write handshake.
type State int

const (
	StateIdle State = iota
	StateAwaitSectorCount
	StateAwaitIdxByte0
	StateAwaitIdxByte1
	StateAwaitIdxByte2
	StateAwaitIdxByte3
	StateAwaitWriteCommand
	StateAwaitDataReady
	StateReceivingData
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateAwaitSectorCount:
		return "AwaitSectorCount"
	case StateAwaitIdxByte0:
		return "AwaitIdxByte0"
	case StateAwaitIdxByte1:
		return "AwaitIdxByte1"
	case StateAwaitIdxByte2:
		return "AwaitIdxByte2"
	case StateAwaitIdxByte3:
		return "AwaitIdxByte3"
	case StateAwaitWriteCommand:
		return "AwaitWriteCommand"
	case StateAwaitDataReady:
		return "AwaitDataReady"
	case StateReceivingData:
		return "ReceivingData"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Controller is the IDE write-sector state machine. It is driven only from
// the vCPU dispatch loop and is not safe for concurrent use.
type Controller struct {
	backend disk.SectorWriter

	state  State
	sector uint32
	count  int
	buf    disk.Sector
}

// New creates a controller in the Idle state writing completed sectors to
// backend.
func New(backend disk.SectorWriter) *Controller {
	c := &Controller{backend: backend}
	c.Reset()
	return c
}

func (c *Controller) State() State        { return c.state }
func (c *Controller) SectorIndex() uint32 { return c.sector }
func (c *Controller) ByteCount() int      { return c.count }

// Reset discards any partial transfer and returns to Idle.
func (c *Controller) Reset() {
	clear(c.buf[:])
	c.count = 0
	c.sector = 0
	c.state = StateIdle
}

// HandlePortIO implements hv.PortIODevice. Events outside the controller's
// port window are ignored; any other event that does not continue the
// handshake resets it.
func (c *Controller) HandlePortIO(ev *hv.PortIOEvent) {
	if ev.Port < firstPort || ev.Port > lastPort {
		return
	}

	if !c.step(ev) {
		if c.state == StateIdle {
			return
		}
		slog.Debug("ide: protocol reset", "state", c.state, "event", ev.String())
		c.Reset()
	}
}

func isRead(ev *hv.PortIOEvent, port uint16) bool {
	return !ev.IsWrite() && ev.Size == 1 && ev.Port == port
}

func isWrite(ev *hv.PortIOEvent, port uint16) bool {
	return ev.IsWrite() && ev.Size == 1 && ev.Port == port
}

// step applies one transition and reports whether ev matched the current
// state.
func (c *Controller) step(ev *hv.PortIOEvent) bool {
	switch c.state {
	case StateIdle:
		if !isRead(ev, StatusPort) {
			return false
		}
		ev.SetValue(uint32(StatusReady))
		c.state = StateAwaitSectorCount

	case StateAwaitSectorCount:
		if !isWrite(ev, SectorCountPort) || ev.Value() != 1 {
			return false
		}
		c.state = StateAwaitIdxByte0

	case StateAwaitIdxByte0:
		if !isWrite(ev, LBA0Port) {
			return false
		}
		c.sector = ev.Value() & 0xFF
		c.state = StateAwaitIdxByte1

	case StateAwaitIdxByte1:
		if !isWrite(ev, LBA1Port) {
			return false
		}
		c.sector |= (ev.Value() & 0xFF) << 8
		c.state = StateAwaitIdxByte2

	case StateAwaitIdxByte2:
		if !isWrite(ev, LBA2Port) {
			return false
		}
		c.sector |= (ev.Value() & 0xFF) << 16
		c.state = StateAwaitIdxByte3

	case StateAwaitIdxByte3:
		if !isWrite(ev, LBA3Port) {
			return false
		}
		c.sector |= (ev.Value() & 0x0F) << 24
		slog.Debug("ide: sector index", "sector", c.sector)
		c.state = StateAwaitWriteCommand

	case StateAwaitWriteCommand:
		if !isWrite(ev, CommandPort) || ev.Value() != uint32(CommandWriteSectors) {
			return false
		}
		c.state = StateAwaitDataReady

	case StateAwaitDataReady:
		if !isRead(ev, StatusPort) {
			return false
		}
		ev.SetValue(uint32(StatusReady))
		c.state = StateReceivingData

	case StateReceivingData:
		return c.receive(ev)

	default:
		return false
	}

	return true
}

func (c *Controller) receive(ev *hv.PortIOEvent) bool {
	if !ev.IsWrite() || ev.Port != DataPort {
		return false
	}

	size := int(ev.Size)
	switch size {
	case 1, 2, 4:
	default:
		slog.Debug("ide: unsupported data write size", "size", size)
		return false
	}
	if c.count+size > disk.SectorSize || len(ev.Data) < size {
		slog.Debug("ide: data overflow", "count", c.count, "size", size)
		return false
	}

	copy(c.buf[c.count:], ev.Data[:size])
	c.count += size

	if c.count == disk.SectorSize {
		c.flush()
		c.Reset()
	}
	return true
}

func (c *Controller) flush() {
	if err := c.backend.WriteSector(c.sector, &c.buf); err != nil {
		slog.Warn("ide: sector write dropped", "sector", c.sector, "error", err)
		return
	}
	slog.Debug("ide: sector written", "sector", c.sector)
}

var (
	_ hv.PortIODevice = (*Controller)(nil)
)
