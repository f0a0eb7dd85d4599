// Package pvdisk implements the paravirtual sector-write hypercall. The guest
// fills a request in the shared hypercall page and writes the magic value to
// the hypercall port; the request is committed to disk in one exit.
package pvdisk

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/tinyrange/vmm/internal/disk"
	"github.com/tinyrange/vmm/internal/hv"
)

const (
	// BufferAddr is the guest-physical address of the request page.
	BufferAddr uint64 = 0xFA000

	Port  uint16 = 0xABBA
	Magic byte   = 1

	// RequestSize is a little-endian u32 sector index followed by one sector.
	RequestSize = 4 + disk.SectorSize
)

// Request is the layout of the shared buffer.
type Request struct {
	Sector uint32
	Data   disk.Sector
}

// Encode returns the wire form of a request as the guest lays it out.
func Encode(sector uint32, data *disk.Sector) []byte {
	buf := make([]byte, RequestSize)
	binary.LittleEndian.PutUint32(buf, sector)
	copy(buf[4:], data[:])
	return buf
}

// ReadRequest decodes a request from the start of r.
func ReadRequest(r io.ReaderAt) (Request, error) {
	var raw [RequestSize]byte
	if _, err := r.ReadAt(raw[:], 0); err != nil {
		return Request{}, fmt.Errorf("pvdisk: read request: %w", err)
	}

	var req Request
	req.Sector = binary.LittleEndian.Uint32(raw[:4])
	copy(req.Data[:], raw[4:])
	return req, nil
}

// Device services hypercalls against the request buffer buf, which is read
// from offset zero. Nothing guards buf: the guest must finish writing the
// request before the trigger write, which holds with a single vCPU.
type Device struct {
	buf     io.ReaderAt
	backend disk.SectorWriter

	calls uint64
}

func New(buf io.ReaderAt, backend disk.SectorWriter) *Device {
	return &Device{buf: buf, backend: backend}
}

// Calls returns the number of hypercalls serviced.
func (d *Device) Calls() uint64 { return d.calls }

// HandlePortIO implements hv.PortIODevice.
func (d *Device) HandlePortIO(ev *hv.PortIOEvent) {
	if !ev.IsWrite() || ev.Size != 1 || ev.Port != Port || ev.Value() != uint32(Magic) {
		return
	}
	d.calls++

	req, err := ReadRequest(d.buf)
	if err != nil {
		slog.Warn("pvdisk: hypercall dropped", "error", err)
		return
	}

	if err := d.backend.WriteSector(req.Sector, &req.Data); err != nil {
		slog.Warn("pvdisk: sector write dropped", "sector", req.Sector, "error", err)
		return
	}
	slog.Debug("pvdisk: sector written", "sector", req.Sector)
}

var (
	_ hv.PortIODevice = (*Device)(nil)
)
