package pvdisk

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmm/internal/devices/ide"
	"github.com/tinyrange/vmm/internal/disk"
	"github.com/tinyrange/vmm/internal/hv"
)

type recordingBackend struct {
	idx  []uint32
	data []disk.Sector
}

func (r *recordingBackend) WriteSector(idx uint32, data *disk.Sector) error {
	r.idx = append(r.idx, idx)
	r.data = append(r.data, *data)
	return nil
}

func hypercall(value uint32, size uint8, port uint16, dir hv.IODirection) *hv.PortIOEvent {
	ev := &hv.PortIOEvent{Direction: dir, Size: size, Port: port, Data: make([]byte, size)}
	ev.SetValue(value)
	return ev
}

func sector(fill byte) *disk.Sector {
	var s disk.Sector
	for i := range s {
		s[i] = fill ^ byte(i)
	}
	return &s
}

func TestEncodeLayout(t *testing.T) {
	raw := Encode(0x01020304, sector(0x5A))
	require.Len(t, raw, RequestSize)
	assert.Equal(t, []byte{0x04, 0x03, 0x02, 0x01}, raw[:4])
	assert.Equal(t, sector(0x5A)[:], raw[4:])

	req, err := ReadRequest(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020304), req.Sector)
	assert.Equal(t, *sector(0x5A), req.Data)
}

func TestHypercallWritesOneSector(t *testing.T) {
	backend := &recordingBackend{}
	page := make([]byte, 0x1000)
	copy(page, Encode(9, sector(0x11)))

	d := New(bytes.NewReader(page), backend)
	d.HandlePortIO(hypercall(uint32(Magic), 1, Port, hv.IODirectionOut))

	require.Len(t, backend.idx, 1)
	assert.Equal(t, uint32(9), backend.idx[0])
	assert.Equal(t, *sector(0x11), backend.data[0])
	assert.Equal(t, uint64(1), d.Calls())
}

func TestHypercallIgnoresOtherEvents(t *testing.T) {
	backend := &recordingBackend{}
	d := New(bytes.NewReader(Encode(1, sector(0))), backend)

	for _, ev := range []*hv.PortIOEvent{
		hypercall(2, 1, Port, hv.IODirectionOut),
		hypercall(uint32(Magic), 2, Port, hv.IODirectionOut),
		hypercall(0, 1, Port, hv.IODirectionIn),
		hypercall(uint32(Magic), 1, Port+1, hv.IODirectionOut),
		hypercall(uint32(Magic), 1, ide.StatusPort, hv.IODirectionOut),
	} {
		d.HandlePortIO(ev)
	}
	assert.Empty(t, backend.idx)
	assert.Zero(t, d.Calls())
}

func TestHypercallIndependentOfIDE(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, disk.Create(path, 4, nil))
	backend := disk.Open(path)

	controller := ide.New(backend)
	d := New(bytes.NewReader(Encode(2, sector(0x77))), backend)
	devices := []hv.PortIODevice{controller, d}

	broadcast := func(ev *hv.PortIOEvent) {
		for _, dev := range devices {
			dev.HandlePortIO(ev)
		}
	}

	// Leave the IDE controller mid-handshake.
	broadcast(hypercall(0, 1, ide.StatusPort, hv.IODirectionIn))
	broadcast(hypercall(1, 1, ide.SectorCountPort, hv.IODirectionOut))
	require.Equal(t, ide.StateAwaitIdxByte0, controller.State())

	broadcast(hypercall(uint32(Magic), 1, Port, hv.IODirectionOut))
	assert.Equal(t, ide.StateAwaitIdxByte0, controller.State())

	got, err := backend.ReadSector(2)
	require.NoError(t, err)
	assert.Equal(t, *sector(0x77), got)
}

func TestHypercallShortBufferDropped(t *testing.T) {
	backend := &recordingBackend{}
	short := make([]byte, 8)
	binary.LittleEndian.PutUint32(short, 3)

	d := New(bytes.NewReader(short), backend)
	d.HandlePortIO(hypercall(uint32(Magic), 1, Port, hv.IODirectionOut))
	assert.Empty(t, backend.idx)
	assert.Equal(t, uint64(1), d.Calls())
}
