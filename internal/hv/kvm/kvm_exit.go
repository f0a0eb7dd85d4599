//go:build linux

package kvm

import (
	"unsafe"

	"github.com/tinyrange/vmm/internal/hv"
)

// completion carries the results of a read exit back into kvm_run. KVM picks
// them up on the next KVM_RUN.
type completion struct {
	ioOffset uint64
	io       []*hv.PortIOEvent
	mmio     *hv.MMIOEvent
}

// apply copies the device answers into run. It must run on the vCPU thread
// before the next KVM_RUN.
func (c *completion) apply(run []byte) {
	off := c.ioOffset
	for _, ev := range c.io {
		copy(run[off:off+uint64(ev.Size)], ev.Data)
		off += uint64(ev.Size)
	}
	if c.mmio != nil {
		data := (*kvmRunData)(unsafe.Pointer(&run[0]))
		mmio := (*kvmExitMMIOData)(unsafe.Pointer(&data.anon0[0]))
		copy(mmio.data[:], c.mmio.Data)
	}
}

// decodeExit translates the exit recorded in the kvm_run mapping run into an
// hv.Exit. Event data is copied out of run, so the exit stays valid after the
// mapping is gone. Read exits also return the completion to apply before the
// vCPU is resumed.
func decodeExit(run []byte) (hv.Exit, *completion) {
	data := (*kvmRunData)(unsafe.Pointer(&run[0]))
	reason := kvmExitReason(data.exit_reason)

	exit := hv.Exit{
		Reason:     uint32(reason),
		ReasonName: reason.String(),
	}
	var done *completion

	switch reason {
	case kvmExitIo:
		exit.Kind = hv.ExitKindIO
		io := (*kvmExitIoData)(unsafe.Pointer(&data.anon0[0]))
		exit.IO = decodeIO(io, run)
		if io.direction == kvmExitIoIn && len(exit.IO) > 0 {
			done = &completion{ioOffset: io.dataOffset, io: exit.IO}
		}
	case kvmExitMmio:
		exit.Kind = hv.ExitKindMMIO
		exit.MMIO = decodeMMIO((*kvmExitMMIOData)(unsafe.Pointer(&data.anon0[0])))
		if !exit.MMIO.IsWrite {
			done = &completion{mmio: exit.MMIO}
		}
	case kvmExitHlt:
		exit.Kind = hv.ExitKindHalt
	case kvmExitFailEntry:
		fail := (*failEntry)(unsafe.Pointer(&data.anon0[0]))
		exit.Kind = hv.ExitKindFailEntry
		exit.Detail = fail.HardwareEntryFailureReason
	case kvmExitInternalError:
		ierr := (*internalError)(unsafe.Pointer(&data.anon0[0]))
		exit.Kind = hv.ExitKindInternalError
		exit.Detail = uint64(ierr.Suberror)
		exit.DetailName = ierr.Suberror.String()
	case kvmExitShutdown:
		exit.Kind = hv.ExitKindShutdown
	default:
		exit.Kind = hv.ExitKindUnknown
	}

	return exit, done
}

func decodeIO(io *kvmExitIoData, run []byte) []*hv.PortIOEvent {
	dir := hv.IODirectionIn
	if io.direction == kvmExitIoOut {
		dir = hv.IODirectionOut
	}

	count := int(io.count)
	if count == 0 {
		count = 1
	}
	size := uint64(io.size)
	end := io.dataOffset + size*uint64(count)
	if size == 0 || end > uint64(len(run)) {
		return nil
	}

	events := make([]*hv.PortIOEvent, count)
	for i := range events {
		off := io.dataOffset + uint64(i)*size
		events[i] = &hv.PortIOEvent{
			Direction: dir,
			Size:      io.size,
			Port:      io.port,
			Data:      append([]byte(nil), run[off:off+size]...),
		}
	}
	return events
}

func decodeMMIO(mmio *kvmExitMMIOData) *hv.MMIOEvent {
	n := mmio.len
	if n > uint32(len(mmio.data)) {
		n = uint32(len(mmio.data))
	}
	return &hv.MMIOEvent{
		PhysAddr: mmio.physAddr,
		Data:     append([]byte(nil), mmio.data[:n]...),
		IsWrite:  mmio.isWrite != 0,
	}
}
