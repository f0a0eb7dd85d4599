package hv

import (
	"encoding/binary"
	"fmt"
)

// ExitKind classifies a vCPU exit independently of the backend.
type ExitKind int

const (
	ExitKindUnknown ExitKind = iota
	ExitKindIO
	ExitKindMMIO
	ExitKindHalt
	ExitKindFailEntry
	ExitKindInternalError
	ExitKindShutdown
)

func (k ExitKind) String() string {
	switch k {
	case ExitKindIO:
		return "io"
	case ExitKindMMIO:
		return "mmio"
	case ExitKindHalt:
		return "halt"
	case ExitKindFailEntry:
		return "fail-entry"
	case ExitKindInternalError:
		return "internal-error"
	case ExitKindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Fatal reports whether an exit of this kind says the guest context is broken
// and can no longer be resumed. Unknown exits are not classified as fatal.
func (k ExitKind) Fatal() bool {
	switch k {
	case ExitKindFailEntry, ExitKindInternalError, ExitKindShutdown:
		return true
	default:
		return false
	}
}

// Exit is the decoded payload of one synchronous vCPU exit. IO and MMIO are
// owned by the caller; answers written into read events reach the guest when
// the vCPU is next run.
type Exit struct {
	Kind ExitKind

	// Reason is the backend's raw exit code and ReasonName its symbolic name.
	Reason     uint32
	ReasonName string

	// IO holds one event per element of the access. String instructions
	// (rep outs/ins) produce more than one.
	IO   []*PortIOEvent
	MMIO *MMIOEvent

	// Detail is the fail-entry hardware reason or the internal-error suberror.
	Detail     uint64
	DetailName string
}

// ExitError is returned when the vCPU stops on an exit it cannot be resumed
// from.
type ExitError struct {
	Kind       ExitKind
	ReasonName string
	Detail     uint64
	DetailName string
}

func (e *ExitError) Error() string {
	switch {
	case e.DetailName != "":
		return fmt.Sprintf("vcpu exit %s: %s", e.ReasonName, e.DetailName)
	case e.Kind == ExitKindFailEntry:
		return fmt.Sprintf("vcpu exit %s: hardware entry failure reason 0x%x", e.ReasonName, e.Detail)
	default:
		return fmt.Sprintf("vcpu exit %s", e.ReasonName)
	}
}

// NewExitError builds the error reported for a fatal exit.
func NewExitError(exit Exit) *ExitError {
	return &ExitError{
		Kind:       exit.Kind,
		ReasonName: exit.ReasonName,
		Detail:     exit.Detail,
		DetailName: exit.DetailName,
	}
}

type IODirection uint8

const (
	IODirectionIn  IODirection = 0
	IODirectionOut IODirection = 1
)

func (d IODirection) String() string {
	if d == IODirectionOut {
		return "out"
	}
	return "in"
}

// PortIOEvent is one port access. For reads the device fills Data; for writes
// Data holds the value the guest wrote, little endian.
type PortIOEvent struct {
	Direction IODirection
	Size      uint8
	Port      uint16
	Data      []byte
}

func (e *PortIOEvent) IsWrite() bool { return e.Direction == IODirectionOut }

// Value returns the accessed value zero extended to 32 bits.
func (e *PortIOEvent) Value() uint32 {
	switch len(e.Data) {
	case 1:
		return uint32(e.Data[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(e.Data))
	case 4:
		return binary.LittleEndian.Uint32(e.Data)
	default:
		return 0
	}
}

// SetValue stores v into Data using the access size.
func (e *PortIOEvent) SetValue(v uint32) {
	switch len(e.Data) {
	case 1:
		e.Data[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(e.Data, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(e.Data, v)
	}
}

func (e *PortIOEvent) String() string {
	return fmt.Sprintf("%s size=%d port=0x%04x value=0x%x", e.Direction, e.Size, e.Port, e.Value())
}

// MMIOEvent is an access to a guest-physical address that no region maps.
type MMIOEvent struct {
	PhysAddr uint64
	Data     []byte
	IsWrite  bool
}

// Value returns the written value for 1, 2, 4 and 8 byte accesses.
func (e *MMIOEvent) Value() uint64 {
	switch len(e.Data) {
	case 1:
		return uint64(e.Data[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(e.Data))
	case 4:
		return uint64(binary.LittleEndian.Uint32(e.Data))
	case 8:
		return binary.LittleEndian.Uint64(e.Data)
	default:
		return 0
	}
}
