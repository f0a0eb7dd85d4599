// Package vmm runs a single-vCPU machine: it resumes the vCPU, classifies
// every exit and routes port I/O to the emulated devices.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/tinyrange/vmm/internal/hv"
)

// RunState is where the dispatcher's vCPU is in its run loop.
type RunState int32

const (
	StateRunning RunState = iota
	StateExitedIO
	StateExitedMMIO
	StateExitedHalt
	StateExitedFatal
	StateExitedUnknown
)

func (s RunState) String() string {
	switch s {
	case StateRunning:
		return "Running"
	case StateExitedIO:
		return "ExitedIO"
	case StateExitedMMIO:
		return "ExitedMMIO"
	case StateExitedHalt:
		return "ExitedHalt"
	case StateExitedFatal:
		return "ExitedFatal"
	case StateExitedUnknown:
		return "ExitedUnknown"
	default:
		return fmt.Sprintf("RunState(%d)", int32(s))
	}
}

func stateFor(kind hv.ExitKind) RunState {
	switch {
	case kind == hv.ExitKindIO:
		return StateExitedIO
	case kind == hv.ExitKindMMIO:
		return StateExitedMMIO
	case kind == hv.ExitKindHalt:
		return StateExitedHalt
	case kind.Fatal():
		return StateExitedFatal
	default:
		return StateExitedUnknown
	}
}

// unclaimedRead is what a port read returns when no device answers it.
const unclaimedRead = 0xFF

// Stats counts the exits a dispatcher has handled.
type Stats struct {
	IO       uint64
	PortIO   uint64
	MMIO     uint64
	Halt     uint64
	Fatal    uint64
	Unknown  uint64
	Resumes  uint64
	LastExit hv.ExitKind
}

// Dispatcher owns the run loop of one vCPU. Devices are only invoked from
// the goroutine calling Run, so they need no locking of their own.
type Dispatcher struct {
	vcpu    hv.VirtualCPU
	devices []hv.PortIODevice

	state    atomic.Int32
	lastExit atomic.Int32

	resumes atomic.Uint64
	io      atomic.Uint64
	portIO  atomic.Uint64
	mmio    atomic.Uint64
	halt    atomic.Uint64
	fatal   atomic.Uint64
	unknown atomic.Uint64
}

// NewDispatcher returns a dispatcher that broadcasts every port access on
// vcpu to devices, in order.
func NewDispatcher(vcpu hv.VirtualCPU, devices ...hv.PortIODevice) *Dispatcher {
	return &Dispatcher{vcpu: vcpu, devices: devices}
}

// State returns the state the run loop last entered.
func (d *Dispatcher) State() RunState { return RunState(d.state.Load()) }

func (d *Dispatcher) setState(s RunState) { d.state.Store(int32(s)) }

// Stats returns a snapshot of the exit counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		IO:       d.io.Load(),
		PortIO:   d.portIO.Load(),
		MMIO:     d.mmio.Load(),
		Halt:     d.halt.Load(),
		Fatal:    d.fatal.Load(),
		Unknown:  d.unknown.Load(),
		Resumes:  d.resumes.Load(),
		LastExit: hv.ExitKind(d.lastExit.Load()),
	}
}

// Run resumes the vCPU until the guest halts, returning nil, or until it
// stops on an exit it cannot be resumed from, returning an *hv.ExitError.
// Cancelling ctx or closing the virtual machine also ends the loop cleanly.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		d.setState(StateRunning)
		d.resumes.Add(1)

		exit, err := d.vcpu.Run(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, hv.ErrVMClosed) {
				slog.Debug("vmm: run loop stopped", "reason", err)
				return nil
			}
			return fmt.Errorf("run vCPU: %w", err)
		}

		if done, err := d.Dispatch(exit); done {
			return err
		}
	}
}

// Dispatch handles one exit. It reports whether the run loop must stop and,
// for exits the guest cannot continue from, the error describing it.
func (d *Dispatcher) Dispatch(exit hv.Exit) (bool, error) {
	d.setState(stateFor(exit.Kind))
	d.lastExit.Store(int32(exit.Kind))

	switch exit.Kind {
	case hv.ExitKindIO:
		d.io.Add(1)
		for _, ev := range exit.IO {
			d.handlePortIO(ev)
		}
		return false, nil

	case hv.ExitKindMMIO:
		d.mmio.Add(1)
		if ev := exit.MMIO; ev != nil {
			slog.Warn("vmm: access outside mapped memory",
				"addr", fmt.Sprintf("0x%x", ev.PhysAddr),
				"len", len(ev.Data),
				"write", ev.IsWrite,
				"value", fmt.Sprintf("0x%x", ev.Value()),
			)
		}
		return false, nil

	case hv.ExitKindHalt:
		d.halt.Add(1)
		slog.Info("vmm: guest halted")
		return true, nil

	default:
		err := hv.NewExitError(exit)
		if exit.Kind.Fatal() {
			d.fatal.Add(1)
			slog.Error("vmm: vcpu cannot be resumed", "kind", exit.Kind, "error", err)
		} else {
			d.unknown.Add(1)
			slog.Error("vmm: unhandled exit", "reason", exit.ReasonName, "code", exit.Reason)
		}
		return true, err
	}
}

func (d *Dispatcher) handlePortIO(ev *hv.PortIOEvent) {
	d.portIO.Add(1)

	if !ev.IsWrite() {
		for i := range ev.Data {
			ev.Data[i] = unclaimedRead
		}
	}

	for _, dev := range d.devices {
		dev.HandlePortIO(ev)
	}

	if slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug("vmm: port io",
			"dir", ev.Direction,
			"size", ev.Size,
			"port", fmt.Sprintf("0x%04x", ev.Port),
			"value", fmt.Sprintf("0x%x", ev.Value()),
		)
	}
}
