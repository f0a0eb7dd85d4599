package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vmm/internal/devices/ide"
	"github.com/tinyrange/vmm/internal/devices/pvdisk"
	"github.com/tinyrange/vmm/internal/devices/serial"
	"github.com/tinyrange/vmm/internal/disk"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/helpers"
	"github.com/tinyrange/vmm/internal/vga"
)

// Memory slots after RAM, which is always slot 0 at guest address 0.
const (
	SlotFrameBuffer = 1
	SlotHypercall   = 2

	windowSize = 0x1000
)

// Regions returns the fixed device windows mapped above RAM.
func Regions() []hv.MemoryRegion {
	return []hv.MemoryRegion{
		{Name: "vga", Slot: SlotFrameBuffer, GuestPhysAddr: vga.Addr, Size: windowSize, LogDirtyPages: true},
		{Name: "hypercall", Slot: SlotHypercall, GuestPhysAddr: pvdisk.BufferAddr, Size: windowSize},
	}
}

// DisplayOptions enables the terminal presentation of the frame buffer.
type DisplayOptions struct {
	Out       io.Writer
	In        io.Reader
	RefreshHz int
}

// Options describes the machine to build.
type Options struct {
	// Image is the flat real-mode guest, loaded at address 0.
	Image      []byte
	MemorySize uint64

	// Disk receives sector writes from both disk devices.
	Disk disk.SectorWriter

	// Serial receives the guest's COM1 output. Nil leaves COM1 unclaimed.
	Serial io.Writer

	// Display is nil for a headless machine.
	Display *DisplayOptions
}

// Machine is a virtual machine with its devices attached.
type Machine struct {
	vm         hv.VirtualMachine
	dispatcher *Dispatcher
	ide        *ide.Controller
	pvdisk     *pvdisk.Device
	serial     *serial.UART
	display    *vga.Display
	frame      hv.MappedRegion

	// mu guards the running Run, which Close stops before releasing the VM.
	mu      sync.Mutex
	closed  bool
	cancel  context.CancelFunc
	running chan struct{}
}

// New creates the virtual machine on h, loads the guest and attaches the
// devices. The caller must Close the machine.
func New(h hv.Hypervisor, opts Options) (*Machine, error) {
	if len(opts.Image) == 0 {
		return nil, fmt.Errorf("vmm: no guest image")
	}
	if opts.Disk == nil {
		return nil, fmt.Errorf("vmm: no disk backend")
	}

	vm, err := h.NewVirtualMachine(hv.SimpleVMConfig{
		MemSize:      opts.MemorySize,
		ExtraRegions: Regions(),
		VMLoader:     &helpers.ImageLoader{Image: opts.Image},
	})
	if err != nil {
		return nil, fmt.Errorf("vmm: create virtual machine: %w", err)
	}

	frame, ok := vm.Region(SlotFrameBuffer)
	hypercall, ok2 := vm.Region(SlotHypercall)
	if !ok || !ok2 {
		vm.Close()
		return nil, fmt.Errorf("vmm: device windows not mapped")
	}

	m := &Machine{
		vm:     vm,
		ide:    ide.New(opts.Disk),
		pvdisk: pvdisk.New(hypercall, opts.Disk),
		frame:  frame,
	}
	devices := []hv.PortIODevice{m.ide, m.pvdisk}
	if opts.Serial != nil {
		m.serial = serial.New(serial.COM1, opts.Serial)
		devices = append(devices, m.serial)
	}
	m.dispatcher = NewDispatcher(vm.VirtualCPU(), devices...)

	if d := opts.Display; d != nil {
		m.display = &vga.Display{
			Source:    frame,
			Out:       d.Out,
			In:        d.In,
			RefreshHz: d.RefreshHz,
		}
	}

	slog.Debug("vmm: machine created",
		"memory", fmt.Sprintf("0x%x", opts.MemorySize),
		"image", len(opts.Image),
		"display", m.display != nil,
	)
	return m, nil
}

func (m *Machine) Dispatcher() *Dispatcher { return m.dispatcher }

func (m *Machine) VirtualMachine() hv.VirtualMachine { return m.vm }

// Screen returns the current contents of the text-mode frame buffer.
func (m *Machine) Screen() (vga.Frame, error) {
	return vga.ReadFrame(m.frame)
}

// Run runs the guest and, when enabled, the display. Without a display it
// returns once the guest halts. With one it returns when the user quits,
// so the last screen stays visible after the guest halts. A fatal exit ends
// both and is returned.
func (m *Machine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("vmm: run: %w", hv.ErrVMClosed)
	}
	if m.running != nil {
		m.mu.Unlock()
		return fmt.Errorf("vmm: machine is already running")
	}
	running := make(chan struct{})
	m.cancel, m.running = cancel, running
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.cancel, m.running = nil, nil
		m.mu.Unlock()
		close(running)
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.dispatcher.Run(ctx)
	})
	if m.display != nil {
		g.Go(func() error {
			return m.display.Run(ctx)
		})
	}

	err := g.Wait()

	st := m.dispatcher.Stats()
	slog.Debug("vmm: exit statistics",
		"resumes", st.Resumes,
		"io", st.IO,
		"portio", st.PortIO,
		"mmio", st.MMIO,
		"halt", st.Halt,
		"fatal", st.Fatal,
		"unknown", st.Unknown,
		"hypercalls", m.pvdisk.Calls(),
	)
	if m.serial != nil {
		slog.Debug("vmm: serial statistics", "transmitted", m.serial.Transmitted())
	}
	if m.display != nil {
		ds := m.display.Stats()
		slog.Debug("vmm: display statistics", "flushes", ds.Flushes, "cells", ds.CellsWritten)
	}

	if errors.Is(err, vga.ErrQuit) {
		return nil
	}
	return err
}

// Close stops a running Run, waits for it to return and then releases the
// virtual machine. Run returns nil when stopped this way.
func (m *Machine) Close() error {
	m.mu.Lock()
	m.closed = true
	cancel, running := m.cancel, m.running
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-running
	}
	return m.vm.Close()
}
