package hv

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	ErrVMClosed              = errors.New("virtual machine closed")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrRegionOverlap         = errors.New("memory region overlaps an existing region")
)

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 code segment, set through the special registers.
	RegisterAMD64CsBase
	RegisterAMD64CsSelector
)

// VirtualCPU is a single vCPU. Run resumes the guest and returns the next
// synchronous exit. Only one goroutine may call Run at a time.
type VirtualCPU interface {
	VirtualMachine() VirtualMachine
	ID() int

	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	Run(ctx context.Context) (Exit, error)
}

// PortIODevice receives every port I/O exit. Devices decide for themselves
// whether an event is theirs; the dispatcher does not pre-filter by port.
type PortIODevice interface {
	HandlePortIO(ev *PortIOEvent)
}

// PortIODeviceFunc adapts a plain function to PortIODevice.
type PortIODeviceFunc func(ev *PortIOEvent)

func (f PortIODeviceFunc) HandlePortIO(ev *PortIOEvent) { f(ev) }

var (
	_ PortIODevice = PortIODeviceFunc(nil)
)

// MemoryRegion is one guest-physical window backed by host memory the
// virtual machine owns. Slots are dense and unique per VM.
type MemoryRegion struct {
	Name          string
	Slot          uint32
	GuestPhysAddr uint64
	Size          uint64

	// LogDirtyPages asks the hypervisor to track writes to the region. The
	// resulting bitmap is never consumed.
	LogDirtyPages bool
}

func (r MemoryRegion) End() uint64 { return r.GuestPhysAddr + r.Size }

func (r MemoryRegion) String() string {
	return fmt.Sprintf("%s[slot=%d 0x%x-0x%x)", r.Name, r.Slot, r.GuestPhysAddr, r.End())
}

// MappedRegion is a MemoryRegion together with its host backing.
type MappedRegion interface {
	io.ReaderAt
	io.WriterAt

	Region() MemoryRegion
	Bytes() []byte
}

type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	io.Closer

	Hypervisor() Hypervisor

	MemorySize() uint64
	MemoryBase() uint64

	// MapRegion allocates host memory for region and registers it with the
	// hypervisor.
	MapRegion(region MemoryRegion) (MappedRegion, error)

	// Region returns the mapping registered under slot.
	Region(slot uint32) (MappedRegion, bool)

	VirtualCPU() VirtualCPU
}

type VMLoader interface {
	Load(vm VirtualMachine) error
}

type VMCallbacks interface {
	OnCreateVM(vm VirtualMachine) error
	OnCreateVCPU(vCpu VirtualCPU) error
}

type VMConfig interface {
	// Assume all methods here will be treated as dumb getters
	// which can be called multiple times across multiple threads.

	MemorySize() uint64
	MemoryBase() uint64
	Regions() []MemoryRegion
	Callbacks() VMCallbacks
	Loader() VMLoader
}

type SimpleVMConfig struct {
	MemSize      uint64
	MemBase      uint64
	ExtraRegions []MemoryRegion
	VMLoader     VMLoader

	CreateVM   func(vm VirtualMachine) error
	CreateVCPU func(vCpu VirtualCPU) error
}

// OnCreateVM implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVM(vm VirtualMachine) error {
	if c.CreateVM != nil {
		return c.CreateVM(vm)
	}
	return nil
}

// OnCreateVCPU implements VMCallbacks.
func (c SimpleVMConfig) OnCreateVCPU(vCpu VirtualCPU) error {
	if c.CreateVCPU != nil {
		return c.CreateVCPU(vCpu)
	}
	return nil
}

func (c SimpleVMConfig) MemorySize() uint64      { return c.MemSize }
func (c SimpleVMConfig) MemoryBase() uint64      { return c.MemBase }
func (c SimpleVMConfig) Regions() []MemoryRegion { return c.ExtraRegions }
func (c SimpleVMConfig) Callbacks() VMCallbacks  { return c }
func (c SimpleVMConfig) Loader() VMLoader        { return c.VMLoader }

var (
	_ VMConfig = SimpleVMConfig{}
)

type Hypervisor interface {
	io.Closer

	Architecture() CpuArchitecture

	NewVirtualMachine(config VMConfig) (VirtualMachine, error)
}
