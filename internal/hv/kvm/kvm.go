//go:build linux

package kvm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tinyrange/vmm/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm       *virtualMachine
	runQueue chan func()
	done     chan struct{}
	id       int
	fd       int
	run      []byte

	// pending holds the answers of the last read exit. Only the vCPU thread
	// touches it.
	pending *completion

	// tid of the locked OS thread running start, set once it begins.
	tid atomic.Int32
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int                           { return v.id }
func (v *virtualCPU) VirtualMachine() hv.VirtualMachine { return v.vm }

func (v *virtualCPU) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(v.done)

	v.tid.Store(int32(unix.Gettid()))

	for fn := range v.runQueue {
		fn()
	}
}

// call runs fn on the vCPU thread and waits for it.
func (v *virtualCPU) call(fn func()) {
	finished := make(chan struct{})
	v.runQueue <- func() {
		defer close(finished)
		fn()
	}
	<-finished
}

// do runs fn on the vCPU thread unless the VM has been closed.
func (v *virtualCPU) do(fn func()) error {
	v.vm.lifecycle.RLock()
	defer v.vm.lifecycle.RUnlock()

	if v.vm.closed {
		return hv.ErrVMClosed
	}
	v.call(fn)
	return nil
}

func (v *virtualCPU) RequestImmediateExit(tid int) error {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// set immediate_exit to request vCPU exit
	run.immediate_exit = 1

	// send signal to the vCPU thread to interrupt it
	if err := unix.Tgkill(unix.Getpid(), tid, unix.SIGUSR1); err != nil {
		return fmt.Errorf("kvm: request immediate exit: %w", err)
	}

	return nil
}

// Run implements hv.VirtualCPU.
func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	var (
		exit hv.Exit
		err  error
	)
	if cerr := v.do(func() {
		exit, err = v.runOnce(ctx)
	}); cerr != nil {
		return hv.Exit{}, cerr
	}
	return exit, err
}

// runOnce enters the guest until the next exit. It must be called on the
// vCPU thread.
func (v *virtualCPU) runOnce(ctx context.Context) (hv.Exit, error) {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	if c := v.pending; c != nil {
		c.apply(v.run)
		v.pending = nil
	}

	// immediate_exit must be cleared before the stop hooks are armed.
	run.immediate_exit = 0

	if v.vm.stopping.Load() {
		return hv.Exit{}, hv.ErrVMClosed
	}
	if ctx.Done() != nil {
		tid := unix.Gettid()
		stop := context.AfterFunc(ctx, func() {
			_ = v.RequestImmediateExit(tid)
		})
		defer stop()
	}
	if err := ctx.Err(); err != nil {
		return hv.Exit{}, err
	}

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			if err := ctx.Err(); err != nil {
				return hv.Exit{}, err
			}
			if v.vm.stopping.Load() {
				return hv.Exit{}, hv.ErrVMClosed
			}
			run.immediate_exit = 0
			continue
		} else if err != nil {
			return hv.Exit{}, fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}

	exit, done := decodeExit(v.run)
	v.pending = done
	return exit, nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

// mappedRegion is host memory registered with KVM as one memory slot.
type mappedRegion struct {
	vm     *virtualMachine
	region hv.MemoryRegion
	mem    []byte
}

// implements hv.MappedRegion.
func (m *mappedRegion) Region() hv.MemoryRegion { return m.region }
func (m *mappedRegion) Bytes() []byte           { return m.mem }

func (m *mappedRegion) ReadAt(p []byte, off int64) (n int, err error) {
	m.vm.lifecycle.RLock()
	defer m.vm.lifecycle.RUnlock()
	if m.vm.closed {
		return 0, fmt.Errorf("kvm: ReadAt %s after close", m.region.Name)
	}

	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("kvm: ReadAt offset out of bounds")
	}

	n = copy(p, m.mem[off:])
	if n < len(p) {
		err = fmt.Errorf("kvm: ReadAt short read")
	}

	return n, err
}

func (m *mappedRegion) WriteAt(p []byte, off int64) (n int, err error) {
	m.vm.lifecycle.RLock()
	defer m.vm.lifecycle.RUnlock()
	if m.vm.closed {
		return 0, fmt.Errorf("kvm: WriteAt %s after close", m.region.Name)
	}

	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("kvm: WriteAt offset out of bounds")
	}

	n = copy(m.mem[off:], p)
	if n < len(p) {
		err = fmt.Errorf("kvm: WriteAt short write")
	}

	return n, err
}

var (
	_ hv.MappedRegion = &mappedRegion{}
)

type virtualMachine struct {
	hv   *hypervisor
	vmFd int
	vcpu *virtualCPU

	// lifecycle is held shared by Run and memory accessors and exclusively
	// by Close, so teardown waits for any in-flight guest entry.
	lifecycle sync.RWMutex
	closed    bool
	stopping  atomic.Bool

	memoryBase uint64
	memorySize uint64

	regionMu     sync.Mutex
	regions      map[uint32]*mappedRegion
	addressSpace *hv.AddressSpace
}

// implements hv.VirtualMachine.
func (v *virtualMachine) MemoryBase() uint64        { return v.memoryBase }
func (v *virtualMachine) MemorySize() uint64        { return v.memorySize }
func (v *virtualMachine) Hypervisor() hv.Hypervisor { return v.hv }
func (v *virtualMachine) VirtualCPU() hv.VirtualCPU { return v.vcpu }

// MapRegion implements hv.VirtualMachine.
func (v *virtualMachine) MapRegion(region hv.MemoryRegion) (hv.MappedRegion, error) {
	maxInt := uint64(^uint(0) >> 1)
	if region.Size > maxInt {
		return nil, fmt.Errorf("kvm: map %s: size %d exceeds host address limit", region.Name, region.Size)
	}

	if err := v.addressSpace.Register(region); err != nil {
		return nil, fmt.Errorf("kvm: map %s: %w", region.Name, err)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(region.Size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		v.addressSpace.Remove(region.Slot)
		return nil, fmt.Errorf("kvm: mmap %s: %w", region.Name, err)
	}

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		slog.Debug("kvm: madvise mergeable", "region", region.Name, "error", err)
	}

	var flags uint32
	if region.LogDirtyPages {
		flags |= kvmMemLogDirtyPages
	}

	if err := setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
		Slot:          region.Slot,
		Flags:         flags,
		GuestPhysAddr: region.GuestPhysAddr,
		MemorySize:    region.Size,
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}); err != nil {
		unix.Munmap(mem)
		v.addressSpace.Remove(region.Slot)
		return nil, fmt.Errorf("kvm: set user memory region %s: %w", region, err)
	}

	m := &mappedRegion{vm: v, region: region, mem: mem}

	v.regionMu.Lock()
	v.regions[region.Slot] = m
	v.regionMu.Unlock()

	slog.Debug("kvm: mapped region", "region", region.String(), "dirty_log", region.LogDirtyPages)

	return m, nil
}

// Region implements hv.VirtualMachine.
func (v *virtualMachine) Region(slot uint32) (hv.MappedRegion, bool) {
	v.regionMu.Lock()
	defer v.regionMu.Unlock()

	m, ok := v.regions[slot]
	if !ok {
		return nil, false
	}
	return m, true
}

func (v *virtualMachine) regionAt(gpa uint64) (*mappedRegion, int64, bool) {
	region, ok := v.addressSpace.Lookup(gpa)
	if !ok {
		return nil, 0, false
	}

	v.regionMu.Lock()
	m, ok := v.regions[region.Slot]
	v.regionMu.Unlock()
	if !ok {
		return nil, 0, false
	}
	return m, int64(gpa - region.GuestPhysAddr), true
}

// ReadAt reads guest-physical memory at off. Accesses may not span regions.
func (v *virtualMachine) ReadAt(p []byte, off int64) (n int, err error) {
	m, rel, ok := v.regionAt(uint64(off))
	if !ok {
		return 0, fmt.Errorf("kvm: ReadAt GPA 0x%x is not mapped", off)
	}
	return m.ReadAt(p, rel)
}

// WriteAt writes guest-physical memory at off. Accesses may not span regions.
func (v *virtualMachine) WriteAt(p []byte, off int64) (n int, err error) {
	m, rel, ok := v.regionAt(uint64(off))
	if !ok {
		return 0, fmt.Errorf("kvm: WriteAt GPA 0x%x is not mapped", off)
	}
	return m.WriteAt(p, rel)
}

// Close implements hv.VirtualMachine. It interrupts a running vCPU, waits
// for the vCPU thread to finish and only then releases guest memory.
func (v *virtualMachine) Close() error {
	if v.stopping.Swap(true) {
		return nil
	}
	if v.vcpu != nil {
		if tid := v.vcpu.tid.Load(); tid != 0 {
			_ = v.vcpu.RequestImmediateExit(int(tid))
		}
	}

	v.lifecycle.Lock()
	defer v.lifecycle.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	var errs []error

	if vcpu := v.vcpu; vcpu != nil {
		close(vcpu.runQueue)
		<-vcpu.done

		if err := unix.Munmap(vcpu.run); err != nil {
			errs = append(errs, fmt.Errorf("kvm: munmap vcpu run: %w", err))
		}
		if err := unix.Close(vcpu.fd); err != nil {
			errs = append(errs, fmt.Errorf("kvm: close vcpu fd: %w", err))
		}
	}

	v.regionMu.Lock()
	slots := make([]uint32, 0, len(v.regions))
	for slot := range v.regions {
		slots = append(slots, slot)
	}
	sort.Slice(slots, func(i, j int) bool { return slots[i] > slots[j] })
	for _, slot := range slots {
		m := v.regions[slot]
		if err := unix.Munmap(m.mem); err != nil {
			errs = append(errs, fmt.Errorf("kvm: munmap %s: %w", m.region.Name, err))
		}
		m.mem = nil
		v.addressSpace.Remove(slot)
	}
	v.regions = map[uint32]*mappedRegion{}
	v.regionMu.Unlock()

	if v.vmFd >= 0 {
		if err := unix.Close(v.vmFd); err != nil {
			errs = append(errs, fmt.Errorf("kvm: close vm fd: %w", err))
		}
		v.vmFd = -1
	}

	return errors.Join(errs...)
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

type hypervisor struct {
	fd int
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	if config.MemorySize() == 0 {
		return nil, fmt.Errorf("kvm: memory size must be greater than 0")
	}
	if config.MemorySize() != hv.PageAlign(config.MemorySize()) {
		return nil, fmt.Errorf("kvm: memory size 0x%x is not a whole number of pages", config.MemorySize())
	}

	userMemory, err := checkExtension(h.fd, kvmCapUserMemory)
	if err != nil {
		return nil, fmt.Errorf("kvm: check KVM_CAP_USER_MEMORY: %w", err)
	}
	if userMemory == 0 {
		return nil, fmt.Errorf("kvm: KVM_CAP_USER_MEMORY: %w", hv.ErrHypervisorUnsupported)
	}

	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &virtualMachine{
		hv:           h,
		vmFd:         vmFd,
		memoryBase:   config.MemoryBase(),
		memorySize:   config.MemorySize(),
		regions:      make(map[uint32]*mappedRegion),
		addressSpace: hv.NewAddressSpace(),
	}

	fail := func(err error) (hv.VirtualMachine, error) {
		if cerr := vm.Close(); cerr != nil {
			slog.Error("kvm: cleanup after failed create", "error", cerr)
		}
		return nil, err
	}

	if err := h.archVMInit(vm); err != nil {
		return fail(fmt.Errorf("initialize VM: %w", err))
	}

	if err := config.Callbacks().OnCreateVM(vm); err != nil {
		return fail(fmt.Errorf("VM callback OnCreateVM: %w", err))
	}

	if _, err := vm.MapRegion(hv.MemoryRegion{
		Name:          "ram",
		Slot:          0,
		GuestPhysAddr: config.MemoryBase(),
		Size:          config.MemorySize(),
	}); err != nil {
		return fail(err)
	}

	for _, region := range config.Regions() {
		if _, err := vm.MapRegion(region); err != nil {
			return fail(err)
		}
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		return fail(fmt.Errorf("get kvm_run mmap size: %w", err))
	}

	vcpuFd, err := createVCPU(vm.vmFd, 0)
	if err != nil {
		return fail(fmt.Errorf("create vCPU 0: %w", err))
	}

	run, err := unix.Mmap(
		vcpuFd,
		0,
		mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		return fail(fmt.Errorf("mmap vCPU 0 kvm_run: %w", err))
	}

	vcpu := &virtualCPU{
		vm:       vm,
		id:       0,
		fd:       vcpuFd,
		run:      run,
		runQueue: make(chan func(), 1),
		done:     make(chan struct{}),
	}
	vm.vcpu = vcpu

	go vcpu.start()

	if err := h.archVCPUInit(vm, vcpu); err != nil {
		return fail(fmt.Errorf("initialize vCPU: %w", err))
	}

	if err := config.Callbacks().OnCreateVCPU(vcpu); err != nil {
		return fail(fmt.Errorf("VM callback OnCreateVCPU: %w", err))
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(vm); err != nil {
			return fail(fmt.Errorf("load VM: %w", err))
		}
	}

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}
