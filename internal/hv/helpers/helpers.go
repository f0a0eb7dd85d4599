package helpers

import (
	"fmt"
	"os"

	"github.com/tinyrange/vmm/internal/hv"
)

// ImageLoader copies a flat real-mode image to the start of guest RAM and
// points the vCPU at it: CS base and selector 0, RIP 0, RSP at the top of
// RAM and only the reserved RFLAGS bit set.
type ImageLoader struct {
	Image []byte
}

// LoadImageFile reads a guest image from disk.
func LoadImageFile(path string) (*ImageLoader, error) {
	image, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read guest image: %w", err)
	}
	if len(image) == 0 {
		return nil, fmt.Errorf("guest image %s is empty", path)
	}
	return &ImageLoader{Image: image}, nil
}

// Load implements hv.VMLoader.
func (l *ImageLoader) Load(vm hv.VirtualMachine) error {
	if uint64(len(l.Image)) > vm.MemorySize() {
		return fmt.Errorf("guest image is %d bytes, larger than %d bytes of RAM", len(l.Image), vm.MemorySize())
	}

	if _, err := vm.WriteAt(l.Image, int64(vm.MemoryBase())); err != nil {
		return fmt.Errorf("write image to vm memory: %w", err)
	}

	if err := vm.VirtualCPU().SetRegisters(InitialRegisters(vm)); err != nil {
		return fmt.Errorf("set initial registers: %w", err)
	}

	return nil
}

// InitialRegisters returns the entry state for a real-mode guest at the
// start of vm's RAM.
func InitialRegisters(vm hv.VirtualMachine) map[hv.Register]hv.RegisterValue {
	return map[hv.Register]hv.RegisterValue{
		hv.RegisterAMD64CsBase:     hv.Register64(0),
		hv.RegisterAMD64CsSelector: hv.Register64(0),
		hv.RegisterAMD64Rip:        hv.Register64(0),
		hv.RegisterAMD64Rsp:        hv.Register64(vm.MemorySize()),
		hv.RegisterAMD64Rflags:     hv.Register64(0x2),
	}
}

var (
	_ hv.VMLoader = &ImageLoader{}
)
