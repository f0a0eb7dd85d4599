//go:build linux && amd64

package factory

import (
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/kvm"
)

// Open returns the host's accelerated hypervisor.
func Open() (hv.Hypervisor, error) {
	return kvm.Open()
}
