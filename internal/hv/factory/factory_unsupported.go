//go:build !(linux && amd64)

package factory

import "github.com/tinyrange/vmm/internal/hv"

func Open() (hv.Hypervisor, error) {
	return nil, hv.ErrHypervisorUnsupported
}
