//go:build linux && !amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: SetRegisters not supported on this architecture")
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	return fmt.Errorf("kvm: GetRegisters not supported on this architecture")
}

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	return fmt.Errorf("kvm: real-mode guests need an x86_64 host: %w", hv.ErrHypervisorUnsupported)
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpu *virtualCPU) error {
	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureInvalid
}
