//go:build linux && amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// tssAddr is placed just below the 4 GiB boundary, out of the way of the
// guest's low memory.
const tssAddr = 0xfffbd000

func regularField(regs *kvmRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterAMD64Rax:
		return &regs.Rax
	case hv.RegisterAMD64Rbx:
		return &regs.Rbx
	case hv.RegisterAMD64Rcx:
		return &regs.Rcx
	case hv.RegisterAMD64Rdx:
		return &regs.Rdx
	case hv.RegisterAMD64Rsi:
		return &regs.Rsi
	case hv.RegisterAMD64Rdi:
		return &regs.Rdi
	case hv.RegisterAMD64Rsp:
		return &regs.Rsp
	case hv.RegisterAMD64Rbp:
		return &regs.Rbp
	case hv.RegisterAMD64Rip:
		return &regs.Rip
	case hv.RegisterAMD64Rflags:
		return &regs.Rflags
	default:
		return nil
	}
}

func isSpecial(reg hv.Register) bool {
	return reg == hv.RegisterAMD64CsBase || reg == hv.RegisterAMD64CsSelector
}

func classify(regs map[hv.Register]hv.RegisterValue) (regular, special bool, err error) {
	var scratch kvmRegs
	for reg := range regs {
		switch {
		case regularField(&scratch, reg) != nil:
			regular = true
		case isSpecial(reg):
			special = true
		default:
			return false, false, fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		}
	}
	return regular, special, nil
}

func (v *virtualCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegular, hasSpecial, err := classify(regs)
	if err != nil {
		return err
	}

	if cerr := v.do(func() {
		if hasRegular {
			regularRegs, gerr := getRegisters(v.fd)
			if gerr != nil {
				err = fmt.Errorf("kvm: get registers: %w", gerr)
				return
			}
			for reg, value := range regs {
				if field := regularField(&regularRegs, reg); field != nil {
					*field = uint64(value.(hv.Register64))
				}
			}
			if serr := setRegisters(v.fd, &regularRegs); serr != nil {
				err = fmt.Errorf("kvm: set registers: %w", serr)
				return
			}
		}

		if hasSpecial {
			sregs, gerr := getSRegs(v.fd)
			if gerr != nil {
				err = fmt.Errorf("kvm: get special registers: %w", gerr)
				return
			}
			if value, ok := regs[hv.RegisterAMD64CsBase]; ok {
				sregs.Cs.Base = uint64(value.(hv.Register64))
			}
			if value, ok := regs[hv.RegisterAMD64CsSelector]; ok {
				sregs.Cs.Selector = uint16(value.(hv.Register64))
			}
			if serr := setSRegs(v.fd, &sregs); serr != nil {
				err = fmt.Errorf("kvm: set special registers: %w", serr)
			}
		}
	}); cerr != nil {
		return cerr
	}

	return err
}

func (v *virtualCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	hasRegular, hasSpecial, err := classify(regs)
	if err != nil {
		return err
	}

	if cerr := v.do(func() {
		if hasRegular {
			regularRegs, gerr := getRegisters(v.fd)
			if gerr != nil {
				err = fmt.Errorf("kvm: get registers: %w", gerr)
				return
			}
			for reg := range regs {
				if field := regularField(&regularRegs, reg); field != nil {
					regs[reg] = hv.Register64(*field)
				}
			}
		}

		if hasSpecial {
			sregs, gerr := getSRegs(v.fd)
			if gerr != nil {
				err = fmt.Errorf("kvm: get special registers: %w", gerr)
				return
			}
			for reg := range regs {
				switch reg {
				case hv.RegisterAMD64CsBase:
					regs[reg] = hv.Register64(sregs.Cs.Base)
				case hv.RegisterAMD64CsSelector:
					regs[reg] = hv.Register64(sregs.Cs.Selector)
				}
			}
		}
	}); cerr != nil {
		return cerr
	}

	return err
}

func (h *hypervisor) archVMInit(vm *virtualMachine) error {
	if err := setTSSAddr(vm.vmFd, tssAddr); err != nil {
		return fmt.Errorf("setting TSS addr: %w", err)
	}

	return nil
}

func (h *hypervisor) archVCPUInit(vm *virtualMachine, vcpu *virtualCPU) error {
	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("getting vCPU ID: %w", err)
	}

	if err := setVCPUID(vcpu.fd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}

func (*hypervisor) Architecture() hv.CpuArchitecture {
	return hv.ArchitectureX86_64
}
