package hv

import (
	"fmt"
	"sync"
)

// AddressSpace tracks the guest-physical regions registered with a VM and
// rejects overlapping or duplicate registrations.
type AddressSpace struct {
	mu sync.Mutex

	regions []MemoryRegion
}

// NewAddressSpace creates an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{}
}

// Register validates region against everything registered so far and
// records it. The returned error wraps ErrRegionOverlap for overlaps.
func (a *AddressSpace) Register(region MemoryRegion) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if region.Size == 0 {
		return fmt.Errorf("address_space: cannot register zero-size region %s", region.Name)
	}
	if region.Size%0x1000 != 0 || region.GuestPhysAddr%0x1000 != 0 {
		return fmt.Errorf("address_space: region %s is not page aligned", region)
	}
	if region.End() < region.GuestPhysAddr {
		return fmt.Errorf("address_space: region %s wraps the address space", region)
	}

	for _, existing := range a.regions {
		if existing.Slot == region.Slot {
			return fmt.Errorf("address_space: slot %d already used by %s", region.Slot, existing)
		}
		if region.GuestPhysAddr < existing.End() && region.End() > existing.GuestPhysAddr {
			return fmt.Errorf("address_space: %s and %s: %w", region, existing, ErrRegionOverlap)
		}
	}

	a.regions = append(a.regions, region)
	return nil
}

// Remove forgets the region registered under slot.
func (a *AddressSpace) Remove(slot uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, r := range a.regions {
		if r.Slot == slot {
			a.regions = append(a.regions[:i], a.regions[i+1:]...)
			return
		}
	}
}

// Lookup returns the region containing addr.
func (a *AddressSpace) Lookup(addr uint64) (MemoryRegion, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lookupLocked(addr)
}

func (a *AddressSpace) lookupLocked(addr uint64) (MemoryRegion, bool) {
	for _, r := range a.regions {
		if addr >= r.GuestPhysAddr && addr < r.End() {
			return r, true
		}
	}
	return MemoryRegion{}, false
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}

// PageAlign rounds size up to a whole number of 4 KiB pages.
func PageAlign(size uint64) uint64 {
	return alignUp(size, 0x1000)
}
