package config

import (
	"errors"
	"fmt"

	"github.com/wardenhv/warden/internal/hw"
)

// ErrInvalid is wrapped by all validation failures.
var ErrInvalid = errors.New("config: invalid")

// Validate checks a cell descriptor's internal consistency. Admission
// against a running system (CPU ownership, reserved ranges) happens at
// cell creation and needs CheckReserved.
func (c *Cell) Validate() error {
	if len(c.Name) == 0 || len(c.Name) >= NameLen {
		return fmt.Errorf("%w: cell name %q", ErrInvalid, c.Name)
	}
	if c.CPUs.Count() == 0 {
		return fmt.Errorf("%w: cell %s owns no CPUs", ErrInvalid, c.Name)
	}
	for i, r := range c.Regions {
		if r.Size == 0 {
			return fmt.Errorf("%w: cell %s region %d is empty", ErrInvalid, c.Name, i)
		}
		if r.Phys%hw.PageSize != 0 || r.Virt%hw.PageSize != 0 || r.Size%hw.PageSize != 0 {
			return fmt.Errorf("%w: cell %s region %d is not page-aligned", ErrInvalid, c.Name, i)
		}
		if r.Phys+r.Size < r.Phys || r.Virt+r.Size < r.Virt {
			return fmt.Errorf("%w: cell %s region %d wraps the address space", ErrInvalid, c.Name, i)
		}
		if r.Flags&MemDMA != 0 && r.Flags&(MemRead|MemWrite) == 0 {
			return fmt.Errorf("%w: cell %s region %d is DMA-only without access", ErrInvalid, c.Name, i)
		}
	}
	if c.PIOBitmap != nil && len(c.PIOBitmap) != PIOBitmapLen {
		return fmt.Errorf("%w: cell %s pio bitmap of %d bytes", ErrInvalid, c.Name, len(c.PIOBitmap))
	}
	seen := make(map[uint32]bool)
	for _, d := range c.Devices {
		key := uint32(d.Domain)<<16 | uint32(d.BDF())
		if seen[key] {
			return fmt.Errorf("%w: cell %s lists device %s twice", ErrInvalid, c.Name, d)
		}
		seen[key] = true
	}
	return nil
}

// CheckReserved rejects cells whose regions touch memory that must stay
// with the hypervisor, such as its own image and the config area.
func (c *Cell) CheckReserved(reserved ...MemRange) error {
	for i, r := range c.Regions {
		for _, res := range reserved {
			if res.Size == 0 {
				continue
			}
			if r.Overlaps(res.Phys, res.Size) {
				return fmt.Errorf("%w: cell %s region %d overlaps reserved range 0x%x+0x%x",
					ErrInvalid, c.Name, i, res.Phys, res.Size)
			}
		}
	}
	return nil
}

// Validate checks the whole system descriptor.
func (s *System) Validate() error {
	if s.HypervisorMem.Size == 0 || s.HypervisorMem.Phys%hw.PageSize != 0 {
		return fmt.Errorf("%w: hypervisor memory 0x%x+0x%x", ErrInvalid, s.HypervisorMem.Phys, s.HypervisorMem.Size)
	}
	if err := s.Root.Validate(); err != nil {
		return err
	}
	return s.Root.CheckReserved(s.HypervisorMem, s.ConfigMem)
}
