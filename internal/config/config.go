// Package config defines the descriptors that carve a machine into cells:
// which CPUs, memory regions, PCI devices and I/O ports each partition
// owns. Descriptors travel as a fixed binary layout; a YAML frontend
// compiles to it for humans.
package config

import (
	"fmt"
)

// MemFlags describes what a cell may do with a memory region.
type MemFlags uint32

const (
	MemRead    MemFlags = 1 << 0
	MemWrite   MemFlags = 1 << 1
	MemExecute MemFlags = 1 << 2

	// MemDMA regions are additionally mapped through the IOMMU so the
	// cell's devices can reach them.
	MemDMA MemFlags = 1 << 3
)

func (f MemFlags) String() string {
	out := make([]byte, 4)
	for i, c := range []byte("rwxd") {
		if f&(1<<uint(i)) != 0 {
			out[i] = c
		} else {
			out[i] = '-'
		}
	}
	return string(out)
}

// MemRegion maps guest-physical Virt to host-physical Phys for Size bytes.
type MemRegion struct {
	Phys  uint64
	Virt  uint64
	Size  uint64
	Flags MemFlags
}

// Overlaps reports whether the host-physical ranges of r and other
// intersect.
func (r MemRegion) Overlaps(base, size uint64) bool {
	return r.Phys < base+size && base < r.Phys+r.Size
}

// MemRange is a plain host-physical range.
type MemRange struct {
	Phys uint64
	Size uint64
}

// PCIDevice names one function by its bus address.
type PCIDevice struct {
	Domain uint16
	Bus    uint8
	Devfn  uint8
}

// BDF packs bus, device and function into the 16-bit requester id used by
// the IOMMU tables.
func (d PCIDevice) BDF() uint16 {
	return uint16(d.Bus)<<8 | uint16(d.Devfn)
}

func (d PCIDevice) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", d.Domain, d.Bus, d.Devfn>>3, d.Devfn&7)
}

// CPUSet is a bitmap of logical CPU ids.
type CPUSet []uint64

// NewCPUSet returns a set sized to hold ids below max.
func NewCPUSet(max uint32) CPUSet {
	return make(CPUSet, (max+63)/64)
}

// Set marks id as a member, growing the bitmap if needed.
func (s *CPUSet) Set(id uint32) {
	for uint32(len(*s)) <= id/64 {
		*s = append(*s, 0)
	}
	(*s)[id/64] |= 1 << (id % 64)
}

// Contains reports membership.
func (s CPUSet) Contains(id uint32) bool {
	if id/64 >= uint32(len(s)) {
		return false
	}
	return s[id/64]&(1<<(id%64)) != 0
}

// SubsetOf reports whether every member of s is also in t.
func (s CPUSet) SubsetOf(t CPUSet) bool {
	for i, w := range s {
		var tw uint64
		if i < len(t) {
			tw = t[i]
		}
		if w&^tw != 0 {
			return false
		}
	}
	return true
}

// Count returns the number of members.
func (s CPUSet) Count() int {
	n := 0
	for _, w := range s {
		for ; w != 0; w &= w - 1 {
			n++
		}
	}
	return n
}

// IDs lists the members in ascending order.
func (s CPUSet) IDs() []uint32 {
	var out []uint32
	for i, w := range s {
		for b := 0; b < 64; b++ {
			if w&(1<<uint(b)) != 0 {
				out = append(out, uint32(i*64+b))
			}
		}
	}
	return out
}

// Clone returns an independent copy.
func (s CPUSet) Clone() CPUSet {
	out := make(CPUSet, len(s))
	copy(out, s)
	return out
}

// PIOBitmapLen is the size of the I/O port trap bitmap: one bit per port,
// 65536 ports. A set bit traps the port; a clear bit passes it through.
const PIOBitmapLen = 8192

// NameLen is the fixed on-disk size of a cell name.
const NameLen = 32

// Cell describes one partition.
type Cell struct {
	Name      string
	CPUs      CPUSet
	Regions   []MemRegion
	Devices   []PCIDevice
	PIOBitmap []byte
}

// TrapAllPIO returns a bitmap denying every port.
func TrapAllPIO() []byte {
	b := make([]byte, PIOBitmapLen)
	for i := range b {
		b[i] = 0xff
	}
	return b
}

// AllowPIORange clears the trap bits for count ports starting at base.
func AllowPIORange(bitmap []byte, base, count uint32) {
	for p := base; p < base+count && p < 65536; p++ {
		bitmap[p/8] &^= 1 << (p % 8)
	}
}

// System describes the whole machine handed to the hypervisor.
type System struct {
	// HypervisorMem is the memory the hypervisor itself loads into.
	// No cell may ever map it.
	HypervisorMem MemRange

	// ConfigMem is where the loader placed this descriptor.
	ConfigMem MemRange

	// Root is the cell that inherits the rest of the machine.
	Root Cell
}
