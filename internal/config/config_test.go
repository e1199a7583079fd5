package config

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func sampleCell() *Cell {
	var cpus CPUSet
	cpus.Set(2)
	cpus.Set(3)
	pio := TrapAllPIO()
	AllowPIORange(pio, 0x3f8, 8)
	return &Cell{
		Name: "apps",
		CPUs: cpus,
		Regions: []MemRegion{
			{Phys: 0x3b000000, Virt: 0, Size: 0x1000000, Flags: MemRead | MemWrite | MemExecute},
			{Phys: 0x3c000000, Virt: 0x1000000, Size: 0x100000, Flags: MemRead | MemWrite | MemDMA},
		},
		Devices:   []PCIDevice{{Domain: 0, Bus: 2, Devfn: 0x10}},
		PIOBitmap: pio,
	}
}

func TestCellBinaryRoundTrip(t *testing.T) {
	in := sampleCell()
	b, err := MarshalCell(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := UnmarshalCell(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("cell changed across encode/decode (-want +got):\n%s", diff)
	}
}

func TestSystemBinaryRoundTrip(t *testing.T) {
	in := &System{
		HypervisorMem: MemRange{Phys: 0x3a000000, Size: 0x600000},
		ConfigMem:     MemRange{Phys: 0x3a600000, Size: 0x10000},
		Root:          *sampleCell(),
	}
	b, err := MarshalSystem(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := UnmarshalSystem(b)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("system changed across encode/decode (-want +got):\n%s", diff)
	}
}

func TestDescriptorLen(t *testing.T) {
	b, err := MarshalCell(sampleCell())
	if err != nil {
		t.Fatal(err)
	}

	n, err := DescriptorLen(b[:HeaderLen])
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Fatalf("DescriptorLen = %d, want %d", n, len(b))
	}

	if _, err := DescriptorLen(b[:HeaderLen-1]); !errors.Is(err, ErrBadDescriptor) {
		t.Fatalf("short prefix: expected ErrBadDescriptor, got %v", err)
	}

	// NumRegions sits right after the name and CPU word count.
	mangled := append([]byte(nil), b[:HeaderLen]...)
	mangled[44] = 0x88
	mangled[45] = 0x13
	if _, err := DescriptorLen(mangled); !errors.Is(err, ErrBadDescriptor) {
		t.Fatalf("implausible counts: expected ErrBadDescriptor, got %v", err)
	}
}

func TestSystemDescriptorLen(t *testing.T) {
	b, err := MarshalSystem(&System{
		HypervisorMem: MemRange{Phys: 0x3a000000, Size: 0x600000},
		ConfigMem:     MemRange{Phys: 0x3a600000, Size: 0x10000},
		Root:          *sampleCell(),
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := SystemDescriptorLen(b[:SystemHeaderLen])
	if err != nil {
		t.Fatal(err)
	}
	if n != len(b) {
		t.Fatalf("SystemDescriptorLen = %d, want %d", n, len(b))
	}

	if _, err := SystemDescriptorLen(b[:SystemHeaderLen-1]); !errors.Is(err, ErrBadDescriptor) {
		t.Fatalf("short prefix: expected ErrBadDescriptor, got %v", err)
	}

	cell, err := MarshalCell(sampleCell())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := SystemDescriptorLen(cell[:HeaderLen]); !errors.Is(err, ErrBadDescriptor) {
		t.Fatalf("cell prefix: expected ErrBadDescriptor, got %v", err)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	b, err := MarshalCell(sampleCell())
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"bad signature", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"bad revision", func(b []byte) []byte { b[7] = 99; return b }},
		{"wrong kind", func(b []byte) []byte { b[6] = kindSystem; return b }},
		{"truncated", func(b []byte) []byte { return b[:len(b)-PIOBitmapLen-1] }},
	} {
		mangled := tc.mangle(append([]byte(nil), b...))
		if _, err := UnmarshalCell(mangled); !errors.Is(err, ErrBadDescriptor) {
			t.Errorf("%s: expected ErrBadDescriptor, got %v", tc.name, err)
		}
	}
}

func TestValidateCell(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mangle func(*Cell)
	}{
		{"empty name", func(c *Cell) { c.Name = "" }},
		{"no cpus", func(c *Cell) { c.CPUs = nil }},
		{"empty region", func(c *Cell) { c.Regions[0].Size = 0 }},
		{"unaligned region", func(c *Cell) { c.Regions[0].Phys |= 0x800 }},
		{"wrapping region", func(c *Cell) { c.Regions[0].Phys = ^uint64(0) - 0xfff; c.Regions[0].Size = 0x2000 }},
		{"dma without access", func(c *Cell) { c.Regions[1].Flags = MemDMA }},
		{"duplicate device", func(c *Cell) { c.Devices = append(c.Devices, c.Devices[0]) }},
	} {
		c := sampleCell()
		tc.mangle(c)
		if err := c.Validate(); !errors.Is(err, ErrInvalid) {
			t.Errorf("%s: expected ErrInvalid, got %v", tc.name, err)
		}
	}

	if err := sampleCell().Validate(); err != nil {
		t.Fatalf("valid cell rejected: %v", err)
	}
}

func TestCheckReserved(t *testing.T) {
	c := sampleCell()
	err := c.CheckReserved(MemRange{Phys: 0x3b800000, Size: 0x1000})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("overlap with reserved range accepted: %v", err)
	}
	if err := c.CheckReserved(MemRange{Phys: 0x80000000, Size: 0x1000}); err != nil {
		t.Fatalf("disjoint reserved range rejected: %v", err)
	}
}

func TestParseCellYAML(t *testing.T) {
	src := []byte(`
name: apps
cpus: [2, 3]
memory:
  - phys: 0x3b000000
    virt: 0x0
    size: 0x1000000
    flags: [read, write, execute]
  - phys: 0x3c000000
    virt: 0x1000000
    size: 0x100000
    flags: [read, write, dma]
pci_devices:
  - bus: 0x02
    devfn: 0x10
ports:
  - base: 0x3f8
    count: 8
`)
	c, err := ParseCellYAML(src)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sampleCell(), c); diff != "" {
		t.Fatalf("yaml compile mismatch (-want +got):\n%s", diff)
	}
}

func TestParseCellYAMLUnknownFlag(t *testing.T) {
	src := []byte(`
name: apps
cpus: [0]
memory:
  - {phys: 0x1000, virt: 0, size: 0x1000, flags: [readable]}
`)
	if _, err := ParseCellYAML(src); err == nil {
		t.Fatal("unknown region flag accepted")
	}
}

func TestPIOBitmapHelpers(t *testing.T) {
	b := TrapAllPIO()
	AllowPIORange(b, 0x3f8, 8)

	if b[0x3f8/8] != 0 {
		t.Fatalf("ports 0x3f8..0x3ff still trapped: 0x%x", b[0x3f8/8])
	}
	if b[0x3f8/8-1] != 0xff || b[0x3f8/8+1] != 0xff {
		t.Fatal("neighboring ports were opened")
	}
}

func TestCPUSet(t *testing.T) {
	var s CPUSet
	s.Set(0)
	s.Set(65)
	if !s.Contains(0) || !s.Contains(65) || s.Contains(1) {
		t.Fatal("membership wrong")
	}
	if s.Count() != 2 {
		t.Fatalf("count %d, want 2", s.Count())
	}
	if diff := cmp.Diff([]uint32{0, 65}, s.IDs()); diff != "" {
		t.Fatalf("ids mismatch:\n%s", diff)
	}

	var t2 CPUSet
	t2.Set(0)
	t2.Set(65)
	t2.Set(70)
	if !s.SubsetOf(t2) {
		t.Fatal("subset not recognized")
	}
	if t2.SubsetOf(s) {
		t.Fatal("superset accepted as subset")
	}
}
