// Package hwsim is a software model of the hardware the hypervisor core
// drives: physical memory, per-CPU register state, the VMX instruction
// set and DMA remapping units. It exists so the engine's decision logic
// can be exercised and inspected without a machine to take over.
package hwsim

import "github.com/wardenhv/warden/internal/hw"

// Config sizes a simulated machine.
type Config struct {
	CPUs    int
	RAMSize uint64
}

// Machine is a set of CPUs sharing one physical address space.
type Machine struct {
	mem  *Memory
	cpus []*CPU
}

// New builds a machine with VT-x capable processor defaults. Tests
// degrade individual capabilities through SetMSR and SetCPUID.
func New(cfg Config) *Machine {
	if cfg.CPUs <= 0 {
		cfg.CPUs = 1
	}
	if cfg.RAMSize == 0 {
		cfg.RAMSize = 64 << 20
	}
	m := &Machine{mem: NewMemory(cfg.RAMSize)}
	for i := 0; i < cfg.CPUs; i++ {
		c := &CPU{
			id:    uint32(i),
			mem:   m.mem,
			msrs:  make(map[uint32]uint64),
			cpuid: make(map[uint64][4]uint32),
		}
		c.vmx = &VMXPort{cpu: c, mem: m.mem, images: make(map[uint64]*vmcsImage)}
		applyDefaults(c)
		m.cpus = append(m.cpus, c)
	}
	return m
}

func applyDefaults(c *CPU) {
	// VMCS revision 0x12, 4K region size, write-back VMCS memory type,
	// TRUE capability MSRs implemented.
	c.msrs[hw.MSRVMXBasic] = 0x12 | 0x1000<<32 | 6<<50 | 1<<55

	// Allowed-1 halves carry everything the engine asks for; the
	// allowed-0 halves are typical hardware defaults.
	c.msrs[hw.MSRVMXTruePin] = 0x16 | 0x7f<<32
	c.msrs[hw.MSRVMXTrueProc] = 0x0401e172 | 0xffffffff<<32
	c.msrs[hw.MSRVMXTrueExit] = 0x00036dff | 0x00ffffff<<32
	c.msrs[hw.MSRVMXTrueEntry] = 0x000011ff | 0x0000ffff<<32
	c.msrs[hw.MSRVMXProcCtls2] = 0xff << 32

	// 4-level walks, UC and WB types, 2M and 1G pages, single-context
	// and global invalidation.
	c.msrs[hw.MSRVMXEPTVPIDCap] = 1<<6 | 1<<8 | 1<<14 | 1<<16 | 1<<17 |
		1<<20 | 1<<25 | 1<<26

	// HLT activity state supported.
	c.msrs[hw.MSRVMXMisc] = 1 << 6

	c.msrs[hw.MSRVMXCR0Fixed0] = 0x80000021 // PG, NE, PE
	c.msrs[hw.MSRVMXCR0Fixed1] = 0xffffffff
	c.msrs[hw.MSRVMXCR4Fixed0] = 0x00002000 // VMXE
	c.msrs[hw.MSRVMXCR4Fixed1] = 0x003fffff

	// BIOS left VMX enabled and the register locked.
	c.msrs[hw.MSRFeatureControl] = hw.FeatureControlLocked | hw.FeatureControlVMXOutSMX

	c.msrs[hw.MSRPAT] = 0x0007040600070406

	// Linux-style firmware handoff: APIC enabled in x2APIC mode.
	c.msrs[hw.MSRAPICBase] = hw.XAPICBase | hw.APICBaseEnable | hw.APICBaseEXTD

	c.cpuid[0<<32|0] = [4]uint32{0xd, 0x756e6547, 0x6c65746e, 0x49656e69}
	c.cpuid[1<<32|0] = [4]uint32{0x000506e3, 0, 1<<5 | 1<<21, 0} // VMX, x2APIC
	c.cpuid[0xd<<32|0] = [4]uint32{0x7, 0x340, 0x340, 0}
	c.cpuid[0x80000000<<32|0] = [4]uint32{0x80000008, 0, 0, 0}
}

// Mem returns the machine's physical address space.
func (m *Machine) Mem() *Memory { return m.mem }

// CPUs returns the number of simulated processors.
func (m *Machine) CPUs() int { return len(m.cpus) }

// CPU returns processor i.
func (m *Machine) CPU(i int) *CPU { return m.cpus[i] }
