package hwsim

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/wardenhv/warden/internal/hw"
)

// CPU is one simulated logical processor.
type CPU struct {
	id  uint32
	mem *Memory

	mu    sync.Mutex
	msrs  map[uint32]uint64
	cpuid map[uint64][4]uint32
	crs   [8]uint64
	xcr0  uint64

	nmis    atomic.Uint32
	relaxes atomic.Uint64
	halted  atomic.Bool

	vmx *VMXPort
}

var _ hw.CPU = (*CPU)(nil)

func (c *CPU) ID() uint32 { return c.id }

func (c *CPU) ReadMSR(msr uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msrs[msr]
}

func (c *CPU) WriteMSR(msr uint32, v uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case msr >= hw.MSRVMXBasic && msr <= hw.MSRVMXTrueEntry:
		return fmt.Errorf("hwsim: cpu %d: msr 0x%x is read-only", c.id, msr)
	case msr == hw.MSRFeatureControl && c.msrs[msr]&hw.FeatureControlLocked != 0:
		return fmt.Errorf("hwsim: cpu %d: feature control register is locked", c.id)
	}
	c.msrs[msr] = v
	return nil
}

// SetMSR installs a register value directly, bypassing write protection.
// Test and machine-construction API.
func (c *CPU) SetMSR(msr uint32, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msrs[msr] = v
}

func (c *CPU) CPUID(leaf, sub uint32) (eax, ebx, ecx, edx uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.cpuid[uint64(leaf)<<32|uint64(sub)]
	return v[0], v[1], v[2], v[3]
}

// SetCPUID installs an identification leaf. Test API.
func (c *CPU) SetCPUID(leaf, sub uint32, eax, ebx, ecx, edx uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cpuid[uint64(leaf)<<32|uint64(sub)] = [4]uint32{eax, ebx, ecx, edx}
}

func (c *CPU) ReadCR(n int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.crs[n&7]
}

func (c *CPU) WriteCR(n int, v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.crs[n&7] = v
}

func (c *CPU) SetXCR0(v uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.xcr0 = v
}

// XCR0 returns the last value loaded through SetXCR0. Test API.
func (c *CPU) XCR0() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.xcr0
}

func (c *CPU) RaiseNMI() {
	c.nmis.Add(1)
}

// NMIs returns how many NMIs were re-raised on this CPU. Test API.
func (c *CPU) NMIs() uint32 { return c.nmis.Load() }

func (c *CPU) Relax() {
	c.relaxes.Add(1)
	runtime.Gosched()
}

func (c *CPU) Halt() {
	c.halted.Store(true)
}

// Halted reports whether the CPU was stopped through Halt. Test API.
func (c *CPU) Halted() bool { return c.halted.Load() }

// VMX returns the CPU's virtualization port.
func (c *CPU) VMX() *VMXPort { return c.vmx }
