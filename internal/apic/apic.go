// Package apic models the slice of the local APIC the engine traps:
// interrupt command register writes, the x2APIC register window and the
// xAPIC MMIO page. Interrupt delivery proper stays on the hardware; the
// model arbitrates only the operations that move CPUs between cells,
// latching INIT and SIPI signals until the target consumes them.
package apic

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/spin"
)

// Mode selects how the kernel addressed the local APIC before takeover.
type Mode int

const (
	ModeXAPIC Mode = iota
	ModeX2APIC
)

func (m Mode) String() string {
	if m == ModeX2APIC {
		return "x2apic"
	}
	return "xapic"
}

// Detect reports the APIC mode the processor was left in.
func Detect(c hw.CPU) Mode {
	if c.ReadMSR(hw.MSRAPICBase)&hw.APICBaseEXTD != 0 {
		return ModeX2APIC
	}
	return ModeXAPIC
}

// Register indices. An index addresses MMIO page offset index*16 in
// xAPIC mode and MSR 0x800+index in x2APIC mode.
const (
	RegID        = 0x02
	RegVersion   = 0x03
	RegTPR       = 0x08
	RegPPR       = 0x0a
	RegEOI       = 0x0b
	RegLDR       = 0x0d
	RegDFR       = 0x0e
	RegSVR       = 0x0f
	RegISR       = 0x10
	RegTMR       = 0x18
	RegIRR       = 0x20
	RegESR       = 0x28
	RegICRLow    = 0x30
	RegICRHigh   = 0x31
	RegLVTTimer  = 0x32
	RegLVTTherm  = 0x33
	RegLVTPerf   = 0x34
	RegLVTLINT0  = 0x35
	RegLVTLINT1  = 0x36
	RegLVTError  = 0x37
	RegTimerInit = 0x38
	RegTimerCur  = 0x39
	RegTimerDiv  = 0x3e
	RegSelfIPI   = 0x3f

	NumRegs = 0x40
)

// ICR fields.
const (
	icrVector    = 0xff
	icrDelivery  = 7 << 8
	icrFixed     = 0 << 8
	icrLowest    = 1 << 8
	icrSMI       = 2 << 8
	icrNMI       = 4 << 8
	icrINIT      = 5 << 8
	icrStartup   = 6 << 8
	icrLogical   = 1 << 11
	icrBusy      = 1 << 12
	icrAssert    = 1 << 14
	icrShorthand = 3 << 18
	icrSelf      = 1 << 18
	icrAllInc    = 2 << 18
	icrAllExc    = 3 << 18
)

// BSPPseudoSIPI is a reserved vector the bring-up path feeds through the
// CPU reset machinery to place the boot processor at the legacy reset
// entry instead of a real startup vector.
const BSPPseudoSIPI = 0x100

var (
	// ErrBadRegister flags an access outside the modeled register set.
	ErrBadRegister = errors.New("unhandled local APIC register")
	// ErrBadIPI flags an interrupt command the model cannot deliver.
	ErrBadIPI = errors.New("unsupported interrupt command")
)

// IPIRecord is an interrupt command passed through to the hardware
// untouched, kept for inspection.
type IPIRecord struct {
	From uint32
	ICR  uint64
}

type cpuState struct {
	regs        [NumRegs]uint32
	initPending bool
	waitForSIPI bool
	sipiVector  int32
	nmis        int
	stopRequest bool
	stopped     bool
	running     bool
	kick        func()
}

// Model is the shared interrupt state of all processors. One instance
// serves the whole machine.
type Model struct {
	mu   sync.Mutex
	mode Mode
	cpus []*cpuState
	sent []IPIRecord
}

// NewModel builds the interrupt model for cpus processors, each in the
// architectural power-on register state.
func NewModel(mode Mode, cpus int) *Model {
	m := &Model{mode: mode}
	for i := 0; i < cpus; i++ {
		c := &cpuState{sipiVector: -1}
		c.regs[RegVersion] = 0x50014
		c.regs[RegSVR] = 0xff
		for r := RegLVTTimer; r <= RegLVTError; r++ {
			c.regs[r] = 1 << 16
		}
		if mode == ModeX2APIC {
			c.regs[RegID] = uint32(i)
			c.regs[RegLDR] = uint32(i>>4)<<16 | 1<<(uint(i)&0xf)
		} else {
			c.regs[RegID] = uint32(i) << 24
			c.regs[RegDFR] = 0xffffffff
		}
		m.cpus = append(m.cpus, c)
	}
	return m
}

// Mode reports the addressing mode the model was built for.
func (m *Model) Mode() Mode { return m.mode }

// AttachKick registers a callback that forces the CPU out of guest mode,
// so a latched event is noticed promptly.
func (m *Model) AttachKick(cpu uint32, kick func()) {
	m.mu.Lock()
	m.cpus[cpu].kick = kick
	m.mu.Unlock()
}

// SetRunning marks whether the CPU is executing its guest. Suspend only
// waits on running CPUs.
func (m *Model) SetRunning(cpu uint32, running bool) {
	m.mu.Lock()
	m.cpus[cpu].running = running
	m.mu.Unlock()
}

// ReadReg returns the virtual register value for a trapped access.
func (m *Model) ReadReg(cpu uint32, reg uint32) (uint32, error) {
	if !m.regReadable(reg) {
		return 0, fmt.Errorf("apic: cpu %d: read of register %#x: %w", cpu, reg, ErrBadRegister)
	}
	m.mu.Lock()
	v := m.cpus[cpu].regs[reg]
	m.mu.Unlock()
	return v, nil
}

// WriteReg handles a trapped register write. A write to the low half of
// the interrupt command register sends the command.
func (m *Model) WriteReg(cpu uint32, reg uint32, v uint32) error {
	if !m.regWritable(reg) {
		return fmt.Errorf("apic: cpu %d: write of register %#x: %w", cpu, reg, ErrBadRegister)
	}
	var kicks []func()
	var err error
	m.mu.Lock()
	c := m.cpus[cpu]
	switch reg {
	case RegEOI:
	case RegESR:
		c.regs[RegESR] = 0
	case RegSelfIPI:
		kicks, err = m.deliver(cpu, icrFixed|icrSelf|uint64(v&icrVector))
	case RegICRLow:
		c.regs[RegICRLow] = v &^ icrBusy
		kicks, err = m.deliver(cpu, uint64(c.regs[RegICRHigh])<<32|uint64(v))
	default:
		c.regs[reg] = v
	}
	m.mu.Unlock()
	for _, kick := range kicks {
		kick()
	}
	return err
}

// WriteICR handles a trapped 64-bit interrupt command write, the x2APIC
// MSR form with the destination in the upper half.
func (m *Model) WriteICR(cpu uint32, value uint64) error {
	m.mu.Lock()
	c := m.cpus[cpu]
	c.regs[RegICRLow] = uint32(value) &^ icrBusy
	c.regs[RegICRHigh] = uint32(value >> 32)
	kicks, err := m.deliver(cpu, value)
	m.mu.Unlock()
	for _, kick := range kicks {
		kick()
	}
	return err
}

// ReadICR returns the full interrupt command register, the x2APIC MSR
// read form with the destination in the upper half.
func (m *Model) ReadICR(cpu uint32) uint64 {
	m.mu.Lock()
	c := m.cpus[cpu]
	v := uint64(c.regs[RegICRHigh])<<32 | uint64(c.regs[RegICRLow])
	m.mu.Unlock()
	return v
}

// deliver routes one interrupt command. Caller holds m.mu; the returned
// kicks must be run after it is released.
func (m *Model) deliver(from uint32, icr uint64) ([]func(), error) {
	var kicks []func()
	switch icr & icrDelivery {
	case icrINIT:
		if icr&icrLogical != 0 {
			return nil, fmt.Errorf("apic: cpu %d: logical INIT destination: %w", from, ErrBadIPI)
		}
		if icr&icrAssert == 0 {
			// INIT de-assert, nothing to latch.
			return nil, nil
		}
		for _, t := range m.targets(from, icr) {
			m.cpus[t].initPending = true
			kicks = m.appendKick(kicks, from, t)
		}
	case icrStartup:
		if icr&icrLogical != 0 {
			return nil, fmt.Errorf("apic: cpu %d: logical SIPI destination: %w", from, ErrBadIPI)
		}
		for _, t := range m.targets(from, icr) {
			m.cpus[t].sipiVector = int32(icr & icrVector)
			kicks = m.appendKick(kicks, from, t)
		}
	case icrNMI:
		for _, t := range m.targets(from, icr) {
			m.cpus[t].nmis++
			kicks = m.appendKick(kicks, from, t)
		}
	case icrFixed, icrLowest, icrSMI:
		m.sent = append(m.sent, IPIRecord{From: from, ICR: icr})
	default:
		return nil, fmt.Errorf("apic: cpu %d: delivery mode %#x: %w", from, icr&icrDelivery, ErrBadIPI)
	}
	return kicks, nil
}

func (m *Model) appendKick(kicks []func(), from, target uint32) []func() {
	if target == from {
		return kicks
	}
	if kick := m.cpus[target].kick; kick != nil {
		kicks = append(kicks, kick)
	}
	return kicks
}

// targets resolves the destination of a physical-mode command. Commands
// naming a processor the machine does not have are dropped.
func (m *Model) targets(from uint32, icr uint64) []uint32 {
	var all []uint32
	switch icr & icrShorthand {
	case icrSelf:
		return []uint32{from}
	case icrAllInc:
		for i := range m.cpus {
			all = append(all, uint32(i))
		}
		return all
	case icrAllExc:
		for i := range m.cpus {
			if uint32(i) != from {
				all = append(all, uint32(i))
			}
		}
		return all
	}
	dest := uint32(icr >> 56 & 0xff)
	broadcast := dest == 0xff
	if m.mode == ModeX2APIC {
		dest = uint32(icr >> 32)
		broadcast = dest == 0xffffffff
	}
	if broadcast {
		for i := range m.cpus {
			all = append(all, uint32(i))
		}
		return all
	}
	if int(dest) < len(m.cpus) {
		return []uint32{dest}
	}
	return nil
}

// HandleEvents consumes the latched events for a CPU that just left
// guest mode. While a suspend request is pending the call parks here,
// calling relax between polls. It returns the startup vector the CPU
// must reset to, or -1 when no reset is due.
func (m *Model) HandleEvents(cpu uint32, relax func()) int32 {
	m.mu.Lock()
	c := m.cpus[cpu]
	for c.stopRequest {
		c.stopped = true
		m.mu.Unlock()
		relax()
		m.mu.Lock()
	}
	c.stopped = false
	if c.initPending {
		c.initPending = false
		c.waitForSIPI = true
	}
	vector := int32(-1)
	if c.waitForSIPI && c.sipiVector >= 0 {
		vector = c.sipiVector
		c.sipiVector = -1
		c.waitForSIPI = false
	}
	m.mu.Unlock()
	return vector
}

// Suspend holds the target CPU in the hypervisor until Resume. It
// reports false if a running target failed to park within budget polls.
func (m *Model) Suspend(cpu uint32, budget int, relax func()) bool {
	m.mu.Lock()
	c := m.cpus[cpu]
	if c.stopRequest {
		m.mu.Unlock()
		return true
	}
	c.stopRequest = true
	kick, running := c.kick, c.running
	m.mu.Unlock()
	if !running {
		return true
	}
	if kick != nil {
		kick()
	}
	// A target that left guest execution during the poll is parked by
	// the same reasoning as the short-circuit above.
	return spin.Until(budget, relax, func() bool {
		m.mu.Lock()
		c := m.cpus[cpu]
		parked := c.stopped || !c.running
		m.mu.Unlock()
		return parked
	})
}

// Resume releases a suspended CPU back into its guest.
func (m *Model) Resume(cpu uint32) {
	m.mu.Lock()
	m.cpus[cpu].stopRequest = false
	m.mu.Unlock()
}

// SetWaitForSIPI places a CPU in the wait-for-startup state directly,
// the way cell reconfiguration resets the CPUs it moves.
func (m *Model) SetWaitForSIPI(cpu uint32) {
	m.mu.Lock()
	c := m.cpus[cpu]
	c.waitForSIPI = true
	c.initPending = false
	c.sipiVector = -1
	m.mu.Unlock()
}

// WaitingForSIPI reports whether the CPU sits in the wait-for-startup
// state.
func (m *Model) WaitingForSIPI(cpu uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpus[cpu].waitForSIPI
}

// NMIs returns how many NMI commands were aimed at the CPU.
func (m *Model) NMIs(cpu uint32) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpus[cpu].nmis
}

// Sent returns the commands passed through to the hardware.
func (m *Model) Sent() []IPIRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]IPIRecord(nil), m.sent...)
}

func (m *Model) regReadable(reg uint32) bool {
	switch {
	case reg == RegID, reg == RegVersion, reg == RegTPR, reg == RegPPR,
		reg == RegLDR, reg == RegSVR, reg == RegESR, reg == RegICRLow,
		reg >= RegISR && reg < RegISR+8,
		reg >= RegTMR && reg < RegTMR+8,
		reg >= RegIRR && reg < RegIRR+8,
		reg >= RegLVTTimer && reg <= RegLVTError,
		reg == RegTimerInit, reg == RegTimerCur, reg == RegTimerDiv:
		return true
	case reg == RegDFR, reg == RegICRHigh:
		return m.mode == ModeXAPIC
	}
	return false
}

func (m *Model) regWritable(reg uint32) bool {
	switch {
	case reg == RegTPR, reg == RegEOI, reg == RegSVR, reg == RegESR,
		reg == RegICRLow,
		reg >= RegLVTTimer && reg <= RegLVTError,
		reg == RegTimerInit, reg == RegTimerDiv:
		return true
	case reg == RegDFR, reg == RegICRHigh, reg == RegLDR:
		return m.mode == ModeXAPIC
	case reg == RegSelfIPI:
		return m.mode == ModeX2APIC
	}
	return false
}
