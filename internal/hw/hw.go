// Package hw defines the hardware boundary of the hypervisor core.
//
// Every effect the engine has on the machine goes through the interfaces in
// this package: physical memory accesses, control and model-specific
// registers, and the VMX instruction set. Implementations decide what "the
// machine" is. hwsim provides a software-modeled machine for tests and the
// simulate command; on a real deployment most of these calls collapse to a
// single instruction.
//
// Launch and Halt are the two places where control leaves structured code.
// Their contracts are documented on the methods; callers must not assume
// anything beyond what is written there.
package hw

import "errors"

// PageSize is the only translation granule the engine allocates in.
const PageSize = 4096

var (
	// ErrBusFault is returned by Memory accesses outside any mapped range.
	ErrBusFault = errors.New("hw: physical address not mapped")

	// ErrVMXFailed is returned by VMX operations the hardware refused.
	// The VM-instruction error field, if valid, is wrapped in the message.
	ErrVMXFailed = errors.New("hw: vmx instruction failed")

	// ErrEntryFailed is returned by Launch and Resume when the entry
	// itself fails without reaching the guest.
	ErrEntryFailed = errors.New("hw: vm entry failed")

	// ErrNoEvent is returned by Launch and Resume on backends that model
	// guest activity, once no further guest event is available. Run
	// loops treat it as an idle guest.
	ErrNoEvent = errors.New("hw: no guest event")
)

// Memory is a physical address space. Accesses are little-endian and must
// not straddle a naturally aligned quantity of their own width.
type Memory interface {
	Read8(pa uint64) (uint8, error)
	Read16(pa uint64) (uint16, error)
	Read32(pa uint64) (uint32, error)
	Read64(pa uint64) (uint64, error)

	Write8(pa uint64, v uint8) error
	Write16(pa uint64, v uint16) error
	Write32(pa uint64, v uint32) error
	Write64(pa uint64, v uint64) error

	ReadBytes(pa uint64, b []byte) error
	WriteBytes(pa uint64, b []byte) error

	// FlushCache writes back every cache line intersecting [pa, pa+size).
	// Required after mutating structures that hardware reads without
	// snooping, such as IOMMU root and context entries.
	FlushCache(pa, size uint64) error
}

// CPU is the per-processor operation port. One value per logical CPU;
// methods affect only that CPU.
type CPU interface {
	// ID returns the logical CPU number this port operates on.
	ID() uint32

	// ReadMSR reads a model-specific register. Reads of architectural
	// MSRs whose presence was established via CPUID do not fault;
	// unknown registers read as zero in the simulator.
	ReadMSR(msr uint32) uint64

	// WriteMSR writes a model-specific register. Writes can be refused,
	// for example to a locked feature-control register.
	WriteMSR(msr uint32, v uint64) error

	// CPUID executes the identification instruction with the given leaf
	// and subleaf.
	CPUID(leaf, sub uint32) (eax, ebx, ecx, edx uint32)

	ReadCR(n int) uint64
	WriteCR(n int, v uint64)

	// SetXCR0 loads the extended control register on behalf of a guest
	// whose XSETBV was validated by the dispatcher.
	SetXCR0(v uint64)

	// RaiseNMI re-raises a non-maskable interrupt on this CPU. Used to
	// hand an NMI that caused a VM exit back to the host handler.
	RaiseNMI()

	// Relax is a busy-wait hint. It must be called in every spin loop.
	Relax()

	// Halt stops this CPU. On hardware this is an interrupts-off halt
	// loop and does not return; the simulator marks the CPU halted and
	// returns so tests can observe the state.
	Halt()
}

// InveptScope selects how much translation state InvalidateEPT drops.
type InveptScope uint64

const (
	// InveptSingle invalidates translations tagged with one EPT root.
	InveptSingle InveptScope = 1
	// InveptGlobal invalidates translations for every EPT root.
	InveptGlobal InveptScope = 2
)

// VMCSField is a field encoding within the current VMCS.
type VMCSField uint32

// VMX is the virtualization instruction port of one CPU. The caller is
// responsible for ordering: TurnOn before any VMCS operation, LoadVMCS
// before field access, and TurnOff only after ClearVMCS.
type VMX interface {
	// TurnOn enters VMX root operation using the given VMXON region.
	// The region must already carry the revision identifier.
	TurnOn(vmxonPA uint64) error

	// TurnOff leaves VMX root operation.
	TurnOff()

	// ClearVMCS renders the control structure at pa inactive and flushes
	// any cached state for it.
	ClearVMCS(pa uint64) error

	// LoadVMCS makes the control structure at pa current.
	LoadVMCS(pa uint64) error

	// Read returns a field of the current VMCS.
	Read(f VMCSField) uint64

	// Write stores a field of the current VMCS.
	Write(f VMCSField, v uint64) error

	// Launch enters the guest for the first time on the current VMCS.
	// On success it returns only when the guest causes a VM exit; the
	// exit description is then readable through Read. A non-nil error
	// means the entry instruction itself failed and the guest never ran.
	Launch(regs *GuestRegs) error

	// Resume re-enters the guest after a handled VM exit. Same contract
	// as Launch.
	Resume(regs *GuestRegs) error

	// InvalidateEPT drops cached guest-physical translations. A failure
	// here means isolation cannot be trusted and must be treated as
	// fatal by the caller.
	InvalidateEPT(scope InveptScope, eptRoot uint64) error
}
