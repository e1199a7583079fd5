// Package warden is the core of a partitioning hypervisor: it takes over
// a running machine, locks every processor and DMA-capable device into
// hardware-enforced partitions called cells, and gives the machine back
// on demand. The engine is written against narrow hardware ports so the
// same code drives bare metal and the simulated machine used by tests
// and the simulate command.
//
// This package re-exports the types a loader or tool needs; the engine
// itself lives under internal/.
package warden

import (
	"github.com/wardenhv/warden/internal/bringup"
	"github.com/wardenhv/warden/internal/cell"
	"github.com/wardenhv/warden/internal/config"
	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/hypercall"
	"github.com/wardenhv/warden/internal/percpu"
)

// -----------------------------------------------------------------------------
// Hardware ports - implemented by the loader for real hardware
// -----------------------------------------------------------------------------

// Memory is a physical address space.
type Memory = hw.Memory

// CPU is the operation port of one logical processor.
type CPU = hw.CPU

// VMX is the virtualization instruction port of one logical processor.
type VMX = hw.VMX

// GuestRegs is the register file saved and restored around guest entries.
type GuestRegs = hw.GuestRegs

// PageSize is the only translation granule the engine allocates in.
const PageSize = hw.PageSize

// -----------------------------------------------------------------------------
// Descriptors
// -----------------------------------------------------------------------------

// System describes the whole machine handed to the hypervisor.
type System = config.System

// Cell describes one partition: its CPUs, memory, devices and I/O ports.
type Cell = config.Cell

// MemRegion maps guest-physical to host-physical memory with access flags.
type MemRegion = config.MemRegion

// MemRange is a plain host-physical range.
type MemRange = config.MemRange

// PCIDevice names one function by its bus address.
type PCIDevice = config.PCIDevice

// CPUSet is a bitmap of logical CPU ids.
type CPUSet = config.CPUSet

// MemFlags describes what a cell may do with a memory region.
type MemFlags = config.MemFlags

const (
	MemRead    = config.MemRead
	MemWrite   = config.MemWrite
	MemExecute = config.MemExecute
	MemDMA     = config.MemDMA
)

// PIOBitmapLen is the fixed size of a cell's I/O port bitmap.
const PIOBitmapLen = config.PIOBitmapLen

// ErrBadDescriptor is returned for descriptors that fail structural
// validation.
var ErrBadDescriptor = config.ErrBadDescriptor

// TrapAllPIO returns a port bitmap denying every I/O port.
func TrapAllPIO() []byte { return config.TrapAllPIO() }

// AllowPIORange clears the trap bits for count ports starting at base.
func AllowPIORange(bitmap []byte, base, count uint32) {
	config.AllowPIORange(bitmap, base, count)
}

// ParseCellYAML compiles a YAML cell description into a descriptor.
func ParseCellYAML(b []byte) (*Cell, error) { return config.ParseCellYAML(b) }

// ParseSystemYAML compiles a YAML system description into a descriptor.
func ParseSystemYAML(b []byte) (*System, error) { return config.ParseSystemYAML(b) }

// MarshalCell encodes a cell descriptor into its binary form.
func MarshalCell(c *Cell) ([]byte, error) { return config.MarshalCell(c) }

// UnmarshalCell decodes a binary cell descriptor.
func UnmarshalCell(b []byte) (*Cell, error) { return config.UnmarshalCell(b) }

// MarshalSystem encodes a system descriptor into its binary form.
func MarshalSystem(s *System) ([]byte, error) { return config.MarshalSystem(s) }

// UnmarshalSystem decodes a binary system descriptor.
func UnmarshalSystem(b []byte) (*System, error) { return config.UnmarshalSystem(b) }

// -----------------------------------------------------------------------------
// Bring-up
// -----------------------------------------------------------------------------

// Coordinator drives the takeover of the machine. One per takeover
// attempt; every logical CPU calls Entry on the same value.
type Coordinator = bringup.Coordinator

// Config carries the machine-wide inputs of a takeover.
type Config = bringup.Config

// Processor bundles what one logical CPU brings into Entry.
type Processor = bringup.Processor

// PerCPU is the engine-owned state block of one logical CPU. The loader
// allocates one per CPU and seeds its saved context.
type PerCPU = percpu.CPU

// SavedContext is the pre-virtualization processor state the guest
// resumes with.
type SavedContext = percpu.SavedContext

// NewPerCPU returns the state block for one logical CPU id.
func NewPerCPU(id uint32) *PerCPU { return percpu.New(id) }

// NewCoordinator validates cfg and returns a coordinator ready for Entry
// calls.
func NewCoordinator(cfg Config) *Coordinator { return bringup.New(cfg) }

// CellManager is the registry of live cells, reachable from a
// coordinator once bring-up has passed its early phase.
type CellManager = cell.Manager

// RootCellID is the id of the cell that inherits the machine.
const RootCellID = cell.RootID

// ImageHeader sits at the very start of the hypervisor image; the loader
// reads it to size per-CPU blocks and writes the online CPU count back.
type ImageHeader = bringup.ImageHeader

// ImageHeaderLen is the encoded size of an ImageHeader.
const ImageHeaderLen = bringup.ImageHeaderLen

// ErrBadImage is returned for image headers that fail validation.
var ErrBadImage = bringup.ErrBadImage

// MarshalImageHeader encodes an image header.
func MarshalImageHeader(h *ImageHeader) ([]byte, error) {
	return bringup.MarshalImageHeader(h)
}

// UnmarshalImageHeader decodes the header at the start of an image.
func UnmarshalImageHeader(b []byte) (*ImageHeader, error) {
	return bringup.UnmarshalImageHeader(b)
}

// -----------------------------------------------------------------------------
// Hypercall ABI
// -----------------------------------------------------------------------------

// Status is the signed result a hypercall hands back to the guest. Zero
// is success; failures are negated errno values. A non-OK Status travels
// as a Go error.
type Status = hypercall.Status

const (
	StatusOK = hypercall.StatusOK

	ErrPerm  = hypercall.ErrPerm
	ErrNoEnt = hypercall.ErrNoEnt
	ErrIO    = hypercall.ErrIO
	ErrNoMem = hypercall.ErrNoMem
	ErrBusy  = hypercall.ErrBusy
	ErrExist = hypercall.ErrExist
	ErrNoDev = hypercall.ErrNoDev
	ErrInval = hypercall.ErrInval
	ErrRange = hypercall.ErrRange
	ErrNoSys = hypercall.ErrNoSys
)

// Hypercall codes.
const (
	CallDisable     = hypercall.Disable
	CallCellCreate  = hypercall.CellCreate
	CallCellDestroy = hypercall.CellDestroy
)

// StatusFromError converts an engine error into the guest-visible
// status, unwrapping to the innermost Status in the chain.
func StatusFromError(err error) Status { return hypercall.FromError(err) }
