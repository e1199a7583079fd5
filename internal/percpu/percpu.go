// Package percpu holds the state the hypervisor keeps for each logical
// processor: the virtualization enablement ladder, the control structure
// pages, and the execution context the previous owner of the CPU gets
// back when the hypervisor is disabled.
package percpu

import "github.com/wardenhv/warden/internal/hw"

// VMXState tracks how far a CPU has climbed into VMX operation. The
// VMCS controller owns all transitions; teardown walks the same ladder
// down and is safe to run from any state.
type VMXState uint32

const (
	// VMXOff: not in VMX operation.
	VMXOff VMXState = iota
	// VMXOn: VMXON executed, no usable control structure yet.
	VMXOn
	// VMCSReady: control structure loaded and populated; the CPU can
	// enter its guest.
	VMCSReady
)

func (s VMXState) String() string {
	switch s {
	case VMXOff:
		return "off"
	case VMXOn:
		return "vmxon"
	case VMCSReady:
		return "ready"
	}
	return "invalid"
}

// SavedContext is the interrupted host context captured at bring-up and
// restored when the hypervisor hands the CPU back.
type SavedContext struct {
	RIP    uint64
	RSP    uint64
	RFLAGS uint64

	CR0  uint64
	CR3  uint64
	CR4  uint64
	EFER uint64
	PAT  uint64

	GDTRBase  uint64
	GDTRLimit uint32
	IDTRBase  uint64
	IDTRLimit uint32

	CS uint16
	DS uint16
	ES uint16
	SS uint16
	FS uint16
	GS uint16
	TR uint16

	FSBase uint64
	GSBase uint64

	SysenterCS  uint64
	SysenterESP uint64
	SysenterEIP uint64
}

// CPU is the per-processor block. One instance per logical CPU for the
// lifetime of the hypervisor; never shared across ids.
type CPU struct {
	ID uint32

	// OwnerID is the cell this CPU currently runs. The cell manager
	// maintains it under the administrative lock.
	OwnerID uint32

	// State is the enablement ladder position.
	State VMXState

	// Saved is what the CPU was doing before bring-up.
	Saved SavedContext

	// Regs is the guest register file saved around VM exits.
	Regs hw.GuestRegs

	// VMXONRegion and VMCSRegion are the control structure pages
	// allocated for this CPU.
	VMXONRegion uint64
	VMCSRegion  uint64

	// WaitForSIPI is set while the guest CPU is parked in its reset
	// state waiting for a startup signal.
	WaitForSIPI bool

	// Parked marks a CPU whose cell was destroyed; it idles in its
	// guest until reassigned.
	Parked bool

	// Deactivated is set once the disable path has restored Saved and
	// the CPU no longer belongs to the hypervisor.
	Deactivated bool
}

// New returns the block for one CPU id.
func New(id uint32) *CPU {
	return &CPU{ID: id}
}
