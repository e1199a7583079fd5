package hwsim

import (
	"fmt"
	"sync"

	"github.com/wardenhv/warden/internal/hw"
)

// Field encodings the simulator itself must know about. Everything else
// is opaque storage.
const (
	fieldVMInstructionError = hw.VMCSField(0x4400)
	fieldExitReason         = hw.VMCSField(0x4402)
)

const exitReasonFailedEntry = 1 << 31

// Fields is the mutable field store of one control structure. Events
// receive it to describe the exit they stand for.
type Fields struct {
	m map[hw.VMCSField]uint64
}

func (f *Fields) Get(field hw.VMCSField) uint64    { return f.m[field] }
func (f *Fields) Set(field hw.VMCSField, v uint64) { f.m[field] = v }

// Event models one stretch of guest execution ending in a VM exit. The
// event writes the exit-describing fields and the register file the guest
// would leave behind.
type Event func(f *Fields, regs *hw.GuestRegs)

// InveptRecord is one EPT invalidation issued through the port.
type InveptRecord struct {
	Scope hw.InveptScope
	Root  uint64
}

type vmcsImage struct {
	fields   *Fields
	launched bool
}

// VMXPort simulates the virtualization instruction set of one CPU.
type VMXPort struct {
	cpu *CPU
	mem *Memory

	mu      sync.Mutex
	on      bool
	vmxonPA uint64
	images  map[uint64]*vmcsImage
	current *vmcsImage

	events []Event

	// one-shot fault injection
	failEntryReason uint32
	failInstrError  uint32

	invepts []InveptRecord
}

var _ hw.VMX = (*VMXPort)(nil)

func (v *VMXPort) revision() uint32 {
	return uint32(v.cpu.ReadMSR(hw.MSRVMXBasic) & 0x7fffffff)
}

func (v *VMXPort) TurnOn(vmxonPA uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.on {
		return fmt.Errorf("hwsim: cpu %d: vmxon while already on: %w", v.cpu.id, hw.ErrVMXFailed)
	}
	if v.cpu.ReadCR(4)&hw.CR4VMXE == 0 {
		return fmt.Errorf("hwsim: cpu %d: vmxon with CR4.VMXE clear: %w", v.cpu.id, hw.ErrVMXFailed)
	}
	fc := v.cpu.ReadMSR(hw.MSRFeatureControl)
	if fc&hw.FeatureControlLocked == 0 || fc&hw.FeatureControlVMXOutSMX == 0 {
		return fmt.Errorf("hwsim: cpu %d: vmxon without feature control enable: %w", v.cpu.id, hw.ErrVMXFailed)
	}
	rev, err := v.mem.Read32(vmxonPA)
	if err != nil {
		return err
	}
	if rev != v.revision() {
		return fmt.Errorf("hwsim: cpu %d: vmxon region revision 0x%x, want 0x%x: %w",
			v.cpu.id, rev, v.revision(), hw.ErrVMXFailed)
	}
	v.on = true
	v.vmxonPA = vmxonPA
	return nil
}

func (v *VMXPort) TurnOff() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.on = false
	v.current = nil
}

// On reports whether the port is in VMX operation. Test API.
func (v *VMXPort) On() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.on
}

func (v *VMXPort) ClearVMCS(pa uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.on {
		return fmt.Errorf("hwsim: cpu %d: vmclear outside VMX operation: %w", v.cpu.id, hw.ErrVMXFailed)
	}
	img := v.images[pa]
	if img == nil {
		img = &vmcsImage{fields: &Fields{m: make(map[hw.VMCSField]uint64)}}
		v.images[pa] = img
	}
	img.launched = false
	if v.current == img {
		v.current = nil
	}
	return nil
}

func (v *VMXPort) LoadVMCS(pa uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.on {
		return fmt.Errorf("hwsim: cpu %d: vmptrld outside VMX operation: %w", v.cpu.id, hw.ErrVMXFailed)
	}
	img := v.images[pa]
	if img == nil {
		return fmt.Errorf("hwsim: cpu %d: vmptrld of uninitialized region 0x%x: %w", v.cpu.id, pa, hw.ErrVMXFailed)
	}
	rev, err := v.mem.Read32(pa)
	if err != nil {
		return err
	}
	if rev != v.revision() {
		return fmt.Errorf("hwsim: cpu %d: vmcs region revision 0x%x, want 0x%x: %w",
			v.cpu.id, rev, v.revision(), hw.ErrVMXFailed)
	}
	v.current = img
	return nil
}

func (v *VMXPort) Read(f hw.VMCSField) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.on || v.current == nil {
		return 0
	}
	return v.current.fields.Get(f)
}

func (v *VMXPort) Write(f hw.VMCSField, val uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.on || v.current == nil {
		return fmt.Errorf("hwsim: cpu %d: vmwrite without current VMCS: %w", v.cpu.id, hw.ErrVMXFailed)
	}
	v.current.fields.Set(f, val)
	return nil
}

func (v *VMXPort) Launch(regs *hw.GuestRegs) error {
	return v.enter(regs, false)
}

func (v *VMXPort) Resume(regs *hw.GuestRegs) error {
	return v.enter(regs, true)
}

func (v *VMXPort) enter(regs *hw.GuestRegs, resume bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.on || v.current == nil {
		return fmt.Errorf("hwsim: cpu %d: vm entry without current VMCS: %w", v.cpu.id, hw.ErrEntryFailed)
	}
	if v.failInstrError != 0 {
		v.current.fields.Set(fieldVMInstructionError, uint64(v.failInstrError))
		v.failInstrError = 0
		return fmt.Errorf("hwsim: cpu %d: forced vm entry fault: %w", v.cpu.id, hw.ErrEntryFailed)
	}
	if resume && !v.current.launched {
		v.current.fields.Set(fieldVMInstructionError, 1)
		return fmt.Errorf("hwsim: cpu %d: vmresume on clear VMCS: %w", v.cpu.id, hw.ErrEntryFailed)
	}
	if !resume && v.current.launched {
		v.current.fields.Set(fieldVMInstructionError, 5)
		return fmt.Errorf("hwsim: cpu %d: vmlaunch on launched VMCS: %w", v.cpu.id, hw.ErrEntryFailed)
	}
	v.current.launched = true

	if v.failEntryReason != 0 {
		v.current.fields.Set(fieldExitReason, uint64(v.failEntryReason)|exitReasonFailedEntry)
		v.failEntryReason = 0
		return nil
	}

	if len(v.events) == 0 {
		return fmt.Errorf("hwsim: cpu %d: %w", v.cpu.id, hw.ErrNoEvent)
	}
	ev := v.events[0]
	v.events = v.events[1:]
	ev(v.current.fields, regs)
	return nil
}

func (v *VMXPort) InvalidateEPT(scope hw.InveptScope, eptRoot uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.on {
		return fmt.Errorf("hwsim: cpu %d: invept outside VMX operation: %w", v.cpu.id, hw.ErrVMXFailed)
	}
	if scope != hw.InveptSingle && scope != hw.InveptGlobal {
		return fmt.Errorf("hwsim: cpu %d: invept scope %d unsupported: %w", v.cpu.id, scope, hw.ErrVMXFailed)
	}
	v.invepts = append(v.invepts, InveptRecord{Scope: scope, Root: eptRoot})
	return nil
}

// Queue appends a guest event consumed by the next entry. Test API.
func (v *VMXPort) Queue(ev Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.events = append(v.events, ev)
}

// ForceEntryFail makes the next entry take the failed-entry exit with the
// given basic reason. Test API.
func (v *VMXPort) ForceEntryFail(reason uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failEntryReason = reason
}

// ForceVMFail makes the next entry instruction fail with the given
// VM-instruction error number. Test API.
func (v *VMXPort) ForceVMFail(instrError uint32) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failInstrError = instrError
}

// Invalidations returns a copy of the EPT invalidation log. Test API.
func (v *VMXPort) Invalidations() []InveptRecord {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]InveptRecord, len(v.invepts))
	copy(out, v.invepts)
	return out
}

// ResetInvalidations clears the EPT invalidation log. Test API.
func (v *VMXPort) ResetInvalidations() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.invepts = nil
}

// Fields exposes the current control structure for direct inspection.
// Test API; returns nil when no VMCS is current.
func (v *VMXPort) Fields() *Fields {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == nil {
		return nil
	}
	return v.current.fields
}
