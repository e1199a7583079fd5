// Package vmx owns the per-CPU virtualization lifecycle: capability
// checks, the enablement ladder up to a populated control structure,
// guest entry, and the dispatch of every VM exit back into engine
// decisions. One VCPU per logical processor; cells only ever meet a CPU
// through the isolation tables it loads.
package vmx

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/wardenhv/warden/internal/apic"
	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/hypercall"
	"github.com/wardenhv/warden/internal/percpu"
)

// ErrHalted is returned by Activate after a condition the engine cannot
// recover from: the state was dumped and the CPU stopped.
var ErrHalted = errors.New("vmx: cpu halted")

// CellServices is what the dispatcher needs from the cell manager to
// execute management hypercalls. Declared here so the dependency points
// from the manager down into the engine.
type CellServices interface {
	// Create builds a cell from the descriptor at configPA in guest
	// memory and moves the named resources out of the root cell.
	Create(caller *VCPU, configPA uint64) error

	// Destroy tears down the cell with the given id and returns its
	// resources to the root cell.
	Destroy(caller *VCPU, id uint64) error

	// Shutdown prepares the handback of the machine. Once it succeeds
	// the calling CPU deactivates itself.
	Shutdown(caller *VCPU) error
}

// HostContext is the hypervisor-side state the control structure points
// at. Bring-up fills one per CPU.
type HostContext struct {
	GDTRBase uint64
	IDTRBase uint64

	// StackTop is the initial RSP of the exit handler.
	StackTop uint64
	// ExitPC is where the hardware transfers control on a VM exit.
	ExitPC uint64

	MSRBitmapPA uint64
	APICPagePA  uint64
}

// Config assembles the ports and collaborators one virtual CPU runs on.
type Config struct {
	PerCPU *percpu.CPU
	CPU    hw.CPU
	Port   hw.VMX
	Mem    hw.Memory

	IRQ   *apic.Model
	Cells CellServices

	Host   HostContext
	Tables *CellTables

	// Console receives the state dump when the CPU halts fatally.
	Console io.Writer
	Log     *slog.Logger
}

// VCPU drives virtualization on one logical processor.
type VCPU struct {
	pc   *percpu.CPU
	cpu  hw.CPU
	port hw.VMX
	mem  hw.Memory

	irq   *apic.Model
	cells CellServices

	feat   Features
	host   HostContext
	tables *CellTables

	console io.Writer
	log     *slog.Logger
}

// New wires a virtual CPU. Init must succeed before any other call.
func New(cfg Config) *VCPU {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Console == nil {
		cfg.Console = io.Discard
	}
	return &VCPU{
		pc:      cfg.PerCPU,
		cpu:     cfg.CPU,
		port:    cfg.Port,
		mem:     cfg.Mem,
		irq:     cfg.IRQ,
		cells:   cfg.Cells,
		host:    cfg.Host,
		tables:  cfg.Tables,
		console: cfg.Console,
		log:     cfg.Log,
	}
}

// ID returns the logical CPU number.
func (v *VCPU) ID() uint32 { return v.pc.ID }

// Tables returns the isolation state this CPU currently enters with.
func (v *VCPU) Tables() *CellTables { return v.tables }

// SetTables points the CPU at another cell's isolation state. The
// switch takes effect at the next Reset.
func (v *VCPU) SetTables(t *CellTables) { v.tables = t }

// InvalidateTables drops translations this CPU may have cached for a
// cell's tables. Cell reconfiguration calls it after pulling entries.
func (v *VCPU) InvalidateTables(t *CellTables) error {
	return t.Invalidate(v.port)
}

// Features returns the capability snapshot taken by Init.
func (v *VCPU) Features() Features { return v.feat }

// Init climbs the enablement ladder: capability checks, feature control
// unlock, VMX operation, then a cleared, loaded and fully populated
// control structure. On failure the caller unwinds with Exit; the
// ladder position in the per-CPU block is always accurate.
func (v *VCPU) Init() error {
	feat, err := CheckSupport(v.cpu)
	if err != nil {
		return err
	}
	v.feat = feat

	if err := enable(v.cpu, v.port, v.mem, feat, v.pc.VMXONRegion); err != nil {
		return err
	}
	v.pc.State = percpu.VMXOn

	if err := v.mem.Write32(v.pc.VMCSRegion, feat.Revision); err != nil {
		return hypercall.Wrap(hypercall.ErrIO, fmt.Errorf("vmx: cpu %d: vmcs revision: %w", v.pc.ID, err))
	}
	if err := v.port.ClearVMCS(v.pc.VMCSRegion); err != nil {
		return hypercall.Wrap(hypercall.ErrIO, fmt.Errorf("vmx: cpu %d: vmclear: %w", v.pc.ID, err))
	}
	if err := v.port.LoadVMCS(v.pc.VMCSRegion); err != nil {
		return hypercall.Wrap(hypercall.ErrIO, fmt.Errorf("vmx: cpu %d: vmptrld: %w", v.pc.ID, err))
	}
	if err := v.setupVMCS(); err != nil {
		return hypercall.Wrap(hypercall.ErrIO, fmt.Errorf("vmx: cpu %d: vmcs setup: %w", v.pc.ID, err))
	}
	v.pc.State = percpu.VMCSReady

	v.log.Debug("vmx ready", "cpu", v.pc.ID, "revision", feat.Revision)
	return nil
}

// Exit walks the enablement ladder back down. Safe from any ladder
// position and idempotent.
func (v *VCPU) Exit() {
	if v.pc.State == percpu.VMXOff {
		return
	}
	v.pc.State = percpu.VMXOff
	v.port.ClearVMCS(v.pc.VMCSRegion)
	v.port.TurnOff()
	v.cpu.WriteCR(4, v.cpu.ReadCR(4)&^uint64(hw.CR4VMXE))
}

// Activate enters the guest and services VM exits until the hypervisor
// is disabled on this CPU or the backend reports the guest idle. A
// first entry that never reaches the guest is fatal.
func (v *VCPU) Activate() error {
	v.irq.SetRunning(v.pc.ID, true)
	defer v.irq.SetRunning(v.pc.ID, false)

	enter := v.port.Launch
	for {
		err := enter(&v.pc.Regs)
		enter = v.port.Resume
		switch {
		case err == nil:
		case errors.Is(err, hw.ErrNoEvent):
			return nil
		default:
			return v.fatal("vm entry: %v, error %d", err, v.port.Read(VMInstructionError))
		}

		if err := v.handleExit(); err != nil {
			return err
		}
		if v.pc.Deactivated {
			return nil
		}
	}
}

// Deactivate hands the CPU back to its previous owner. The guest state
// of the current control structure becomes the saved context the owner
// resumes from, success is signaled in RAX, and the ladder is walked
// down.
func (v *VCPU) Deactivate() {
	saved := &v.pc.Saved

	saved.RIP = v.port.Read(GuestRIP)
	saved.RSP = v.port.Read(GuestRSP)
	saved.RFLAGS = v.port.Read(GuestRFLAGS)
	saved.CR3 = v.port.Read(GuestCR3)

	saved.GDTRBase = v.port.Read(GuestGDTRBase)
	saved.GDTRLimit = uint32(v.port.Read(GuestGDTRLimit))
	saved.IDTRBase = v.port.Read(GuestIDTRBase)
	saved.IDTRLimit = uint32(v.port.Read(GuestIDTRLimit))

	saved.CS = uint16(v.port.Read(GuestCSSelector))
	saved.DS = uint16(v.port.Read(GuestDSSelector))
	saved.ES = uint16(v.port.Read(GuestESSelector))
	saved.FS = uint16(v.port.Read(GuestFSSelector))
	saved.GS = uint16(v.port.Read(GuestGSSelector))
	saved.TR = uint16(v.port.Read(GuestTRSelector))

	saved.EFER = v.port.Read(GuestEFER)
	saved.FSBase = v.port.Read(GuestFSBase)
	saved.GSBase = v.port.Read(GuestGSBase)

	saved.SysenterCS = v.port.Read(GuestSysenterCS)
	saved.SysenterEIP = v.port.Read(GuestSysenterEIP)
	saved.SysenterESP = v.port.Read(GuestSysenterESP)

	v.pc.Regs.RAX = 0

	v.Exit()
	v.pc.Deactivated = true

	v.log.Info("cpu handed back", "cpu", v.pc.ID, "rip", fmt.Sprintf("%#x", saved.RIP))
}

// ScheduleVMExit arms the preemption timer so the guest exits right
// after its next entry. Used to yank a CPU out of its guest; a no-op
// until the control structure is ready.
func (v *VCPU) ScheduleVMExit() {
	if v.pc.State != percpu.VMCSReady {
		return
	}
	v.port.Write(PinBasedControls, v.port.Read(PinBasedControls)|pinPreemptionTimer)
}

func (v *VCPU) disablePreemptionTimer() {
	v.port.Write(PinBasedControls, v.port.Read(PinBasedControls)&^uint64(pinPreemptionTimer))
}

func (v *VCPU) skipInstruction(instLen uint64) {
	v.port.Write(GuestRIP, v.port.Read(GuestRIP)+instLen)
}
