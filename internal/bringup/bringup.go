// Package bringup coordinates the takeover of the machine. The first
// processor through the init lock becomes the master and builds the
// shared state; every processor then admits itself into the root cell
// and climbs into VMX operation; nobody activates before the whole
// online set is ready or the attempt has been abandoned.
package bringup

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/wardenhv/warden/internal/acpi"
	"github.com/wardenhv/warden/internal/apic"
	"github.com/wardenhv/warden/internal/cell"
	"github.com/wardenhv/warden/internal/config"
	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/hypercall"
	"github.com/wardenhv/warden/internal/mempool"
	"github.com/wardenhv/warden/internal/percpu"
	"github.com/wardenhv/warden/internal/spin"
	"github.com/wardenhv/warden/internal/vmx"
	"github.com/wardenhv/warden/internal/vtd"
)

// Config carries what the loader hands the hypervisor and what every
// processor shares during bring-up.
type Config struct {
	Mem  hw.Memory
	Pool *mempool.Pool

	// ACPI supplies the remapping hardware description.
	ACPI acpi.Provider

	// IRQ is the interrupt model, built for the mode the processors
	// were left in.
	IRQ *apic.Model

	// SystemPA is where the loader placed the encoded system
	// descriptor.
	SystemPA uint64

	// OnlineCPUs is the barrier target: how many processors the loader
	// sends through Entry. Taken from the image header.
	OnlineCPUs uint32

	// GDTRBase, IDTRBase and ExitPC locate the hypervisor's own
	// descriptor tables and exit handler, shared by every processor's
	// control structure.
	GDTRBase uint64
	IDTRBase uint64
	ExitPC   uint64

	// SuspendBudget and PollBudget bound the cell manager's CPU
	// suspension and the remapping hardware handshakes. Zero polls
	// forever.
	SuspendBudget int
	PollBudget    int

	// BarrierBudget bounds the wait for sibling processors. Zero polls
	// forever.
	BarrierBudget int

	// Console receives fatal state dumps.
	Console io.Writer
	Log     *slog.Logger
}

// Processor bundles what one logical CPU brings into Entry: its state
// block, its hardware ports, and the stack its exit handler runs on.
type Processor struct {
	PerCPU   *percpu.CPU
	CPU      hw.CPU
	Port     hw.VMX
	StackTop uint64
}

// Coordinator runs bring-up. One instance per takeover attempt; the
// failure flag latches, so an aborted attempt stays aborted.
type Coordinator struct {
	cfg Config
	log *slog.Logger

	lock   spin.Lock
	master atomic.Int64 // claiming processor, -1 until claimed

	ready   atomic.Uint32
	failure atomic.Int64 // first failing status, set once

	// Built by the master under the init lock.
	shared vmx.SharedPages
	dma    *vtd.Manager
	cells  *cell.Manager
}

// New returns a coordinator ready for its first Entry.
func New(cfg Config) *Coordinator {
	if cfg.BarrierBudget <= 0 {
		cfg.BarrierBudget = spin.Forever
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	c := &Coordinator{cfg: cfg, log: cfg.Log}
	c.master.Store(-1)
	return c
}

// Cells returns the cell manager the master built. Nil until the early
// phase has run.
func (c *Coordinator) Cells() *cell.Manager { return c.cells }

// Master reports the processor that claimed bring-up, or -1 while none
// has.
func (c *Coordinator) Master() int64 { return c.master.Load() }

// Initialized reports how many processors have passed admission and
// enablement so far.
func (c *Coordinator) Initialized() uint32 { return c.ready.Load() }

// Entry is the per-processor takeover path; the loader sends every
// online CPU through it, in any order and concurrently. The first
// processor through becomes the master and builds the shared state;
// every processor then admits itself into the root cell and climbs the
// enablement ladder; all of them hold at the barrier until the whole
// online set is ready. A failure anywhere aborts the attempt on every
// processor: each backs out of VMX operation and returns an error
// carrying the first failure's status, leaving the loader to reclaim
// the machine. On success the processor enters its guest and Entry
// does not return until the hypervisor is disabled or the backend
// reports the guest idle.
func (c *Coordinator) Entry(p Processor) error {
	pc := p.PerCPU
	relax := p.CPU.Relax
	master := false

	var v *vmx.VCPU
	var localErr error

	c.lock.Lock(relax)
	if c.master.Load() < 0 {
		master = true
		c.master.Store(int64(pc.ID))
		if localErr = c.earlyInit(p); localErr != nil {
			c.fail(pc.ID, localErr)
		}
	}
	if localErr == nil && c.failure.Load() == 0 {
		v, localErr = c.cpuInit(p)
		if localErr != nil {
			c.fail(pc.ID, localErr)
		} else if master {
			if localErr = c.lateInit(); localErr != nil {
				c.fail(pc.ID, localErr)
			}
		}
	}
	c.lock.Unlock()

	arrived := spin.Until(c.cfg.BarrierBudget, relax, func() bool {
		return c.failure.Load() != 0 || c.ready.Load() >= c.cfg.OnlineCPUs
	})
	if !arrived {
		err := fmt.Errorf("bringup: cpu %d: %d of %d cpus initialized: %w",
			pc.ID, c.ready.Load(), c.cfg.OnlineCPUs, hypercall.ErrBusy)
		c.fail(pc.ID, err)
		if localErr == nil {
			localErr = err
		}
	}

	if s := hypercall.Status(c.failure.Load()); s.Failed() {
		if v != nil {
			v.Exit()
		}
		if localErr != nil {
			return localErr
		}
		return fmt.Errorf("bringup: cpu %d: aborted: %w", pc.ID, s)
	}

	if master {
		c.log.Info("activating hypervisor", "cpus", c.cfg.OnlineCPUs)
	}

	// From here the processor belongs to its guest.
	return v.Activate()
}

// fail latches the first failure; later ones keep the original status
// but are still logged.
func (c *Coordinator) fail(cpu uint32, err error) {
	c.log.Error("bring-up failed", "cpu", cpu, "err", err)
	c.failure.CompareAndSwap(0, int64(hypercall.FromError(err)))
}

// earlyInit is the master's one-time construction of the shared world:
// capability snapshot, system descriptor, the shared control pages,
// the remapping hardware, and the root cell.
func (c *Coordinator) earlyInit(p Processor) error {
	c.log.Info("initializing hypervisor", "cpu", p.PerCPU.ID)

	feat, err := vmx.CheckSupport(p.CPU)
	if err != nil {
		return err
	}

	sys, err := c.readSystem()
	if err != nil {
		return err
	}

	shared, err := vmx.NewSharedPages(c.cfg.Mem, c.cfg.Pool, c.cfg.IRQ.Mode())
	if err != nil {
		return err
	}

	dma, err := vtd.New(vtd.Config{
		Mem:        c.cfg.Mem,
		Pool:       c.cfg.Pool,
		Tables:     c.cfg.ACPI,
		Relax:      p.CPU.Relax,
		PollBudget: c.cfg.PollBudget,
		Log:        c.log,
	})
	if err != nil {
		shared.Free(c.cfg.Pool)
		return err
	}

	cells, err := cell.New(cell.Config{
		Mem:           c.cfg.Mem,
		Pool:          c.cfg.Pool,
		Feat:          feat,
		DMA:           dma,
		IRQ:           c.cfg.IRQ,
		System:        sys,
		APICPagePA:    shared.APICPagePA,
		SuspendBudget: c.cfg.SuspendBudget,
		Relax:         p.CPU.Relax,
		Log:           c.log,
	})
	if err != nil {
		if derr := dma.Shutdown(); derr != nil {
			c.log.Warn("remapping hardware not quiesced", "err", derr)
		}
		shared.Free(c.cfg.Pool)
		return err
	}

	c.shared = shared
	c.dma = dma
	c.cells = cells
	return nil
}

// readSystem fetches and decodes the system descriptor the loader
// placed. The descriptor must lie inside the configuration range it
// declares.
func (c *Coordinator) readSystem() (*config.System, error) {
	pa := c.cfg.SystemPA

	head := make([]byte, config.SystemHeaderLen)
	if err := c.cfg.Mem.ReadBytes(pa, head); err != nil {
		return nil, fmt.Errorf("bringup: system descriptor at %#x: %w: %v", pa, hypercall.ErrInval, err)
	}
	n, err := config.SystemDescriptorLen(head)
	if err != nil {
		return nil, fmt.Errorf("bringup: system descriptor at %#x: %w: %v", pa, hypercall.ErrInval, err)
	}
	raw := make([]byte, n)
	if err := c.cfg.Mem.ReadBytes(pa, raw); err != nil {
		return nil, fmt.Errorf("bringup: system descriptor at %#x: %w: %v", pa, hypercall.ErrInval, err)
	}
	sys, err := config.UnmarshalSystem(raw)
	if err != nil {
		return nil, fmt.Errorf("bringup: system descriptor at %#x: %w: %v", pa, hypercall.ErrInval, err)
	}

	cm := sys.ConfigMem
	if pa < cm.Phys || pa+uint64(n) > cm.Phys+cm.Size {
		return nil, fmt.Errorf("bringup: system descriptor at %#x+%#x outside its declared config range %#x+%#x: %w",
			pa, n, cm.Phys, cm.Size, hypercall.ErrInval)
	}
	return sys, nil
}

// cpuInit admits one processor into the root cell and climbs it into
// VMX operation. Runs under the init lock.
func (c *Coordinator) cpuInit(p Processor) (*vmx.VCPU, error) {
	pc := p.PerCPU

	vmxon, err := c.cfg.Pool.AllocZeroed(c.cfg.Mem, 1)
	if err != nil {
		return nil, fmt.Errorf("bringup: cpu %d: vmxon region: %w", pc.ID, err)
	}
	vmcs, err := c.cfg.Pool.AllocZeroed(c.cfg.Mem, 1)
	if err != nil {
		c.cfg.Pool.Free(vmxon, 1)
		return nil, fmt.Errorf("bringup: cpu %d: control structure: %w", pc.ID, err)
	}
	pc.VMXONRegion, pc.VMCSRegion = vmxon, vmcs

	v := vmx.New(vmx.Config{
		PerCPU: pc,
		CPU:    p.CPU,
		Port:   p.Port,
		Mem:    c.cfg.Mem,
		IRQ:    c.cfg.IRQ,
		Cells:  c.cells,
		Host: vmx.HostContext{
			GDTRBase:    c.cfg.GDTRBase,
			IDTRBase:    c.cfg.IDTRBase,
			StackTop:    p.StackTop,
			ExitPC:      c.cfg.ExitPC,
			MSRBitmapPA: c.shared.MSRBitmapPA,
			APICPagePA:  c.shared.APICPagePA,
		},
		Tables:  c.cells.Root().Tables(),
		Console: c.cfg.Console,
		Log:     c.log,
	})

	if err := c.cells.Attach(pc, v); err != nil {
		c.releaseRegions(pc)
		return nil, err
	}
	if err := v.Init(); err != nil {
		v.Exit()
		c.releaseRegions(pc)
		return nil, err
	}

	// The increment publishes everything built above to the siblings
	// spinning on it.
	c.ready.Add(1)
	return v, nil
}

func (c *Coordinator) releaseRegions(pc *percpu.CPU) {
	c.cfg.Pool.Free(pc.VMXONRegion, 1)
	c.cfg.Pool.Free(pc.VMCSRegion, 1)
	pc.VMXONRegion, pc.VMCSRegion = 0, 0
}

// lateInit is the master's commit step, after its own climb and before
// the lock is released. The barrier target must lie within the root
// cell's CPU set; a target beyond it can never be reached.
func (c *Coordinator) lateInit() error {
	want := c.cfg.OnlineCPUs
	have := uint32(c.cells.Root().Config().CPUs.Count())
	if want == 0 || want > have {
		return fmt.Errorf("bringup: %d online cpus against a root cell of %d: %w",
			want, have, hypercall.ErrInval)
	}
	c.log.Info("late setup complete",
		"freePages", c.cfg.Pool.FreePages(), "remaining", want-1)
	return nil
}
