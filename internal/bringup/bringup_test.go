package bringup_test

import (
	"errors"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/wardenhv/warden/internal/acpi"
	"github.com/wardenhv/warden/internal/apic"
	"github.com/wardenhv/warden/internal/bringup"
	"github.com/wardenhv/warden/internal/cell"
	"github.com/wardenhv/warden/internal/config"
	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/hw/hwsim"
	"github.com/wardenhv/warden/internal/hypercall"
	"github.com/wardenhv/warden/internal/mempool"
	"github.com/wardenhv/warden/internal/percpu"
	"github.com/wardenhv/warden/internal/spin"
	"github.com/wardenhv/warden/internal/vmx"
)

const (
	unitBase = 0xfed90000

	// 4-level translation, domain id field width 2 -> 256 ids.
	cap4Level = 1<<10 | 2

	// IOTLB registers at offset 0x10*16+8 = 0x108.
	ecapIOTLB = 0x10 << 8

	// Where the simulated loader places the system descriptor.
	systemPA = 0x3600000

	exitVMCALL = 18
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSystem describes a machine whose root cell owns the given CPUs,
// plain RAM at 1M, a DMA window at 2M, and one device.
func testSystem(cpus ...uint32) *config.System {
	pio := config.TrapAllPIO()
	config.AllowPIORange(pio, 0x3f8, 8)
	set := config.NewCPUSet(8)
	for _, id := range cpus {
		set.Set(id)
	}
	return &config.System{
		HypervisorMem: config.MemRange{Phys: 0x3000000, Size: 0x600000},
		ConfigMem:     config.MemRange{Phys: systemPA, Size: 0x10000},
		Root: config.Cell{
			Name: "root",
			CPUs: set,
			Regions: []config.MemRegion{
				{Phys: 0x100000, Virt: 0x100000, Size: 0x4000,
					Flags: config.MemRead | config.MemWrite | config.MemExecute},
				{Phys: 0x200000, Virt: 0x200000, Size: 0x2000,
					Flags: config.MemRead | config.MemWrite | config.MemDMA},
			},
			PIOBitmap: pio,
			Devices:   []config.PCIDevice{{Bus: 0, Devfn: 0x18}},
		},
	}
}

type env struct {
	mach  *hwsim.Machine
	mem   *hwsim.Memory
	pool  *mempool.Pool
	irq   *apic.Model
	unit  *hwsim.IOMMU
	co    *bringup.Coordinator
	pcs   []*percpu.CPU
	procs []bringup.Processor
}

// newEnv stands in for the loader: it writes the system descriptor into
// memory, seeds each CPU with the interrupted kernel's context, and
// hands the coordinator the machine.
func newEnv(t *testing.T, sys *config.System, tweak func(*bringup.Config), units ...*hwsim.IOMMU) *env {
	t.Helper()

	mach := hwsim.New(hwsim.Config{CPUs: 3, RAMSize: 64 << 20})
	mem := mach.Mem()

	tables := acpi.StaticTables{}
	if len(units) > 0 {
		drhds := make([]acpi.DRHD, len(units))
		for i, u := range units {
			base := uint64(unitBase) + uint64(i)*hw.PageSize
			if err := mem.AddDevice(base, u); err != nil {
				t.Fatalf("AddDevice: %v", err)
			}
			drhds[i] = acpi.DRHD{RegisterBase: base}
		}
		tables = acpi.StaticTables{
			acpi.DMARSignature: acpi.BuildDMAR(&acpi.DMAR{HostAddressWidth: 47, Units: drhds}),
		}
	}

	pool, err := mempool.New("bringuptest", 8<<20, 1024)
	if err != nil {
		t.Fatal(err)
	}
	irq := apic.NewModel(apic.ModeX2APIC, mach.CPUs())

	raw, err := config.MarshalSystem(sys)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteBytes(systemPA, raw); err != nil {
		t.Fatal(err)
	}

	cfg := bringup.Config{
		Mem:        mem,
		Pool:       pool,
		ACPI:       tables,
		IRQ:        irq,
		SystemPA:   systemPA,
		OnlineCPUs: uint32(mach.CPUs()),
		GDTRBase:   0x50000,
		IDTRBase:   0x51000,
		ExitPC:     0x70000,
		Console:    io.Discard,
		Log:        discard(),
	}
	if tweak != nil {
		tweak(&cfg)
	}

	e := &env{
		mach: mach,
		mem:  mem,
		pool: pool,
		irq:  irq,
		co:   bringup.New(cfg),
	}
	if len(units) > 0 {
		e.unit = units[0]
	}

	for i := 0; i < mach.CPUs(); i++ {
		cpu := mach.CPU(i)
		cpu.WriteCR(0, 0x80050033)
		cpu.WriteCR(3, 0x7000)
		cpu.SetMSR(hw.MSRSysenterCS, 0x1234)
		cpu.SetMSR(hw.MSRSysenterEIP, 0x5678)
		cpu.SetMSR(hw.MSRSysenterESP, 0x9abc)

		pc := percpu.New(uint32(i))
		pc.Saved = percpu.SavedContext{
			RIP:  0x100000,
			RSP:  0x180000,
			CR0:  0x80050033,
			CR3:  0x4000,
			CR4:  hw.CR4PAE,
			EFER: hw.EFERLME | hw.EFERLMA,

			GDTRBase:  0x30000,
			GDTRLimit: 0x7f,
			IDTRBase:  0x31000,
			IDTRLimit: 0xfff,

			CS: 0x10,
			SS: 0x18,
			TR: 0x40,

			FSBase: 0x32000,
			GSBase: 0x33000,
		}
		e.pcs = append(e.pcs, pc)
		e.procs = append(e.procs, bringup.Processor{
			PerCPU:   pc,
			CPU:      cpu,
			Port:     cpu.VMX(),
			StackTop: 0x60000 + uint64(i)*0x1000,
		})
	}
	return e
}

// run sends the listed processors through Entry concurrently and
// collects their results in the same order.
func (e *env) run(ids ...int) []error {
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for n, id := range ids {
		n, id := n, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[n] = e.co.Entry(e.procs[id])
		}()
	}
	wg.Wait()
	return errs
}

// queue scripts one stretch of guest execution on a CPU ending in the
// given exit.
func (e *env) queue(cpu int, reason uint64, prep func(f *hwsim.Fields, regs *hw.GuestRegs)) {
	e.mach.CPU(cpu).VMX().Queue(func(f *hwsim.Fields, regs *hw.GuestRegs) {
		f.Set(vmx.ExitReason, reason)
		if prep != nil {
			prep(f, regs)
		}
	})
}

func TestBringUp(t *testing.T) {
	unit := hwsim.NewIOMMU(cap4Level, ecapIOTLB)
	e := newEnv(t, testSystem(0, 1, 2), nil, unit)

	for i, err := range e.run(0, 1, 2) {
		if err != nil {
			t.Fatalf("cpu %d: %v", i, err)
		}
	}

	if got := e.co.Initialized(); got != 3 {
		t.Fatalf("initialized = %d, want 3", got)
	}
	if m := e.co.Master(); m < 0 || m > 2 {
		t.Fatalf("master = %d", m)
	}
	mgr := e.co.Cells()
	if mgr == nil {
		t.Fatal("no cell manager built")
	}
	if cells := mgr.Cells(); len(cells) != 1 || cells[0].Name() != "root" {
		t.Fatalf("cells = %v", cells)
	}

	for i, pc := range e.pcs {
		if pc.State != percpu.VMCSReady {
			t.Fatalf("cpu %d state = %v, want ready", i, pc.State)
		}
		if pc.OwnerID != cell.RootID {
			t.Fatalf("cpu %d owner = %d, want root", i, pc.OwnerID)
		}
		if pc.VMXONRegion == 0 || pc.VMCSRegion == 0 {
			t.Fatalf("cpu %d has no control structure pages", i)
		}
		if !e.mach.CPU(i).VMX().On() {
			t.Fatalf("cpu %d not in VMX operation", i)
		}
	}

	if !e.unit.Enabled() {
		t.Fatal("device translation not enabled")
	}
}

func TestMasterIsFirstThrough(t *testing.T) {
	e := newEnv(t, testSystem(1), func(c *bringup.Config) { c.OnlineCPUs = 1 })

	if err := e.co.Entry(e.procs[1]); err != nil {
		t.Fatalf("Entry: %v", err)
	}
	if m := e.co.Master(); m != 1 {
		t.Fatalf("master = %d, want 1", m)
	}
	if got := e.co.Initialized(); got != 1 {
		t.Fatalf("initialized = %d, want 1", got)
	}
	if e.pcs[0].State != percpu.VMXOff {
		t.Fatal("an idle cpu climbed the ladder")
	}
	if e.pcs[1].State != percpu.VMCSReady {
		t.Fatalf("cpu 1 state = %v, want ready", e.pcs[1].State)
	}
}

func TestBarrierHoldsUntilLastArrival(t *testing.T) {
	e := newEnv(t, testSystem(0, 1, 2), nil)

	done := make(chan error, 2)
	go func() { done <- e.co.Entry(e.procs[0]) }()
	go func() { done <- e.co.Entry(e.procs[1]) }()

	if !spin.Until(1<<22, runtime.Gosched, func() bool { return e.co.Initialized() == 2 }) {
		t.Fatal("first two cpus never initialized")
	}
	for i := 0; i < 200; i++ {
		runtime.Gosched()
	}
	select {
	case err := <-done:
		t.Fatalf("a cpu went past the barrier before the set was complete: %v", err)
	default:
	}

	if err := e.co.Entry(e.procs[2]); err != nil {
		t.Fatalf("cpu 2: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-done; err != nil {
			t.Fatalf("waiting cpu: %v", err)
		}
	}
	if got := e.co.Initialized(); got != 3 {
		t.Fatalf("initialized = %d, want 3", got)
	}
}

func TestBarrierBudgetDetectsMissingCPU(t *testing.T) {
	e := newEnv(t, testSystem(0, 1, 2), func(c *bringup.Config) {
		c.BarrierBudget = 1 << 16
	})

	for i, err := range e.run(0, 1) {
		if !errors.Is(err, hypercall.ErrBusy) {
			t.Fatalf("cpu %d: %v, want busy", i, err)
		}
	}
	if got := e.co.Initialized(); got != 2 {
		t.Fatalf("initialized = %d, want 2", got)
	}
	for _, i := range []int{0, 1} {
		if e.pcs[i].State != percpu.VMXOff {
			t.Fatalf("cpu %d state = %v after abort, want off", i, e.pcs[i].State)
		}
		if e.mach.CPU(i).VMX().On() {
			t.Fatalf("cpu %d still in VMX operation after abort", i)
		}
	}
}

func TestAdmissionRejectsForeignCPU(t *testing.T) {
	e := newEnv(t, testSystem(0), func(c *bringup.Config) { c.OnlineCPUs = 1 })

	err := e.co.Entry(e.procs[1])
	if !errors.Is(err, hypercall.ErrInval) {
		t.Fatalf("Entry = %v, want invalid", err)
	}
	if e.pcs[1].State != percpu.VMXOff {
		t.Fatalf("state = %v after rejection, want off", e.pcs[1].State)
	}
	if e.pcs[1].VMXONRegion != 0 || e.pcs[1].VMCSRegion != 0 {
		t.Fatal("control structure pages kept after rejection")
	}
	if got := e.co.Initialized(); got != 0 {
		t.Fatalf("initialized = %d, want 0", got)
	}

	// The failure latches: even the listed CPU is refused now.
	if err := e.co.Entry(e.procs[0]); !errors.Is(err, hypercall.ErrInval) {
		t.Fatalf("Entry after abort = %v, want invalid", err)
	}
	if e.pcs[0].State != percpu.VMXOff {
		t.Fatal("a cpu climbed the ladder after the abort")
	}
}

func TestMasterFailureAbortsEveryCPU(t *testing.T) {
	e := newEnv(t, testSystem(0, 1, 2), nil)

	// Corrupt the descriptor's signature; whoever wins the master
	// election fails early and everyone must back out.
	if err := e.mem.WriteBytes(systemPA, make([]byte, 8)); err != nil {
		t.Fatal(err)
	}

	for i, err := range e.run(0, 1, 2) {
		if !errors.Is(err, hypercall.ErrInval) {
			t.Fatalf("cpu %d: %v, want invalid", i, err)
		}
	}
	if e.co.Cells() != nil {
		t.Fatal("cell manager built from a corrupt descriptor")
	}
	if got := e.co.Initialized(); got != 0 {
		t.Fatalf("initialized = %d, want 0", got)
	}
	for i, pc := range e.pcs {
		if pc.State != percpu.VMXOff {
			t.Fatalf("cpu %d state = %v, want off", i, pc.State)
		}
	}
}

func TestDescriptorOutsideDeclaredRange(t *testing.T) {
	sys := testSystem(0)
	sys.ConfigMem = config.MemRange{Phys: 0x3700000, Size: 0x10000}
	e := newEnv(t, sys, func(c *bringup.Config) { c.OnlineCPUs = 1 })

	err := e.co.Entry(e.procs[0])
	if !errors.Is(err, hypercall.ErrInval) {
		t.Fatalf("Entry = %v, want invalid", err)
	}
	if !strings.Contains(err.Error(), "outside") {
		t.Fatalf("Entry = %v, want the range complaint", err)
	}
}

func TestBarrierTargetValidation(t *testing.T) {
	for _, tc := range []struct {
		name   string
		online uint32
	}{
		{"zero", 0},
		{"beyond the root set", 5},
	} {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, testSystem(0), func(c *bringup.Config) { c.OnlineCPUs = tc.online })

			err := e.co.Entry(e.procs[0])
			if !errors.Is(err, hypercall.ErrInval) {
				t.Fatalf("Entry = %v, want invalid", err)
			}
			if e.pcs[0].State != percpu.VMXOff {
				t.Fatalf("state = %v after abort, want off", e.pcs[0].State)
			}
			if got := e.co.Initialized(); got != 1 {
				t.Fatalf("initialized = %d, want 1", got)
			}
		})
	}
}

func TestDisableHandsTheMachineBack(t *testing.T) {
	unit := hwsim.NewIOMMU(cap4Level, ecapIOTLB)
	e := newEnv(t, testSystem(0), func(c *bringup.Config) { c.OnlineCPUs = 1 }, unit)

	e.queue(0, exitVMCALL, func(_ *hwsim.Fields, regs *hw.GuestRegs) {
		regs.RAX = hypercall.Disable
	})
	if err := e.co.Entry(e.procs[0]); err != nil {
		t.Fatalf("Entry: %v", err)
	}

	pc := e.pcs[0]
	if !pc.Deactivated {
		t.Fatal("CPU not handed back")
	}
	if pc.State != percpu.VMXOff || e.mach.CPU(0).VMX().On() {
		t.Fatal("disable did not walk the ladder down")
	}
	if pc.Regs.RAX != 0 {
		t.Fatalf("RAX = %#x, want success status", pc.Regs.RAX)
	}
	if pc.Saved.RIP != 0x100000+3 {
		t.Fatalf("saved RIP = %#x, want past the call", pc.Saved.RIP)
	}
	if e.unit.Enabled() {
		t.Fatal("device translation survived the disable")
	}
}
