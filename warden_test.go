package warden_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	warden "github.com/wardenhv/warden"
	"github.com/wardenhv/warden/internal/acpi"
	"github.com/wardenhv/warden/internal/apic"
	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/hw/hwsim"
	"github.com/wardenhv/warden/internal/mempool"
	"github.com/wardenhv/warden/internal/vmx"
)

// TestTakeoverAndHandBack drives the whole public surface once: describe
// the machine, take it over on a simulated processor, and hand it back
// through the disable hypercall.
func TestTakeoverAndHandBack(t *testing.T) {
	const systemPA = 0x3600000

	mach := hwsim.New(hwsim.Config{CPUs: 1, RAMSize: 64 << 20})
	mem := mach.Mem()

	pool, err := mempool.New("wardentest", 8<<20, 1024)
	if err != nil {
		t.Fatal(err)
	}

	sys := warden.System{
		HypervisorMem: warden.MemRange{Phys: 0x3000000, Size: 0x600000},
		ConfigMem:     warden.MemRange{Phys: systemPA, Size: 0x10000},
		Root: warden.Cell{
			Name: "root",
			CPUs: warden.CPUSet{1 << 0},
			Regions: []warden.MemRegion{
				{Phys: 0x100000, Virt: 0x100000, Size: 0x4000,
					Flags: warden.MemRead | warden.MemWrite | warden.MemExecute},
			},
			PIOBitmap: warden.TrapAllPIO(),
		},
	}
	raw, err := warden.MarshalSystem(&sys)
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.WriteBytes(systemPA, raw); err != nil {
		t.Fatal(err)
	}

	co := warden.NewCoordinator(warden.Config{
		Mem:        mem,
		Pool:       pool,
		ACPI:       acpi.StaticTables{},
		IRQ:        apic.NewModel(apic.ModeX2APIC, 1),
		SystemPA:   systemPA,
		OnlineCPUs: 1,
		GDTRBase:   0x50000,
		IDTRBase:   0x51000,
		ExitPC:     0x70000,
		Console:    io.Discard,
		Log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	cpu := mach.CPU(0)
	cpu.WriteCR(0, 0x80050033)
	pc := warden.NewPerCPU(0)
	pc.Saved = warden.SavedContext{
		RIP: 0x100000, RSP: 0x180000,
		CR0: 0x80050033, CR3: 0x4000, CR4: hw.CR4PAE,
		EFER:     hw.EFERLME | hw.EFERLMA,
		GDTRBase: 0x30000, GDTRLimit: 0x7f,
		IDTRBase: 0x31000, IDTRLimit: 0xfff,
		CS: 0x10, SS: 0x18, TR: 0x40,
	}

	// The guest's first and only act is asking for its machine back.
	cpu.VMX().Queue(func(f *hwsim.Fields, regs *warden.GuestRegs) {
		f.Set(vmx.ExitReason, 18) // VMCALL
		regs.RAX = warden.CallDisable
	})

	err = co.Entry(warden.Processor{
		PerCPU:   pc,
		CPU:      cpu,
		Port:     cpu.VMX(),
		StackTop: 0x60000,
	})
	if err != nil {
		t.Fatalf("Entry: %v", err)
	}

	if !pc.Deactivated {
		t.Fatal("processor still claimed by the hypervisor")
	}
	if cpu.VMX().On() {
		t.Fatal("VMX operation still on after hand-back")
	}
	if pc.Saved.RIP != 0x100000+3 {
		t.Fatalf("guest resumes at %#x, want past the vmcall", pc.Saved.RIP)
	}
	if got := co.Cells().Root().Name(); got != "root" {
		t.Fatalf("root cell name %q", got)
	}
}

func TestDescriptorYAMLRoundTrip(t *testing.T) {
	sys, err := warden.ParseSystemYAML([]byte(`
hypervisor_memory: {phys: 0x3c000000, size: 0x4000000}
config_memory: {phys: 0x3bff0000, size: 0x10000}
root_cell:
  name: root
  cpus: [0, 1]
  memory:
    - {phys: 0x100000, virt: 0x100000, size: 0x4000, flags: [read, write, execute]}
  ports:
    - {base: 0x3f8, count: 8}
`))
	if err != nil {
		t.Fatal(err)
	}

	raw, err := warden.MarshalSystem(sys)
	if err != nil {
		t.Fatal(err)
	}
	back, err := warden.UnmarshalSystem(raw)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(sys, back); diff != "" {
		t.Fatalf("descriptor changed across encode/decode (-want +got):\n%s", diff)
	}
}

func TestStatusSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", warden.ErrNoDev))
	if !errors.Is(err, warden.ErrNoDev) {
		t.Fatal("errors.Is lost the status")
	}
	if got := warden.StatusFromError(err); got != warden.ErrNoDev {
		t.Fatalf("StatusFromError = %v", got)
	}
	if warden.StatusFromError(nil) != warden.StatusOK {
		t.Fatal("nil error should be StatusOK")
	}
}
