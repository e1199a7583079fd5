//go:build ignore

// This file demonstrates the public API of the warden package.
// It is excluded from the build and serves as a reference.

package main

import (
	"errors"
	"fmt"
	"os"

	warden "github.com/wardenhv/warden"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// =========================================================================
	// Descriptors - describe how the machine is carved into cells
	// =========================================================================

	// A system descriptor names the hypervisor's own memory, the spot the
	// loader placed the descriptor itself, and the root cell that inherits
	// the rest of the machine.
	root := warden.Cell{
		Name: "root",
		CPUs: warden.CPUSet{0xf}, // CPUs 0-3
		Regions: []warden.MemRegion{
			{Phys: 0x100000, Virt: 0x100000, Size: 0x3f00000,
				Flags: warden.MemRead | warden.MemWrite | warden.MemExecute | warden.MemDMA},
		},
		PIOBitmap: trapAllButSerial(),
	}
	sys := warden.System{
		HypervisorMem: warden.MemRange{Phys: 0x3c000000, Size: 0x4000000},
		ConfigMem:     warden.MemRange{Phys: 0x3bff0000, Size: 0x10000},
		Root:          root,
	}

	// Descriptors travel in a fixed binary layout.
	blob, err := warden.MarshalSystem(&sys)
	if err != nil {
		return fmt.Errorf("marshal system: %w", err)
	}
	back, err := warden.UnmarshalSystem(blob)
	if err != nil {
		return fmt.Errorf("unmarshal system: %w", err)
	}
	fmt.Printf("system descriptor: %d bytes, root cell %q with %d cpus\n",
		len(blob), back.Root.Name, back.Root.CPUs.Count())

	// The YAML frontend compiles to the same descriptors. This is what
	// `warden compile` runs.
	cellYAML := []byte(`
name: inmate
cpus: [3]
memory:
  - phys: 0x3a000000
    virt: 0x0
    size: 0x1000000
    flags: [read, write, execute]
`)
	inmate, err := warden.ParseCellYAML(cellYAML)
	if err != nil {
		return fmt.Errorf("parse cell yaml: %w", err)
	}
	if _, err := warden.MarshalCell(inmate); err != nil {
		return fmt.Errorf("marshal cell: %w", err)
	}

	// Malformed descriptors are rejected structurally.
	if _, err := warden.UnmarshalCell([]byte("not a descriptor")); !errors.Is(err, warden.ErrBadDescriptor) {
		return fmt.Errorf("expected ErrBadDescriptor, got %v", err)
	}

	// =========================================================================
	// Image header - the loader's view of the hypervisor image
	// =========================================================================

	hdr := warden.ImageHeader{
		BSSStart:   0xfffffffff0200000,
		BSSEnd:     0xfffffffff0240000,
		PerCPUSize: 0x8000,
		Entry:      0xfffffffff0000030,
		OnlineCPUs: 4, // written back by the loader
	}
	hb, err := warden.MarshalImageHeader(&hdr)
	if err != nil {
		return fmt.Errorf("marshal image header: %w", err)
	}
	if _, err := warden.UnmarshalImageHeader(hb); err != nil {
		return fmt.Errorf("unmarshal image header: %w", err)
	}

	// =========================================================================
	// Hypercall statuses - errno-flavored results at the guest boundary
	// =========================================================================

	// A non-OK Status is an error; engine errors unwrap back to one.
	var s warden.Status = warden.ErrNoDev
	wrapped := fmt.Errorf("probing cpu 2: %w", s)
	if warden.StatusFromError(wrapped) != warden.ErrNoDev {
		return errors.New("status did not survive wrapping")
	}
	fmt.Printf("status %d: %v\n", int64(s), s)

	// =========================================================================
	// Bring-up - wiring sketch
	// =========================================================================
	//
	// Taking over a machine needs hardware ports (warden.Memory, warden.CPU,
	// warden.VMX) that only a loader running on the metal can provide; the
	// simulate command drives the same path against a modeled machine.
	//
	//	co := warden.NewCoordinator(warden.Config{
	//		Mem:        mem,                 // physical memory port
	//		Pool:       pool,                // page pool inside HypervisorMem
	//		ACPI:       firmwareTables,      // DMAR provider
	//		IRQ:        interruptModel,
	//		SystemPA:   sys.ConfigMem.Phys,  // where the descriptor sits
	//		OnlineCPUs: hdr.OnlineCPUs,
	//	})
	//	// On each logical CPU, after seeding its PerCPU saved context:
	//	err := co.Entry(warden.Processor{
	//		PerCPU: warden.NewPerCPU(id), CPU: cpu, Port: vmxPort, StackTop: stack,
	//	})
	//
	// Entry returns only when the takeover failed or the machine was handed
	// back through the disable hypercall.

	return nil
}

// trapAllButSerial builds a port bitmap that only lets COM1 through.
func trapAllButSerial() []byte {
	bm := warden.TrapAllPIO()
	warden.AllowPIORange(bm, 0x3f8, 8)
	return bm
}
