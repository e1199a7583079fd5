package main

import (
	"flag"
	"fmt"

	"github.com/wardenhv/warden/internal/acpi"
	"github.com/wardenhv/warden/internal/apic"
	"github.com/wardenhv/warden/internal/hw/hostdev"
	"github.com/wardenhv/warden/internal/vmx"
)

func runProbe(args []string) error {
	fs := flag.NewFlagSet("warden probe", flag.ExitOnError)
	cpu := fs.Int("cpu", -1, "probe a single cpu id (default: every cpu)")
	firmware := fs.String("firmware", "", "override the ACPI table directory")
	debug := fs.Bool("debug", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)

	var ids []uint32
	if *cpu >= 0 {
		ids = []uint32{uint32(*cpu)}
	} else {
		var err error
		if ids, err = hostdev.CPUs(); err != nil {
			return fmt.Errorf("probe: %w", err)
		}
	}

	for _, id := range ids {
		c, err := hostdev.OpenCPU(id)
		if err != nil {
			return fmt.Errorf("probe: %w", err)
		}
		feat, err := vmx.CheckSupport(c)
		mode := apic.Detect(c)
		if err != nil {
			fmt.Printf("cpu %d: %v\n", id, err)
		} else {
			fmt.Printf("cpu %d: vmx ok, vmcs revision %d, %s\n", id, feat.Revision, mode)
		}
		if err := c.Close(); err != nil {
			return fmt.Errorf("probe: %w", err)
		}
	}

	ft := hostdev.FirmwareTables{Dir: *firmware}
	table, ok := ft.Table(acpi.DMARSignature)
	if !ok {
		fmt.Println("dmar: firmware publishes no remapping table")
		return nil
	}
	d, err := acpi.ParseDMAR(table)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	fmt.Printf("dmar: host address width %d, %d remapping units\n",
		d.HostAddressWidth, len(d.Units))
	for _, u := range d.Units {
		scope := ""
		if u.Flags&acpi.DRHDIncludeAll != 0 {
			scope = " (catches remaining devices)"
		}
		fmt.Printf("  unit at %#x, segment %d%s\n", u.RegisterBase, u.Segment, scope)
	}
	return nil
}
