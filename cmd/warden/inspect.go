package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/wardenhv/warden/internal/bringup"
	"github.com/wardenhv/warden/internal/config"
)

func runInspect(args []string) error {
	fs := flag.NewFlagSet("warden inspect", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("inspect: expected one file, got %d", fs.NArg())
	}
	path := fs.Arg(0)

	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	// The three artifact kinds carry distinct signatures, so trying each
	// decoder in turn is unambiguous.
	if hdr, err := bringup.UnmarshalImageHeader(b); err == nil {
		printImage(hdr, len(b))
		return nil
	}
	if sys, err := config.UnmarshalSystem(b); err == nil {
		printSystem(sys, len(b))
		return nil
	}
	if cell, err := config.UnmarshalCell(b); err == nil {
		fmt.Printf("cell descriptor (%d bytes)\n", len(b))
		printCellBody(cell, "  ")
		return nil
	}
	return fmt.Errorf("inspect %s: not a descriptor or image header", path)
}

func printImage(h *bringup.ImageHeader, size int) {
	fmt.Printf("image header (%d bytes total)\n", size)
	fmt.Printf("  bss      %#x..%#x\n", h.BSSStart, h.BSSEnd)
	fmt.Printf("  percpu   %#x bytes per cpu\n", h.PerCPUSize)
	fmt.Printf("  entry    %#x\n", h.Entry)
	fmt.Printf("  online   %d cpus\n", h.OnlineCPUs)
}

func printSystem(s *config.System, size int) {
	fmt.Printf("system descriptor (%d bytes)\n", size)
	fmt.Printf("  hypervisor memory  %#x + %#x\n", s.HypervisorMem.Phys, s.HypervisorMem.Size)
	fmt.Printf("  config memory      %#x + %#x\n", s.ConfigMem.Phys, s.ConfigMem.Size)
	printCellBody(&s.Root, "  ")
}

func printCellBody(c *config.Cell, indent string) {
	fmt.Printf("%scell %q\n", indent, c.Name)
	fmt.Printf("%s  cpus     %s\n", indent, cpuList(c.CPUs))
	for i, r := range c.Regions {
		label := "memory  "
		if i > 0 {
			label = "        "
		}
		fmt.Printf("%s  %s %#x -> %#x  %#x  %s\n", indent, label, r.Phys, r.Virt, r.Size, r.Flags)
	}
	for i, d := range c.Devices {
		label := "devices "
		if i > 0 {
			label = "        "
		}
		fmt.Printf("%s  %s %s\n", indent, label, d)
	}
	fmt.Printf("%s  ports    %s\n", indent, portRanges(c.PIOBitmap))
}

// cpuList compresses a CPU set into "0-3,5 (5)" form.
func cpuList(set config.CPUSet) string {
	ids := set.IDs()
	if len(ids) == 0 {
		return "none"
	}
	var b strings.Builder
	for i := 0; i < len(ids); {
		j := i
		for j+1 < len(ids) && ids[j+1] == ids[j]+1 {
			j++
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		if j > i {
			fmt.Fprintf(&b, "%d-%d", ids[i], ids[j])
		} else {
			fmt.Fprintf(&b, "%d", ids[i])
		}
		i = j + 1
	}
	fmt.Fprintf(&b, " (%d)", len(ids))
	return b.String()
}

// portRanges lists the I/O ports a bitmap lets through. A set bit traps.
func portRanges(bitmap []byte) string {
	if bitmap == nil {
		return "all trapped"
	}
	var b strings.Builder
	for p := 0; p < len(bitmap)*8; {
		if bitmap[p/8]&(1<<(p%8)) != 0 {
			p++
			continue
		}
		start := p
		for p < len(bitmap)*8 && bitmap[p/8]&(1<<(p%8)) == 0 {
			p++
		}
		if b.Len() > 0 {
			b.WriteString(", ")
		}
		if p-1 > start {
			fmt.Fprintf(&b, "%#x-%#x", start, p-1)
		} else {
			fmt.Fprintf(&b, "%#x", start)
		}
	}
	if b.Len() == 0 {
		return "all trapped"
	}
	return b.String()
}
