package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"

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
	"github.com/wardenhv/warden/internal/vmx"
)

// Simulated remapping unit: 4-level translation, register block at the
// address firmware usually picks for the first DRHD.
const (
	simUnitBase = 0xfed90000
	simUnitCap  = 1<<10 | 2
	simUnitEcap = 0x10 << 8

	// First megabyte of the hypervisor range holds the image and the
	// static structures; the page pool takes the rest.
	simPoolOffset = 1 << 20

	exitVMCALL = 18
)

func runSimulate(args []string) error {
	fs := flag.NewFlagSet("warden simulate", flag.ExitOnError)
	systemPath := fs.String("system", "", "system description to boot (YAML)")
	cellList := fs.String("cells", "", "comma-separated cell descriptions to create and tear down (YAML)")
	disable := fs.Bool("disable", false, "end the run by handing the machine back to the root cell")
	xapic := fs.Bool("xapic", false, "model xAPIC-mode processors instead of x2APIC")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	setupLogging(*debug)

	if *systemPath == "" {
		fs.Usage()
		return fmt.Errorf("simulate: -system is required")
	}
	src, err := os.ReadFile(*systemPath)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	sys, err := config.ParseSystemYAML(src)
	if err != nil {
		return fmt.Errorf("simulate %s: %w", *systemPath, err)
	}

	var cells []*config.Cell
	if *cellList != "" {
		for _, path := range strings.Split(*cellList, ",") {
			b, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("simulate: %w", err)
			}
			c, err := config.ParseCellYAML(b)
			if err != nil {
				return fmt.Errorf("simulate %s: %w", path, err)
			}
			cells = append(cells, c)
		}
	}
	if err := admissible(sys, cells); err != nil {
		return err
	}

	// The round machine runs the create/destroy script. A twin boots the
	// same system and does nothing, providing the baseline the round
	// machine must return to.
	round, err := buildSim(sys, *xapic)
	if err != nil {
		return err
	}
	var twin *simMachine
	if len(cells) > 0 {
		if twin, err = buildSim(sys, *xapic); err != nil {
			return err
		}
		for id, err := range twin.run() {
			if err != nil {
				return fmt.Errorf("simulate: baseline cpu %d: %w", id, err)
			}
		}
	}

	mid, err := round.script(cells, *disable)
	if err != nil {
		return err
	}
	errs := round.run()

	ck := &checker{}
	round.check(ck, cells, mid, twin, errs, *disable)
	if ck.failed > 0 {
		return fmt.Errorf("simulate: %d of %d checks failed", ck.failed, ck.failed+ck.passed)
	}
	fmt.Printf("all %d checks passed\n", ck.passed)
	return nil
}

// admissible rejects scripts the engine is specified to refuse, so a
// bad flag combination fails with a message instead of a FAIL line.
func admissible(sys *config.System, cells []*config.Cell) error {
	root := make(map[uint32]bool)
	for _, id := range sys.Root.CPUs.IDs() {
		root[id] = true
	}
	if len(root) == 0 {
		return fmt.Errorf("simulate: root cell owns no cpus")
	}
	driver := sys.Root.CPUs.IDs()[0]
	for _, c := range cells {
		for _, id := range c.CPUs.IDs() {
			if !root[id] {
				return fmt.Errorf("simulate: cell %q takes cpu %d, which the root cell does not own", c.Name, id)
			}
			if id == driver {
				return fmt.Errorf("simulate: cell %q takes cpu %d, but that cpu drives the script", c.Name, id)
			}
		}
	}
	return nil
}

// simMachine is one simulated host wired up to the point where Entry can
// be called on every root CPU.
type simMachine struct {
	mach *hwsim.Machine
	mem  *hwsim.Memory
	unit *hwsim.IOMMU
	co   *bringup.Coordinator

	ids   []uint32
	pcs   map[uint32]*percpu.CPU
	procs map[uint32]bringup.Processor

	sys     *config.System
	sysblob []byte
}

func buildSim(sys *config.System, xapic bool) (*simMachine, error) {
	ids := sys.Root.CPUs.IDs()
	ncpu := int(ids[len(ids)-1]) + 1

	mach := hwsim.New(hwsim.Config{CPUs: ncpu, RAMSize: ramFor(sys)})
	mem := mach.Mem()

	unit := hwsim.NewIOMMU(simUnitCap, simUnitEcap)
	if err := mem.AddDevice(simUnitBase, unit); err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}
	tables := acpi.StaticTables{
		acpi.DMARSignature: acpi.BuildDMAR(&acpi.DMAR{
			HostAddressWidth: 47,
			Units:            []acpi.DRHD{{RegisterBase: simUnitBase}},
		}),
	}

	hvBase := sys.HypervisorMem.Phys
	if sys.HypervisorMem.Size <= simPoolOffset {
		return nil, fmt.Errorf("simulate: hypervisor memory of %#x bytes leaves no room for a page pool", sys.HypervisorMem.Size)
	}
	poolEnd := hvBase + sys.HypervisorMem.Size
	if sys.ConfigMem.Phys < poolEnd && hvBase+simPoolOffset < sys.ConfigMem.Phys+sys.ConfigMem.Size {
		return nil, fmt.Errorf("simulate: config memory at %#x sits inside the page pool; place it outside the hypervisor range", sys.ConfigMem.Phys)
	}
	pool, err := mempool.New("hvpool", hvBase+simPoolOffset,
		int((sys.HypervisorMem.Size-simPoolOffset)/hw.PageSize))
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}

	blob, err := config.MarshalSystem(sys)
	if err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}
	if uint64(len(blob)) > sys.ConfigMem.Size {
		return nil, fmt.Errorf("simulate: system descriptor of %d bytes exceeds its config memory", len(blob))
	}
	if err := mem.WriteBytes(sys.ConfigMem.Phys, blob); err != nil {
		return nil, fmt.Errorf("simulate: %w", err)
	}

	mode := apic.ModeX2APIC
	if xapic {
		mode = apic.ModeXAPIC
	}
	s := &simMachine{
		mach:    mach,
		mem:     mem,
		unit:    unit,
		ids:     ids,
		pcs:     make(map[uint32]*percpu.CPU, len(ids)),
		procs:   make(map[uint32]bringup.Processor, len(ids)),
		sys:     sys,
		sysblob: blob,
	}
	s.co = bringup.New(bringup.Config{
		Mem:        mem,
		Pool:       pool,
		ACPI:       tables,
		IRQ:        apic.NewModel(mode, ncpu),
		SystemPA:   sys.ConfigMem.Phys,
		OnlineCPUs: uint32(len(ids)),
		GDTRBase:   hvBase + 0x10000,
		IDTRBase:   hvBase + 0x11000,
		ExitPC:     hvBase + 0x1000,
		Console:    os.Stderr,
	})

	// The interrupted kernel resumes at its first executable region, in
	// 64-bit mode at privilege level zero.
	entry := config.MemRegion{Virt: 0x100000, Size: hw.PageSize}
	for _, r := range sys.Root.Regions {
		if r.Flags&config.MemExecute != 0 {
			entry = r
			break
		}
	}
	for n, id := range ids {
		cpu := mach.CPU(int(id))
		cpu.WriteCR(0, 0x80050033)

		pc := percpu.New(id)
		pc.Saved = percpu.SavedContext{
			RIP:  entry.Virt,
			RSP:  entry.Virt + entry.Size,
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
		}
		s.pcs[id] = pc
		s.procs[id] = bringup.Processor{
			PerCPU:   pc,
			CPU:      cpu,
			Port:     cpu.VMX(),
			StackTop: hvBase + 0x40000 + uint64(n+1)*0x2000,
		}
	}
	return s, nil
}

// ramFor sizes the simulated RAM to cover everything the system
// description names, rounded up to a megabyte.
func ramFor(sys *config.System) uint64 {
	end := sys.HypervisorMem.Phys + sys.HypervisorMem.Size
	if e := sys.ConfigMem.Phys + sys.ConfigMem.Size; e > end {
		end = e
	}
	for _, r := range sys.Root.Regions {
		if e := r.Phys + r.Size; e > end {
			end = e
		}
	}
	return (end + (1 << 20) - 1) &^ uint64(1<<20-1)
}

// midState is what the driving CPU records while the carved cells exist,
// between the last create and the first destroy.
type midState struct {
	cells []string
}

// script queues the hypercall sequence on the driving CPU. With disable
// set and no cells scripted, every root CPU asks for its own hand-back
// and the whole machine steps down. With cells scripted the driving CPU
// alone hands back after its round: creates must not interleave with a
// hand-back on another CPU, since the first disable turns device
// translation off machine-wide.
func (s *simMachine) script(cells []*config.Cell, disable bool) (*midState, error) {
	mid := &midState{}
	driver := s.ids[0]

	// Stage the cell descriptors in config memory, page-aligned after
	// the system descriptor.
	off := (uint64(len(s.sysblob)) + hw.PageSize - 1) &^ uint64(hw.PageSize-1)
	pas := make([]uint64, len(cells))
	for i, c := range cells {
		blob, err := config.MarshalCell(c)
		if err != nil {
			return nil, fmt.Errorf("simulate: cell %q: %w", c.Name, err)
		}
		if off+uint64(len(blob)) > s.sys.ConfigMem.Size {
			return nil, fmt.Errorf("simulate: cell descriptors exceed config memory")
		}
		pas[i] = s.sys.ConfigMem.Phys + off
		if err := s.mem.WriteBytes(pas[i], blob); err != nil {
			return nil, fmt.Errorf("simulate: %w", err)
		}
		off += (uint64(len(blob)) + hw.PageSize - 1) &^ uint64(hw.PageSize-1)
	}

	for _, pa := range pas {
		s.vmcall(driver, hypercall.CellCreate, pa, nil)
	}
	for i := len(cells) - 1; i >= 0; i-- {
		var record func()
		if i == len(cells)-1 {
			record = func() {
				for _, c := range s.co.Cells().Cells() {
					mid.cells = append(mid.cells, c.Name())
				}
			}
		}
		// Creates are issued in order on one CPU, so the registry hands
		// out ids 1..len(cells).
		s.vmcall(driver, hypercall.CellDestroy, uint64(i+1), record)
	}

	// An unknown code must be answered, not acted on.
	s.vmcall(driver, 0x5f, 0, nil)

	if disable {
		s.vmcall(driver, hypercall.Disable, 0, nil)
		if len(cells) == 0 {
			for _, id := range s.ids[1:] {
				s.vmcall(id, hypercall.Disable, 0, nil)
			}
		}
	}
	return mid, nil
}

// vmcall queues one hypercall exit on the given CPU. before runs inside
// the event, just before the exit fields are set.
func (s *simMachine) vmcall(cpu uint32, code, arg uint64, before func()) {
	s.mach.CPU(int(cpu)).VMX().Queue(func(f *hwsim.Fields, regs *hw.GuestRegs) {
		if before != nil {
			before()
		}
		f.Set(vmx.ExitReason, exitVMCALL)
		regs.RAX = code
		regs.RDI = arg
	})
}

// run drives Entry on every root CPU and collects the per-CPU results.
func (s *simMachine) run() map[uint32]error {
	errs := make(map[uint32]error, len(s.ids))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range s.ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.co.Entry(s.procs[id])
			mu.Lock()
			errs[id] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return errs
}

func (s *simMachine) check(ck *checker, cells []*config.Cell, mid *midState, twin *simMachine, errs map[uint32]error, disabled bool) {
	entriesOK := true
	for _, id := range s.ids {
		if err := errs[id]; err != nil {
			entriesOK = false
			ck.report(false, "cpu %d: %v", id, err)
		}
	}
	if entriesOK {
		ck.report(true, "%d cpus through bring-up, master cpu %d", len(s.ids), s.co.Master())
	}
	ck.report(s.co.Initialized() == uint32(len(s.ids)),
		"initialized %d of %d cpus", s.co.Initialized(), len(s.ids))
	if s.co.Cells() == nil {
		ck.report(false, "no cell registry came up")
		return
	}

	// Hand-backs are per CPU: with a cell round scripted only the
	// driving CPU asked for one, and the rest stay virtualized.
	handedBack := map[uint32]bool{}
	if disabled {
		handedBack[s.ids[0]] = true
		if len(cells) == 0 {
			for _, id := range s.ids {
				handedBack[id] = true
			}
		}
	}
	stateOK := true
	for _, id := range s.ids {
		pc := s.pcs[id]
		on := s.mach.CPU(int(id)).VMX().On()
		if handedBack[id] {
			if pc.State != percpu.VMXOff || !pc.Deactivated || on || pc.Regs.RAX != 0 {
				stateOK = false
			}
		} else if pc.State != percpu.VMCSReady || !on {
			stateOK = false
		}
	}
	switch {
	case disabled && len(cells) == 0:
		ck.report(stateOK, "every cpu stepped back down the enablement ladder")
	case disabled:
		ck.report(stateOK, "driving cpu handed back, the rest still virtualized")
	default:
		ck.report(stateOK, "every cpu holding a ready control structure")
	}

	got := s.co.Cells().Cells()
	ck.report(len(got) == 1 && got[0].Name() == s.sys.Root.Name,
		"registry holds the root cell alone after the round")

	ownersOK := true
	for _, id := range s.ids {
		if s.pcs[id].OwnerID != cell.RootID {
			ownersOK = false
		}
	}
	ck.report(ownersOK, "every cpu owned by the root cell")

	if len(cells) > 0 {
		want := map[string]bool{s.sys.Root.Name: true}
		for _, c := range cells {
			want[c.Name] = true
		}
		midOK := len(mid.cells) == len(want)
		for _, name := range mid.cells {
			if !want[name] {
				midOK = false
			}
		}
		ck.report(midOK, "all %d cells existed between the creates and the destroys", len(cells))
	}

	// The last call's status stays in the driver's RAX: the unknown
	// code's answer, or success once a disable ends the script.
	driver := s.pcs[s.ids[0]]
	if disabled {
		ck.report(driver.Regs.RAX == 0,
			"hand-back answered success (rax %#x)", driver.Regs.RAX)
		ck.report(!s.unit.Enabled(), "remapping hardware handed back disabled")
	} else {
		ck.report(driver.Regs.RAX == hypercall.ErrNoSys.Bits(),
			"unknown hypercall answered %d", int64(hypercall.ErrNoSys))
		ck.report(s.unit.Enabled(), "remapping hardware left enabled")
	}

	if twin != nil {
		s.compareTranslations(ck, twin)
	}
}

// compareTranslations probes every page of the root cell's regions
// through both machines' translations. After a full create/destroy round
// the answers must match the untouched twin exactly; page sizes may
// differ where a carve split a large mapping, so only the translated
// address and the rights are compared.
func (s *simMachine) compareTranslations(ck *checker, twin *simMachine) {
	rootA := s.co.Cells().Root()
	rootB := twin.co.Cells().Root()

	pages, bad := 0, 0
	for _, r := range s.sys.Root.Regions {
		for off := uint64(0); off < r.Size; off += hw.PageSize {
			pages++
			pa, fa, _, ea := rootA.Tables().Lookup(r.Virt + off)
			pb, fb, _, eb := rootB.Tables().Lookup(r.Virt + off)
			if pa != pb || fa != fb || (ea == nil) != (eb == nil) {
				bad++
				continue
			}
			if r.Flags&config.MemDMA == 0 {
				continue
			}
			pa, fa, _, ea = rootA.DMA().Lookup(r.Virt + off)
			pb, fb, _, eb = rootB.DMA().Lookup(r.Virt + off)
			if pa != pb || fa != fb || (ea == nil) != (eb == nil) {
				bad++
			}
		}
	}
	ck.report(bad == 0, "root translations match the fresh twin (%d pages probed, %d differ)", pages, bad)
}

// checker counts and prints one line per verified property.
type checker struct {
	passed, failed int
}

func (c *checker) report(ok bool, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if ok {
		c.passed++
		fmt.Println("ok   " + line)
	} else {
		c.failed++
		fmt.Println("FAIL " + line)
	}
}
