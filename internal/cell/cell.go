// Package cell tracks the partitions the machine is divided into and
// implements the management operations that reshape them. Create carves
// a new cell out of the root cell's grants, destroy folds a dead cell's
// grants back in, disable tears the hypervisor down. One administrative
// lock serializes every operation cluster-wide; the VM-exit dispatcher
// calls in from whichever CPU the guest trapped on.
package cell

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/wardenhv/warden/internal/apic"
	"github.com/wardenhv/warden/internal/config"
	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/hypercall"
	"github.com/wardenhv/warden/internal/mempool"
	"github.com/wardenhv/warden/internal/percpu"
	"github.com/wardenhv/warden/internal/spin"
	"github.com/wardenhv/warden/internal/vmx"
	"github.com/wardenhv/warden/internal/vtd"
)

// RootID is the root cell's identity. Created cells get the lowest free
// identity above it. The root is never destroyable.
const RootID = 0

// Cell binds one partition's descriptor to the hardware artifacts
// enforcing it.
type Cell struct {
	id     uint32
	config *config.Cell
	tables *vmx.CellTables
	dma    *vtd.Domain
}

// ID returns the cell's identity, the handle destroy takes.
func (c *Cell) ID() uint32 { return c.id }

// Name returns the descriptor name.
func (c *Cell) Name() string { return c.config.Name }

// Config returns the descriptor the cell was admitted with.
func (c *Cell) Config() *config.Cell { return c.config }

// Tables returns the cell's processor-side isolation state.
func (c *Cell) Tables() *vmx.CellTables { return c.tables }

// DMA returns the cell's device-side isolation state.
func (c *Cell) DMA() *vtd.Domain { return c.dma }

type slot struct {
	pc   *percpu.CPU
	vcpu *vmx.VCPU
}

// Config carries the manager's collaborators and the static system
// layout.
type Config struct {
	Mem  hw.Memory
	Pool *mempool.Pool

	// Feat steers cell table construction, from the bring-up capability
	// check.
	Feat vmx.Features

	// DMA is the device isolation manager, possibly the no-op one of a
	// machine without remapping hardware.
	DMA *vtd.Manager

	// IRQ arbitrates CPU suspension and startup signals.
	IRQ *apic.Model

	// System names the reserved ranges and the root cell.
	System *config.System

	// APICPagePA is the shared interrupt-controller access page mapped
	// into every cell.
	APICPagePA uint64

	// SuspendBudget bounds how many polls a CPU gets to stop before a
	// management operation fails busy. Zero polls forever.
	SuspendBudget int

	// Relax is the spin hint. Optional.
	Relax func()

	Log *slog.Logger
}

// Manager owns the cell registry and every mutation of shared isolation
// state. It serves the dispatcher's management hypercalls.
type Manager struct {
	mem        hw.Memory
	pool       *mempool.Pool
	feat       vmx.Features
	dma        *vtd.Manager
	irq        *apic.Model
	sys        *config.System
	apicPagePA uint64
	budget     int
	relax      func()
	log        *slog.Logger

	admin spin.Lock
	cpus  map[uint32]*slot
	cells map[uint32]*Cell
	root  *Cell
	down  bool
}

var _ vmx.CellServices = (*Manager)(nil)

// New validates the system descriptor and builds the root cell's
// isolation artifacts. CPUs attach separately during bring-up.
func New(cfg Config) (*Manager, error) {
	if err := cfg.System.Validate(); err != nil {
		return nil, fmt.Errorf("cell: system descriptor: %w: %v", hypercall.ErrInval, err)
	}
	if cfg.Relax == nil {
		cfg.Relax = func() {}
	}
	if cfg.SuspendBudget == 0 {
		cfg.SuspendBudget = spin.Forever
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	tables, err := vmx.NewCellTables(cfg.Mem, cfg.Pool, cfg.Feat, &cfg.System.Root, cfg.APICPagePA)
	if err != nil {
		return nil, err
	}
	dma, err := cfg.DMA.CellInit(RootID, &cfg.System.Root)
	if err != nil {
		tables.Close()
		return nil, err
	}

	root := &Cell{id: RootID, config: &cfg.System.Root, tables: tables, dma: dma}
	return &Manager{
		mem:        cfg.Mem,
		pool:       cfg.Pool,
		feat:       cfg.Feat,
		dma:        cfg.DMA,
		irq:        cfg.IRQ,
		sys:        cfg.System,
		apicPagePA: cfg.APICPagePA,
		budget:     cfg.SuspendBudget,
		relax:      cfg.Relax,
		log:        cfg.Log,
		cpus:       make(map[uint32]*slot),
		cells:      map[uint32]*Cell{RootID: root},
		root:       root,
	}, nil
}

// Root returns the root cell.
func (m *Manager) Root() *Cell { return m.root }

// Cells returns the live cells ordered by identity, the root first.
func (m *Manager) Cells() []*Cell {
	m.admin.Lock(m.relax)
	defer m.admin.Unlock()

	ids := make([]uint32, 0, len(m.cells))
	for id := range m.cells {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*Cell, len(ids))
	for i, id := range ids {
		out[i] = m.cells[id]
	}
	return out
}

// Attach places one CPU under management as a root cell member.
// Bring-up attaches every CPU before any guest can reach the manager.
func (m *Manager) Attach(pc *percpu.CPU, v *vmx.VCPU) error {
	if !m.sys.Root.CPUs.Contains(pc.ID) {
		return fmt.Errorf("cell: cpu %d outside the root cell: %w", pc.ID, hypercall.ErrInval)
	}

	m.admin.Lock(m.relax)
	defer m.admin.Unlock()

	if m.cpus[pc.ID] != nil {
		return fmt.Errorf("cell: cpu %d attached twice: %w", pc.ID, hypercall.ErrExist)
	}
	pc.OwnerID = RootID
	m.cpus[pc.ID] = &slot{pc: pc, vcpu: v}
	return nil
}

// Create admits a new cell from a descriptor in root-cell memory. After
// validation the granted CPUs are stopped, the cell's isolation
// artifacts are built, the root cell shrinks by everything granted, and
// the CPUs end up parked in the new cell waiting for a startup signal.
// Nothing is mutated before validation passes; any later failure puts
// the root cell back together.
func (m *Manager) Create(caller *vmx.VCPU, configPA uint64) error {
	m.admin.Lock(m.relax)
	defer m.admin.Unlock()

	if s := m.cpus[caller.ID()]; s == nil || s.pc.OwnerID != RootID {
		return fmt.Errorf("cell: create from non-root cell: %w", hypercall.ErrPerm)
	}

	desc, err := m.readDescriptor(configPA)
	if err != nil {
		return fmt.Errorf("cell: descriptor at %#x: %w: %v", configPA, hypercall.ErrInval, err)
	}
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("cell: %w: %v", hypercall.ErrInval, err)
	}
	if err := desc.CheckReserved(m.sys.HypervisorMem, m.sys.ConfigMem); err != nil {
		return fmt.Errorf("cell: %w: %v", hypercall.ErrInval, err)
	}
	for _, c := range m.cells {
		if c.config.Name == desc.Name {
			return fmt.Errorf("cell: name %q taken: %w", desc.Name, hypercall.ErrExist)
		}
	}
	cpus := desc.CPUs.IDs()
	for _, id := range cpus {
		s := m.cpus[id]
		switch {
		case s == nil:
			return fmt.Errorf("cell %s: no cpu %d: %w", desc.Name, id, hypercall.ErrInval)
		case id == caller.ID():
			return fmt.Errorf("cell %s: cpu %d is issuing this call: %w", desc.Name, id, hypercall.ErrInval)
		case s.pc.OwnerID != RootID:
			return fmt.Errorf("cell %s: cpu %d not in root cell: %w", desc.Name, id, hypercall.ErrBusy)
		}
	}
	for _, dev := range desc.Devices {
		if owner := m.deviceOwner(dev); owner != nil {
			return fmt.Errorf("cell %s: device %s held by cell %s: %w",
				desc.Name, dev, owner.config.Name, hypercall.ErrBusy)
		}
	}

	suspended, err := m.suspend(desc.Name, cpus)
	if err != nil {
		return err
	}

	id := m.freeID()
	tables, err := vmx.NewCellTables(m.mem, m.pool, m.feat, desc, m.apicPagePA)
	if err != nil {
		m.resume(suspended)
		return err
	}

	// The root sheds its grants before the new cell's device entries
	// appear; the shared context structures hold one owner at a time.
	if err := m.root.tables.Shrink(desc); err != nil {
		m.unwindCreate(desc, tables, nil)
		m.resume(suspended)
		return err
	}
	if err := m.dma.Shrink(m.root.dma, m.root.config, desc); err != nil {
		m.unwindCreate(desc, tables, nil)
		m.resume(suspended)
		return err
	}
	dma, err := m.dma.CellInit(id, desc)
	if err != nil {
		m.unwindCreate(desc, tables, nil)
		m.resume(suspended)
		return err
	}
	if err := caller.InvalidateTables(m.root.tables); err != nil {
		m.unwindCreate(desc, tables, dma)
		m.resume(suspended)
		return err
	}

	// Hand the CPUs over. Each resumes into its old guest just long
	// enough to notice it now waits for a startup signal from its new
	// cell.
	for _, cpu := range cpus {
		s := m.cpus[cpu]
		s.pc.OwnerID = id
		s.pc.Parked = false
		s.vcpu.SetTables(tables)
		m.irq.SetWaitForSIPI(cpu)
		m.irq.Resume(cpu)
	}

	m.cells[id] = &Cell{id: id, config: desc, tables: tables, dma: dma}
	m.log.Info("cell created",
		"cell", desc.Name, "id", id, "cpus", len(cpus),
		"regions", len(desc.Regions), "devices", len(desc.Devices))
	return nil
}

// Destroy tears a cell down and folds its grants back into the root
// cell: CPUs return parked, devices return where the root's descriptor
// still lists them, memory and ports re-open. Teardown presses on past
// internal faults and reports the first one after the cell is gone.
func (m *Manager) Destroy(caller *vmx.VCPU, id uint64) error {
	m.admin.Lock(m.relax)
	defer m.admin.Unlock()

	if s := m.cpus[caller.ID()]; s == nil || s.pc.OwnerID != RootID {
		return fmt.Errorf("cell: destroy from non-root cell: %w", hypercall.ErrPerm)
	}
	if id == RootID {
		return fmt.Errorf("cell: the root cell is not destroyable: %w", hypercall.ErrInval)
	}
	var c *Cell
	if id <= uint64(^uint32(0)) {
		c = m.cells[uint32(id)]
	}
	if c == nil {
		return fmt.Errorf("cell: no cell %d: %w", id, hypercall.ErrNoEnt)
	}

	cpus := c.config.CPUs.IDs()
	if _, err := m.suspend(c.config.Name, cpus); err != nil {
		return err
	}

	// The CPUs go back to the root cell parked; their next startup
	// signal comes from the root's operating system when it reclaims
	// them.
	for _, cpu := range cpus {
		s := m.cpus[cpu]
		s.pc.OwnerID = RootID
		s.pc.Parked = true
		s.vcpu.SetTables(m.root.tables)
		m.irq.SetWaitForSIPI(cpu)
		m.irq.Resume(cpu)
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(m.restoreRoot(c.config))
	keep(m.root.tables.RestorePorts(c.config, m.root.config))
	keep(caller.InvalidateTables(c.tables))
	keep(m.dma.CellExit(c.dma, c.config, m.root.dma, m.root.config))
	keep(c.tables.Close())
	keep(caller.InvalidateTables(m.root.tables))

	delete(m.cells, c.id)
	m.log.Info("cell destroyed", "cell", c.config.Name, "id", c.id)

	if firstErr != nil {
		return fmt.Errorf("cell %s: teardown: %w: %v", c.config.Name, hypercall.ErrIO, firstErr)
	}
	return nil
}

// Shutdown prepares the hypervisor's exit. Only root cell CPUs may call
// it; the first successful call turns device translation off, and on a
// zero return the dispatcher hands the calling CPU back to its former
// owner.
func (m *Manager) Shutdown(caller *vmx.VCPU) error {
	m.admin.Lock(m.relax)
	defer m.admin.Unlock()

	if s := m.cpus[caller.ID()]; s == nil || s.pc.OwnerID != RootID {
		return fmt.Errorf("cell: disable from non-root cell: %w", hypercall.ErrPerm)
	}
	if !m.down {
		m.log.Info("shutting down", "cpu", caller.ID())
		if err := m.dma.Shutdown(); err != nil {
			return err
		}
		m.down = true
	}
	return nil
}

// readDescriptor fetches an encoded cell descriptor from guest memory,
// sized by its fixed header.
func (m *Manager) readDescriptor(pa uint64) (*config.Cell, error) {
	hdr := make([]byte, config.HeaderLen)
	if err := m.mem.ReadBytes(pa, hdr); err != nil {
		return nil, err
	}
	n, err := config.DescriptorLen(hdr)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if err := m.mem.ReadBytes(pa, buf); err != nil {
		return nil, err
	}
	return config.UnmarshalCell(buf)
}

// suspend stops the given CPUs. On failure every stop request placed so
// far is withdrawn, the holdout's included, and the error names the
// holdout.
func (m *Manager) suspend(name string, cpus []uint32) ([]uint32, error) {
	var done []uint32
	for _, id := range cpus {
		if !m.irq.Suspend(id, m.budget, m.relax) {
			m.irq.Resume(id)
			m.resume(done)
			return nil, fmt.Errorf("cell %s: cpu %d did not stop: %w", name, id, hypercall.ErrBusy)
		}
		done = append(done, id)
	}
	return done, nil
}

func (m *Manager) resume(cpus []uint32) {
	for _, id := range cpus {
		m.irq.Resume(id)
	}
}

// freeID returns the lowest unused cell identity.
func (m *Manager) freeID() uint32 {
	id := uint32(RootID + 1)
	for m.cells[id] != nil {
		id++
	}
	return id
}

// deviceOwner returns the non-root cell holding a device, if any.
func (m *Manager) deviceOwner(dev config.PCIDevice) *Cell {
	for _, c := range m.cells {
		if c.id != RootID && listsDevice(c.config, dev) {
			return c
		}
	}
	return nil
}

func listsDevice(c *config.Cell, dev config.PCIDevice) bool {
	for _, d := range c.Devices {
		if d == dev {
			return true
		}
	}
	return false
}

// restoreRoot re-maps a dead or aborted cell's memory grants back into
// the root cell, processor and device side both. Only ranges the root's
// own descriptor covers come back, with the root's flags. Pure
// additions need no invalidation; the removal paths flush.
func (m *Manager) restoreRoot(taken *config.Cell) error {
	var firstErr error
	for _, r := range taken.Regions {
		for _, rr := range m.root.config.Regions {
			sect, ok := intersect(r, rr)
			if !ok {
				continue
			}
			if err := m.root.tables.MapRegion(sect); err != nil && firstErr == nil {
				firstErr = err
			}
			if err := m.root.dma.MapRegion(sect); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// intersect clips region r to the slice of it that root region rr
// covers, keeping rr's flags and virtual placement.
func intersect(r, rr config.MemRegion) (config.MemRegion, bool) {
	lo := max(r.Phys, rr.Phys)
	hi := min(r.Phys+r.Size, rr.Phys+rr.Size)
	if hi <= lo {
		return config.MemRegion{}, false
	}
	return config.MemRegion{
		Phys:  lo,
		Virt:  rr.Virt + (lo - rr.Phys),
		Size:  hi - lo,
		Flags: rr.Flags,
	}, true
}

// returnDevices re-registers a cell's devices to the root domain where
// the root's descriptor lists them. Used when a create fails before the
// cell's own domain exists.
func (m *Manager) returnDevices(desc *config.Cell) error {
	var firstErr error
	for _, dev := range desc.Devices {
		if !listsDevice(m.root.config, dev) {
			continue
		}
		if err := m.dma.AddDevice(m.root.dma, m.root.config.Name, dev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// unwindCreate puts the root cell back together after a failed create
// and releases whatever was built for the stillborn cell. Best effort;
// the failure that triggered the unwind is the one worth reporting.
func (m *Manager) unwindCreate(desc *config.Cell, tables *vmx.CellTables, dma *vtd.Domain) {
	if err := m.restoreRoot(desc); err != nil {
		m.log.Warn("create unwind: root regions", "cell", desc.Name, "err", err)
	}
	if err := m.root.tables.RestorePorts(desc, m.root.config); err != nil {
		m.log.Warn("create unwind: root ports", "cell", desc.Name, "err", err)
	}
	if dma != nil {
		if err := m.dma.CellExit(dma, desc, m.root.dma, m.root.config); err != nil {
			m.log.Warn("create unwind: device domain", "cell", desc.Name, "err", err)
		}
	} else if err := m.returnDevices(desc); err != nil {
		m.log.Warn("create unwind: devices", "cell", desc.Name, "err", err)
	}
	if err := tables.Close(); err != nil {
		m.log.Warn("create unwind: cell tables", "cell", desc.Name, "err", err)
	}
}
