// Package vtd drives the machine's DMA remapping units, the device side
// of cell isolation. Every cell owns one translation domain; a device
// reaches exactly the memory its cell's descriptor grants, or nothing.
//
// The remapping hardware reads the root, context and translation
// structures from memory without snooping the CPU caches. Every
// mutation of a hardware-visible entry is therefore followed by a cache
// writeback of the touched lines before any flush command makes the
// hardware look again; a write without a writeback is a correctness
// bug, not an optimization choice.
package vtd

import (
	"fmt"
	"log/slog"

	"github.com/wardenhv/warden/internal/acpi"
	"github.com/wardenhv/warden/internal/config"
	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/hypercall"
	"github.com/wardenhv/warden/internal/mempool"
	"github.com/wardenhv/warden/internal/paging"
	"github.com/wardenhv/warden/internal/spin"
)

// Register block layout of one remapping unit.
const (
	regCAP    = 0x08
	regECAP   = 0x10
	regGCMD   = 0x18
	regGSTS   = 0x1c
	regRTADDR = 0x20
	regCCMD   = 0x28
)

const (
	capNumDIDMask  = 0x7
	capCachingMode = 1 << 7
	capSAGAW39     = 1 << 9
	capSAGAW48     = 1 << 10

	ecapIROShift = 8
	ecapIROMask  = 0x3ff

	gcmdSRTP = 1 << 30
	gcmdTE   = 1 << 31

	gstsRTPS = 1 << 30
	gstsTES  = 1 << 31

	ccmdICC         uint64 = 1 << 63
	ccmdScopeGlobal uint64 = 1 << 61
	ccmdScopeDomain uint64 = 2 << 61

	iotlbIVT         uint64 = 1 << 63
	iotlbScopeGlobal uint64 = 1 << 60
	iotlbScopeDomain uint64 = 2 << 60
	iotlbDrainWrite  uint64 = 1 << 48
	iotlbDrainRead   uint64 = 1 << 49
	iotlbDIDShift           = 32
)

// The root table and each per-bus context table hold 256 16-byte
// entries, one page each.
const (
	tableEntries = 256
	entryBytes   = 16

	rootPresent = 1 << 0

	ctxPresent      = 1 << 0
	ctxFaultDisable = 1 << 1
	ctxAGAW39       = 1
	ctxAGAW48       = 2
	ctxDIDShift     = 8

	pageRead  = 1 << 0
	pageWrite = 1 << 1
)

// Unit is one discovered remapping unit's register block.
type Unit struct {
	Base     uint64
	iotlbReg uint64
}

// Config assembles a Manager.
type Config struct {
	Mem    hw.Memory
	Pool   *mempool.Pool
	Tables acpi.Provider

	// Relax is the hint issued between handshake polls.
	Relax func()

	// PollBudget bounds every hardware handshake; exhausting it turns
	// an unresponsive unit into an error instead of a hang. Zero
	// means no bound.
	PollBudget int

	Log *slog.Logger
}

// Manager owns the shared root table and the register blocks of every
// remapping unit. A machine without remapping hardware gets a manager
// whose methods all succeed without doing anything; Available tells
// the two apart.
//
// Callers serialize cell operations; the manager takes no locks.
type Manager struct {
	mem    hw.Memory
	pool   *mempool.Pool
	relax  func()
	budget int
	log    *slog.Logger

	units  []Unit
	levels int
	numDID uint32
	rootPA uint64
}

// New discovers the remapping units the firmware reports and checks
// each one's capabilities. Only segment 0 is supported, the page-table
// depth must agree across units and a unit already translating belongs
// to somebody else.
func New(cfg Config) (*Manager, error) {
	m := &Manager{
		mem:    cfg.Mem,
		pool:   cfg.Pool,
		relax:  cfg.Relax,
		budget: cfg.PollBudget,
		log:    cfg.Log,
		numDID: ^uint32(0),
	}
	if m.relax == nil {
		m.relax = func() {}
	}
	if m.budget <= 0 {
		m.budget = spin.Forever
	}
	if m.log == nil {
		m.log = slog.Default()
	}

	raw, ok := cfg.Tables.Table(acpi.DMARSignature)
	if !ok {
		m.log.Warn("no DMA remapping hardware reported, device isolation disabled")
		return m, nil
	}
	dmar, err := acpi.ParseDMAR(raw)
	if err != nil {
		return nil, fmt.Errorf("vtd: %w: %v", hypercall.ErrIO, err)
	}

	for _, drhd := range dmar.Units {
		unit, err := m.probeUnit(drhd)
		if err != nil {
			return nil, err
		}
		m.units = append(m.units, unit)
	}
	if len(m.units) == 0 {
		m.log.Warn("remapping table lists no units, device isolation disabled")
		return m, nil
	}

	if m.rootPA, err = m.pool.AllocZeroed(m.mem, 1); err != nil {
		return nil, fmt.Errorf("vtd: root table: %w", err)
	}
	return m, nil
}

func (m *Manager) probeUnit(drhd acpi.DRHD) (Unit, error) {
	var u Unit
	if drhd.Segment != 0 {
		return u, fmt.Errorf("vtd: unit at %#x: segment %d: only segment 0 is supported: %w",
			drhd.RegisterBase, drhd.Segment, hypercall.ErrIO)
	}
	u.Base = drhd.RegisterBase

	caps, err := m.mem.Read64(u.Base + regCAP)
	if err != nil {
		return u, fmt.Errorf("vtd: unit at %#x: capability register: %w", u.Base, err)
	}

	levels := 0
	switch {
	case caps&capSAGAW39 != 0:
		levels = 3
	case caps&capSAGAW48 != 0:
		levels = 4
	default:
		return u, fmt.Errorf("vtd: unit at %#x: no 3 or 4 level translation: %w",
			u.Base, hypercall.ErrIO)
	}
	if m.levels > 0 && m.levels != levels {
		return u, fmt.Errorf("vtd: unit at %#x: %d translation levels, other units use %d: %w",
			u.Base, levels, m.levels, hypercall.ErrIO)
	}
	m.levels = levels

	if caps&capCachingMode != 0 {
		return u, fmt.Errorf("vtd: unit at %#x: caching mode not supported: %w",
			u.Base, hypercall.ErrIO)
	}

	ecap, err := m.mem.Read64(u.Base + regECAP)
	if err != nil {
		return u, fmt.Errorf("vtd: unit at %#x: extended capability register: %w", u.Base, err)
	}
	u.iotlbReg = u.Base + (ecap>>ecapIROShift&ecapIROMask)*16 + 8
	if u.iotlbReg >= u.Base+hw.PageSize {
		return u, fmt.Errorf("vtd: unit at %#x: IOTLB registers outside the first page: %w",
			u.Base, hypercall.ErrIO)
	}

	gsts, err := m.mem.Read32(u.Base + regGSTS)
	if err != nil {
		return u, fmt.Errorf("vtd: unit at %#x: global status: %w", u.Base, err)
	}
	if gsts&gstsTES != 0 {
		return u, fmt.Errorf("vtd: unit at %#x: translation already enabled: %w",
			u.Base, hypercall.ErrBusy)
	}

	if n := uint32(1) << (4 + (caps&capNumDIDMask)*2); n < m.numDID {
		m.numDID = n
	}

	m.log.Info("found DMA remapping unit",
		"base", fmt.Sprintf("%#x", u.Base), "levels", levels)
	return u, nil
}

// Available reports whether any remapping hardware was discovered.
func (m *Manager) Available() bool { return len(m.units) > 0 }

// NumDomains returns how many domain identities the hardware can tell
// apart, the smallest value across units.
func (m *Manager) NumDomains() uint32 {
	if !m.Available() {
		return 0
	}
	return m.numDID
}

func (m *Manager) pageFormat() paging.Format {
	return paging.Format{
		Levels:      m.levels,
		PresentMask: pageRead | pageWrite,
		TableFlags:  pageRead | pageWrite,
	}
}

// Domain is one cell's device-side translation state: the table every
// context entry tagged with the cell's identity points at.
type Domain struct {
	id  uint32
	pt  *paging.Table
	mgr *Manager
}

// ID returns the domain identity programmed into context entries.
func (d *Domain) ID() uint32 { return d.id }

// Root returns the domain table root, or zero on a machine without
// remapping hardware.
func (d *Domain) Root() uint64 {
	if d.pt == nil {
		return 0
	}
	return d.pt.Root()
}

// Lookup resolves one device-visible address through the domain table.
// Diagnostic surface; returns ErrNoDev on a machine without remapping
// hardware.
func (d *Domain) Lookup(addr uint64) (phys, flags, page uint64, err error) {
	if d.pt == nil {
		return 0, 0, 0, fmt.Errorf("vtd: domain %d has no table: %w", d.id, hypercall.ErrNoDev)
	}
	return d.pt.Lookup(addr)
}

// CellInit builds a cell's translation domain: its table, its DMA
// regions, its devices. The first cell to arrive turns translation on.
// On failure nothing of the cell remains registered.
func (m *Manager) CellInit(id uint32, cell *config.Cell) (*Domain, error) {
	if !m.Available() {
		return &Domain{id: id, mgr: m}, nil
	}
	if id >= m.numDID {
		return nil, fmt.Errorf("vtd: cell %q: domain id %d exceeds hardware limit %d: %w",
			cell.Name, id, m.numDID, hypercall.ErrRange)
	}

	pt, err := paging.New(m.mem, m.pool, m.pageFormat())
	if err != nil {
		return nil, fmt.Errorf("vtd: cell %q: domain table: %w", cell.Name, err)
	}
	d := &Domain{id: id, pt: pt, mgr: m}

	undo := func(devices int) {
		for _, dev := range cell.Devices[:devices] {
			if err := m.RemoveDevice(cell.Name, dev); err != nil {
				m.log.Warn("device not unregistered during rollback",
					"device", dev.String(), "err", err)
			}
		}
		d.Close()
	}

	for _, r := range cell.Regions {
		if err := d.MapRegion(r); err != nil {
			undo(0)
			return nil, err
		}
	}
	for i, dev := range cell.Devices {
		if err := m.AddDevice(d, cell.Name, dev); err != nil {
			undo(i)
			return nil, err
		}
	}

	if err := m.enableIfNeeded(); err != nil {
		undo(len(cell.Devices))
		return nil, err
	}
	return d, nil
}

// MapRegion grants the domain's devices one descriptor region. Regions
// not flagged for DMA are ignored.
func (d *Domain) MapRegion(r config.MemRegion) error {
	if d.pt == nil || r.Flags&config.MemDMA == 0 {
		return nil
	}
	flags := uint64(0)
	if r.Flags&config.MemRead != 0 {
		flags |= pageRead
	}
	if r.Flags&config.MemWrite != 0 {
		flags |= pageWrite
	}
	if err := d.pt.Map(r.Virt, r.Phys, r.Size, flags); err != nil {
		return fmt.Errorf("vtd: domain %d: map region 0x%x: %w", d.id, r.Phys, err)
	}
	return nil
}

// UnmapRegion revokes one DMA region.
func (d *Domain) UnmapRegion(r config.MemRegion) error {
	if d.pt == nil || r.Flags&config.MemDMA == 0 {
		return nil
	}
	if err := d.pt.Unmap(r.Virt, r.Size); err != nil {
		return fmt.Errorf("vtd: domain %d: unmap region 0x%x: %w", d.id, r.Virt, err)
	}
	return nil
}

// Close returns the domain's table pages to the pool.
func (d *Domain) Close() error {
	if d.pt == nil {
		return nil
	}
	err := d.pt.Free()
	d.pt = nil
	return err
}

// AddDevice points one device's context entry at the domain. A bus seen
// for the first time gets its context table here.
func (m *Manager) AddDevice(d *Domain, cellName string, dev config.PCIDevice) error {
	if !m.Available() {
		return nil
	}
	m.log.Info("adding pci device", "device", dev.String(), "cell", cellName)

	rootEntryPA := m.rootPA + uint64(dev.Bus)*entryBytes
	rootLo, err := m.mem.Read64(rootEntryPA)
	if err != nil {
		return fmt.Errorf("vtd: root entry for bus %#x: %w", dev.Bus, err)
	}

	ctxTablePA := rootLo &^ uint64(hw.PageSize-1)
	if rootLo&rootPresent == 0 {
		if ctxTablePA, err = m.pool.AllocZeroed(m.mem, 1); err != nil {
			return fmt.Errorf("vtd: context table for bus %#x: %w", dev.Bus, err)
		}
		if err := m.writeRootEntry(rootEntryPA, rootPresent|ctxTablePA); err != nil {
			m.pool.Free(ctxTablePA, 1)
			return err
		}
	}

	agaw := uint64(ctxAGAW48)
	if m.levels == 3 {
		agaw = ctxAGAW39
	}
	entryPA := ctxTablePA + uint64(dev.Devfn)*entryBytes
	for _, e := range []struct{ pa, val uint64 }{
		{entryPA, ctxPresent | ctxFaultDisable | d.pt.Root()},
		{entryPA + 8, agaw | uint64(d.id)<<ctxDIDShift},
	} {
		if err := m.mem.Write64(e.pa, e.val); err != nil {
			return fmt.Errorf("vtd: context entry for %s: %w", dev, err)
		}
	}
	if err := m.mem.FlushCache(entryPA, entryBytes); err != nil {
		return fmt.Errorf("vtd: context entry for %s: %w", dev, err)
	}
	return nil
}

// RemoveDevice clears one device's context entry. The bus's context
// table goes back to the pool once its last function is gone.
func (m *Manager) RemoveDevice(cellName string, dev config.PCIDevice) error {
	if !m.Available() {
		return nil
	}

	rootEntryPA := m.rootPA + uint64(dev.Bus)*entryBytes
	rootLo, err := m.mem.Read64(rootEntryPA)
	if err != nil {
		return fmt.Errorf("vtd: root entry for bus %#x: %w", dev.Bus, err)
	}
	if rootLo&rootPresent == 0 {
		return nil
	}
	ctxTablePA := rootLo &^ uint64(hw.PageSize-1)
	entryPA := ctxTablePA + uint64(dev.Devfn)*entryBytes

	lo, err := m.mem.Read64(entryPA)
	if err != nil {
		return fmt.Errorf("vtd: context entry for %s: %w", dev, err)
	}
	if lo&ctxPresent == 0 {
		return nil
	}

	m.log.Info("removing pci device", "device", dev.String(), "cell", cellName)

	if err := m.mem.Write64(entryPA, lo&^uint64(ctxPresent)); err != nil {
		return fmt.Errorf("vtd: context entry for %s: %w", dev, err)
	}
	if err := m.mem.FlushCache(entryPA, 8); err != nil {
		return fmt.Errorf("vtd: context entry for %s: %w", dev, err)
	}

	for i := uint64(0); i < tableEntries; i++ {
		e, err := m.mem.Read64(ctxTablePA + i*entryBytes)
		if err != nil {
			return fmt.Errorf("vtd: context table for bus %#x: %w", dev.Bus, err)
		}
		if e&ctxPresent != 0 {
			return nil
		}
	}
	if err := m.writeRootEntry(rootEntryPA, rootLo&^uint64(rootPresent)); err != nil {
		return err
	}
	return m.pool.Free(ctxTablePA, 1)
}

func (m *Manager) writeRootEntry(pa, lo uint64) error {
	if err := m.mem.Write64(pa, lo); err != nil {
		return fmt.Errorf("vtd: root entry at %#x: %w", pa, err)
	}
	if err := m.mem.FlushCache(pa, 8); err != nil {
		return fmt.Errorf("vtd: root entry at %#x: %w", pa, err)
	}
	return nil
}

// Shrink removes a new cell's DMA resources from the root domain before
// the cell takes them over. Regions leave by their host address, the
// same convention the memory-side shrink uses.
func (m *Manager) Shrink(root *Domain, rootCell, taken *config.Cell) error {
	if !m.Available() {
		return nil
	}
	for _, r := range taken.Regions {
		if r.Flags&config.MemDMA == 0 {
			continue
		}
		if err := root.pt.Unmap(r.Phys, r.Size); err != nil {
			return fmt.Errorf("vtd: shrink: region 0x%x: %w", r.Phys, err)
		}
	}
	for _, dev := range taken.Devices {
		if err := m.RemoveDevice(rootCell.Name, dev); err != nil {
			return err
		}
	}
	return m.FlushDomain(root.id)
}

// CellExit unregisters a dying cell's devices, hands those the root
// cell's descriptor still lists back to it, flushes both domains and
// frees the dying domain's table.
func (m *Manager) CellExit(dead *Domain, deadCell *config.Cell, root *Domain, rootCell *config.Cell) error {
	if !m.Available() {
		return dead.Close()
	}
	for _, dev := range deadCell.Devices {
		if err := m.RemoveDevice(deadCell.Name, dev); err != nil {
			return err
		}
		if !rootListsDevice(rootCell, dev) {
			continue
		}
		if err := m.AddDevice(root, rootCell.Name, dev); err != nil {
			m.log.Warn("pci device not returned to root cell",
				"device", dev.String(), "err", err)
		}
	}
	if err := m.FlushDomain(dead.id); err != nil {
		return err
	}
	if err := m.FlushDomain(root.id); err != nil {
		return err
	}
	return dead.Close()
}

func rootListsDevice(root *config.Cell, dev config.PCIDevice) bool {
	for _, d := range root.Devices {
		if d == dev {
			return true
		}
	}
	return false
}

// FlushDomain drops whatever the hardware cached about one domain's
// context entries and translations.
func (m *Manager) FlushDomain(id uint32) error {
	if !m.Available() {
		return nil
	}
	ctx := ccmdScopeDomain | uint64(id)
	iotlb := iotlbScopeDomain | uint64(id)<<iotlbDIDShift
	for i := range m.units {
		if err := m.flushUnit(&m.units[i], ctx, iotlb); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) flushUnit(u *Unit, ctxScope, iotlbScope uint64) error {
	if err := m.mem.Write64(u.Base+regCCMD, ctxScope|ccmdICC); err != nil {
		return fmt.Errorf("vtd: unit at %#x: context flush: %w", u.Base, err)
	}
	if !spin.Until(m.budget, m.relax, func() bool {
		v, err := m.mem.Read64(u.Base + regCCMD)
		return err == nil && v&ccmdICC == 0
	}) {
		return fmt.Errorf("vtd: unit at %#x: context flush did not complete: %w",
			u.Base, hypercall.ErrIO)
	}

	if err := m.mem.Write64(u.iotlbReg,
		iotlbScope|iotlbDrainRead|iotlbDrainWrite|iotlbIVT); err != nil {
		return fmt.Errorf("vtd: unit at %#x: iotlb flush: %w", u.Base, err)
	}
	if !spin.Until(m.budget, m.relax, func() bool {
		v, err := m.mem.Read64(u.iotlbReg)
		return err == nil && v&iotlbIVT == 0
	}) {
		return fmt.Errorf("vtd: unit at %#x: iotlb flush did not complete: %w",
			u.Base, hypercall.ErrIO)
	}
	return nil
}

// enableIfNeeded turns translation on the first time a cell arrives.
// Per unit: root table address, the set-root handshake, a global flush
// of whatever the hardware held, then the enable handshake.
func (m *Manager) enableIfNeeded() error {
	gsts, err := m.mem.Read32(m.units[0].Base + regGSTS)
	if err != nil {
		return fmt.Errorf("vtd: global status: %w", err)
	}
	if gsts&gstsTES != 0 {
		return nil
	}
	for i := range m.units {
		if err := m.enableUnit(&m.units[i]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) enableUnit(u *Unit) error {
	if err := m.mem.Write64(u.Base+regRTADDR, m.rootPA); err != nil {
		return fmt.Errorf("vtd: unit at %#x: root table address: %w", u.Base, err)
	}
	if err := m.mem.Write32(u.Base+regGCMD, gcmdSRTP); err != nil {
		return fmt.Errorf("vtd: unit at %#x: set root table: %w", u.Base, err)
	}
	if !m.pollGSTS(u, gstsRTPS, gstsRTPS) {
		return fmt.Errorf("vtd: unit at %#x: root table handshake did not complete: %w",
			u.Base, hypercall.ErrIO)
	}

	if err := m.flushUnit(u, ccmdScopeGlobal, iotlbScopeGlobal); err != nil {
		return err
	}

	if err := m.mem.Write32(u.Base+regGCMD, gcmdTE); err != nil {
		return fmt.Errorf("vtd: unit at %#x: enable translation: %w", u.Base, err)
	}
	if !m.pollGSTS(u, gstsTES, gstsTES) {
		return fmt.Errorf("vtd: unit at %#x: translation enable did not complete: %w",
			u.Base, hypercall.ErrIO)
	}
	m.log.Info("device translation enabled", "unit", fmt.Sprintf("%#x", u.Base))
	return nil
}

// Shutdown turns translation off on every unit, handing the devices
// back untranslated. Tables stay allocated; the machine is on its way
// back to its previous owner.
func (m *Manager) Shutdown() error {
	for i := range m.units {
		u := &m.units[i]
		if err := m.mem.Write32(u.Base+regGCMD, 0); err != nil {
			return fmt.Errorf("vtd: unit at %#x: disable translation: %w", u.Base, err)
		}
		if !m.pollGSTS(u, gstsTES, 0) {
			return fmt.Errorf("vtd: unit at %#x: translation disable did not complete: %w",
				u.Base, hypercall.ErrIO)
		}
	}
	return nil
}

func (m *Manager) pollGSTS(u *Unit, mask, want uint32) bool {
	return spin.Until(m.budget, m.relax, func() bool {
		v, err := m.mem.Read32(u.Base + regGSTS)
		return err == nil && v&mask == want
	})
}
