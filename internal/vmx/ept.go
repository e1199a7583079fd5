package vmx

import (
	"fmt"

	"github.com/wardenhv/warden/internal/config"
	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/mempool"
	"github.com/wardenhv/warden/internal/paging"
)

// The extended page tables the hardware walks for guest-physical
// accesses: four levels, presence encoded in the permission bits,
// intermediate entries fully permissive so terminal entries alone
// decide access.
var eptFormat = paging.Format{
	Levels:      4,
	PresentMask: eptRead | eptWrite | eptExecute,
	TableFlags:  eptRead | eptWrite | eptExecute,
	MaxPage:     2 << 20,
}

// ioBitmapPages is the size of the port trap bitmap, one bit per port.
const ioBitmapPages = config.PIOBitmapLen / hw.PageSize

// CellTables is the isolation state of one cell: the translation
// hierarchy consulted on every guest memory access and the port bitmap
// consulted on every I/O instruction.
type CellTables struct {
	mem  hw.Memory
	pool *mempool.Pool
	feat Features

	ept        *paging.Table
	ioBitmapPA uint64
}

// NewCellTables builds the isolation state for one cell: every
// descriptor region mapped, the access page interposed at the
// architectural APIC address, and all ports trapped except those the
// descriptor opens. Any failure rolls completed allocations back.
func NewCellTables(mem hw.Memory, pool *mempool.Pool, feat Features, cell *config.Cell, apicPagePA uint64) (*CellTables, error) {
	ept, err := paging.New(mem, pool, eptFormat)
	if err != nil {
		return nil, fmt.Errorf("vmx: cell %q: %w", cell.Name, err)
	}
	t := &CellTables{mem: mem, pool: pool, feat: feat, ept: ept}

	for _, r := range cell.Regions {
		if err := t.MapRegion(r); err != nil {
			t.Close()
			return nil, fmt.Errorf("vmx: cell %q: %w", cell.Name, err)
		}
	}

	if err := ept.Map(hw.XAPICBase, apicPagePA, hw.PageSize, eptRead|eptWrite|eptWBType); err != nil {
		t.Close()
		return nil, fmt.Errorf("vmx: cell %q: apic access window: %w", cell.Name, err)
	}

	pa, err := pool.Alloc(ioBitmapPages)
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("vmx: cell %q: io bitmap: %w", cell.Name, err)
	}
	t.ioBitmapPA = pa

	image := make([]byte, config.PIOBitmapLen)
	for i := range image {
		image[i] = 0xff
	}
	copy(image, cell.PIOBitmap)
	if err := mem.WriteBytes(pa, image); err != nil {
		t.Close()
		return nil, fmt.Errorf("vmx: cell %q: io bitmap: %w", cell.Name, err)
	}

	return t, nil
}

// Root returns the physical address of the top-level translation table.
func (t *CellTables) Root() uint64 { return t.ept.Root() }

// IOBitmapPA returns the base of the two-page port bitmap.
func (t *CellTables) IOBitmapPA() uint64 { return t.ioBitmapPA }

// Lookup resolves one guest-physical address through these tables.
// Diagnostic surface; the hardware walks the tables itself.
func (t *CellTables) Lookup(virt uint64) (phys, flags, page uint64, err error) {
	return t.ept.Lookup(virt)
}

// Pointer returns the value loaded into the hardware's translation
// pointer field for this cell.
func (t *CellTables) Pointer() uint64 {
	return t.ept.Root() | eptPointerWriteback | eptPointerWalkLen4
}

// MapRegion makes one descriptor region reachable. Write-back memory
// type throughout; the permission bits follow the descriptor.
func (t *CellTables) MapRegion(r config.MemRegion) error {
	flags := uint64(eptWBType)
	if r.Flags&config.MemRead != 0 {
		flags |= eptRead
	}
	if r.Flags&config.MemWrite != 0 {
		flags |= eptWrite
	}
	if r.Flags&config.MemExecute != 0 {
		flags |= eptExecute
	}
	return t.ept.Map(r.Virt, r.Phys, r.Size, flags)
}

// UnmapRegion removes one descriptor region.
func (t *CellTables) UnmapRegion(r config.MemRegion) error {
	return t.ept.Unmap(r.Virt, r.Size)
}

// Shrink removes a new cell's resources from these tables, which must
// belong to the root cell. Regions leave by their host-physical address
// since the root maps memory identity. Ports granted to the new cell
// start trapping in the root.
func (t *CellTables) Shrink(taken *config.Cell) error {
	for _, r := range taken.Regions {
		if err := t.ept.Unmap(r.Phys, r.Size); err != nil {
			return fmt.Errorf("vmx: shrink: region 0x%x: %w", r.Phys, err)
		}
	}

	buf, err := t.readPorts(len(taken.PIOBitmap))
	if err != nil || buf == nil {
		return err
	}
	for i := range buf {
		buf[i] |= ^taken.PIOBitmap[i]
	}
	return t.writePorts(buf)
}

// RestorePorts hands a dead cell's ports back: a port resumes passing
// through only where both the dead cell's and the root's descriptor
// allowed it.
func (t *CellTables) RestorePorts(dead, root *config.Cell) error {
	n := len(dead.PIOBitmap)
	if len(root.PIOBitmap) < n {
		n = len(root.PIOBitmap)
	}
	buf, err := t.readPorts(n)
	if err != nil || buf == nil {
		return err
	}
	for i := range buf {
		buf[i] &= dead.PIOBitmap[i] | root.PIOBitmap[i]
	}
	return t.writePorts(buf)
}

func (t *CellTables) readPorts(n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if err := t.mem.ReadBytes(t.ioBitmapPA, buf); err != nil {
		return nil, fmt.Errorf("vmx: io bitmap update: %w", err)
	}
	return buf, nil
}

func (t *CellTables) writePorts(buf []byte) error {
	if err := t.mem.WriteBytes(t.ioBitmapPA, buf); err != nil {
		return fmt.Errorf("vmx: io bitmap update: %w", err)
	}
	return nil
}

// Invalidate drops translations the hardware may have cached for these
// tables, using the narrowest scope the hardware supports. Isolation
// depends on this taking effect; callers treat failure as fatal.
func (t *CellTables) Invalidate(port hw.VMX) error {
	scope := t.feat.inveptScope()
	root := uint64(0)
	if scope == hw.InveptSingle {
		root = t.Pointer()
	}
	if err := port.InvalidateEPT(scope, root); err != nil {
		return fmt.Errorf("vmx: invept: %w", err)
	}
	return nil
}

// Close returns every page of the isolation state to the pool.
func (t *CellTables) Close() error {
	var firstErr error
	if t.ept != nil {
		firstErr = t.ept.Free()
		t.ept = nil
	}
	if t.ioBitmapPA != 0 {
		if err := t.pool.Free(t.ioBitmapPA, ioBitmapPages); err != nil && firstErr == nil {
			firstErr = err
		}
		t.ioBitmapPA = 0
	}
	return firstErr
}
