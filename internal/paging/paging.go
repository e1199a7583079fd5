// Package paging builds and walks the 64-bit hardware translation tables
// used for guest-physical isolation: EPT hierarchies on the CPU side and
// the structurally identical second-level tables of the IOMMU. Tables have
// 512 entries of 8 bytes, three or four levels, and may map 4K, 2M and 1G
// pages. Entry flag semantics belong to the caller; the walker only fixes
// the structural bits.
package paging

import (
	"errors"
	"fmt"

	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/mempool"
)

const (
	entriesPerTable = 512
	entryShift      = 9

	// physMask selects the physical address bits of an entry.
	physMask = 0x000ffffffffff000

	// largePage marks a terminal entry above the last level.
	largePage = 1 << 7
)

var (
	// ErrNotMapped is returned by Lookup for untranslated addresses.
	ErrNotMapped = errors.New("paging: address not mapped")
)

// Format fixes the variable properties of one table flavor.
type Format struct {
	// Levels is the depth of the hierarchy, 3 or 4.
	Levels int

	// PresentMask is the entry bits of which at least one must be set
	// for the entry to translate anything.
	PresentMask uint64

	// TableFlags is applied to every non-terminal entry.
	TableFlags uint64

	// MaxPage is the largest page size Map may synthesize. Zero means
	// 4K pages only.
	MaxPage uint64
}

// Table is one translation hierarchy rooted in a pool-allocated page.
type Table struct {
	mem  hw.Memory
	pool *mempool.Pool
	f    Format
	root uint64
}

// New allocates an empty hierarchy.
func New(mem hw.Memory, pool *mempool.Pool, f Format) (*Table, error) {
	if f.Levels != 3 && f.Levels != 4 {
		return nil, fmt.Errorf("paging: unsupported depth %d", f.Levels)
	}
	if f.MaxPage == 0 {
		f.MaxPage = hw.PageSize
	}
	root, err := pool.AllocZeroed(mem, 1)
	if err != nil {
		return nil, fmt.Errorf("paging: root table: %w", err)
	}
	return &Table{mem: mem, pool: pool, f: f, root: root}, nil
}

// Root returns the physical address of the top-level table.
func (t *Table) Root() uint64 { return t.root }

func (t *Table) shift(level int) uint {
	return uint(12 + entryShift*(t.f.Levels-1-level))
}

func (t *Table) levelSize(level int) uint64 {
	return 1 << t.shift(level)
}

func (t *Table) present(e uint64) bool {
	return e&t.f.PresentMask != 0
}

// terminal reports whether an entry at level maps pages rather than
// pointing at a further table.
func (t *Table) terminal(e uint64, level int) bool {
	return level == t.f.Levels-1 || e&largePage != 0
}

// Map establishes virt..virt+size -> phys with the given entry flags,
// choosing the largest page sizes alignment allows. All three quantities
// must be page-aligned. Remapping an already mapped page with the same
// granularity overwrites it.
func (t *Table) Map(virt, phys, size, flags uint64) error {
	if virt%hw.PageSize != 0 || phys%hw.PageSize != 0 || size%hw.PageSize != 0 {
		return fmt.Errorf("paging: unaligned mapping 0x%x -> 0x%x size 0x%x", virt, phys, size)
	}
	for size > 0 {
		page := t.pickPageSize(virt, phys, size)
		if err := t.mapOne(virt, phys, page, flags); err != nil {
			return err
		}
		virt += page
		phys += page
		size -= page
	}
	return nil
}

func (t *Table) pickPageSize(virt, phys, size uint64) uint64 {
	for level := 0; level < t.f.Levels-1; level++ {
		ps := t.levelSize(level + 1)
		if ps > t.f.MaxPage {
			continue
		}
		if virt%ps == 0 && phys%ps == 0 && size >= ps {
			return ps
		}
	}
	return hw.PageSize
}

func (t *Table) mapOne(virt, phys, page, flags uint64) error {
	table := t.root
	for level := 0; level < t.f.Levels; level++ {
		idx := (virt >> t.shift(level)) & (entriesPerTable - 1)
		epa := table + idx*8

		if t.levelSize(level) == page {
			e := (phys & physMask) | (flags &^ physMask)
			if level < t.f.Levels-1 {
				e |= largePage
			}
			return t.mem.Write64(epa, e)
		}

		e, err := t.mem.Read64(epa)
		if err != nil {
			return err
		}
		switch {
		case !t.present(e):
			next, err := t.pool.AllocZeroed(t.mem, 1)
			if err != nil {
				return fmt.Errorf("paging: level %d table for 0x%x: %w", level+1, virt, err)
			}
			if err := t.mem.Write64(epa, next|t.f.TableFlags); err != nil {
				t.pool.Free(next, 1)
				return err
			}
			table = next
		case e&largePage != 0:
			return fmt.Errorf("paging: 0x%x already mapped as a 0x%x page", virt, t.levelSize(level))
		default:
			table = e & physMask
		}
	}
	return fmt.Errorf("paging: no level maps page size 0x%x", page)
}

// Unmap removes translations for virt..virt+size. Addresses that are not
// mapped are skipped, which makes teardown of partially built hierarchies
// safe. Removing part of a larger mapped page splits it first so the
// remainder stays mapped. Intermediate tables left empty are returned to
// the pool.
func (t *Table) Unmap(virt, size uint64) error {
	if virt%hw.PageSize != 0 || size%hw.PageSize != 0 {
		return fmt.Errorf("paging: unaligned unmap of 0x%x size 0x%x", virt, size)
	}
	for size > 0 {
		page, err := t.unmapOne(virt, size)
		if err != nil {
			return err
		}
		virt += page
		size -= page
	}
	return nil
}

func (t *Table) unmapOne(virt, remaining uint64) (uint64, error) {
	var tables [4]uint64
	table := t.root

	for level := 0; level < t.f.Levels; level++ {
		tables[level] = table
		idx := (virt >> t.shift(level)) & (entriesPerTable - 1)
		epa := table + idx*8

		e, err := t.mem.Read64(epa)
		if err != nil {
			return 0, err
		}
		if !t.present(e) {
			// Nothing mapped below this entry; skip its span.
			return t.skipSpan(virt, level, remaining), nil
		}
		if !t.terminal(e, level) {
			table = e & physMask
			continue
		}

		page := t.levelSize(level)
		if remaining < page || virt%page != 0 {
			next, err := t.split(epa, e, level)
			if err != nil {
				return 0, err
			}
			table = next
			continue
		}
		if err := t.mem.Write64(epa, 0); err != nil {
			return 0, err
		}
		if err := t.reapEmpty(tables[:level+1], virt); err != nil {
			return 0, err
		}
		return page, nil
	}
	return 0, fmt.Errorf("paging: walk fell through at 0x%x", virt)
}

// split replaces the large page entry at epa with a freshly built table
// of entries one level down covering the same range with the same flags,
// so that a slice of it can be removed on its own.
func (t *Table) split(epa, e uint64, level int) (uint64, error) {
	next, err := t.pool.AllocZeroed(t.mem, 1)
	if err != nil {
		return 0, fmt.Errorf("paging: splitting 0x%x page: %w", t.levelSize(level), err)
	}
	page := t.levelSize(level + 1)
	phys := e & physMask &^ (t.levelSize(level) - 1)
	flags := e &^ physMask &^ largePage
	if level+1 < t.f.Levels-1 {
		flags |= largePage
	}
	for i := uint64(0); i < entriesPerTable; i++ {
		if err := t.mem.Write64(next+i*8, (phys+i*page)|flags); err != nil {
			t.pool.Free(next, 1)
			return 0, err
		}
	}
	if err := t.mem.Write64(epa, next|t.f.TableFlags); err != nil {
		t.pool.Free(next, 1)
		return 0, err
	}
	return next, nil
}

// skipSpan returns how much of the requested range the absent entry at
// level covers, capped to the remaining length.
func (t *Table) skipSpan(virt uint64, level int, remaining uint64) uint64 {
	span := t.levelSize(level)
	span -= virt % span
	if span > remaining {
		span = remaining
	}
	return span
}

// reapEmpty frees tables on the walk path that no longer hold any present
// entry, bottom up, clearing the referencing entries.
func (t *Table) reapEmpty(path []uint64, virt uint64) error {
	for level := len(path) - 1; level > 0; level-- {
		empty, err := t.tableEmpty(path[level])
		if err != nil {
			return err
		}
		if !empty {
			return nil
		}
		idx := (virt >> t.shift(level-1)) & (entriesPerTable - 1)
		if err := t.mem.Write64(path[level-1]+idx*8, 0); err != nil {
			return err
		}
		if err := t.pool.Free(path[level], 1); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) tableEmpty(table uint64) (bool, error) {
	for i := uint64(0); i < entriesPerTable; i++ {
		e, err := t.mem.Read64(table + i*8)
		if err != nil {
			return false, err
		}
		if t.present(e) {
			return false, nil
		}
	}
	return true, nil
}

// Lookup translates virt and returns the target physical address, the
// entry flags (structural bits stripped) and the mapping's page size.
func (t *Table) Lookup(virt uint64) (phys, flags, page uint64, err error) {
	table := t.root
	for level := 0; level < t.f.Levels; level++ {
		idx := (virt >> t.shift(level)) & (entriesPerTable - 1)
		e, err := t.mem.Read64(table + idx*8)
		if err != nil {
			return 0, 0, 0, err
		}
		if !t.present(e) {
			return 0, 0, 0, fmt.Errorf("paging: 0x%x: %w", virt, ErrNotMapped)
		}
		if t.terminal(e, level) {
			page = t.levelSize(level)
			phys = (e & physMask &^ (page - 1)) | (virt & (page - 1))
			flags = e &^ physMask &^ largePage
			return phys, flags, page, nil
		}
		table = e & physMask
	}
	return 0, 0, 0, fmt.Errorf("paging: 0x%x: %w", virt, ErrNotMapped)
}

// Walk translates virt through a hierarchy the engine does not own, for
// example a guest's own tables rooted at its CR3. Results are as for
// Lookup; nothing is allocated or modified.
func Walk(mem hw.Memory, root uint64, f Format, virt uint64) (phys, flags, page uint64, err error) {
	t := Table{mem: mem, f: f, root: root & physMask}
	return t.Lookup(virt)
}

// Free returns the entire hierarchy, including the root, to the pool.
// Mapped target pages are not touched; they belong to the cells.
func (t *Table) Free() error {
	if err := t.freeLevel(t.root, 0); err != nil {
		return err
	}
	return t.pool.Free(t.root, 1)
}

func (t *Table) freeLevel(table uint64, level int) error {
	if level == t.f.Levels-1 {
		return nil
	}
	for i := uint64(0); i < entriesPerTable; i++ {
		e, err := t.mem.Read64(table + i*8)
		if err != nil {
			return err
		}
		if !t.present(e) || t.terminal(e, level) {
			continue
		}
		child := e & physMask
		if err := t.freeLevel(child, level+1); err != nil {
			return err
		}
		if err := t.pool.Free(child, 1); err != nil {
			return err
		}
	}
	return nil
}
