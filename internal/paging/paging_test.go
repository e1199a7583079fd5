package paging_test

import (
	"errors"
	"testing"

	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/hw/hwsim"
	"github.com/wardenhv/warden/internal/mempool"
	"github.com/wardenhv/warden/internal/paging"
)

// testFormat mirrors the EPT entry layout: R/W/X in the low bits.
func testFormat(maxPage uint64) paging.Format {
	return paging.Format{
		Levels:      4,
		PresentMask: 0x7,
		TableFlags:  0x7,
		MaxPage:     maxPage,
	}
}

func newTable(t *testing.T) (*paging.Table, *mempool.Pool, *hwsim.Memory) {
	t.Helper()
	mem := hwsim.NewMemory(8 << 20)
	pool, err := mempool.New("tables", 0x100000, 512)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := paging.New(mem, pool, testFormat(0))
	if err != nil {
		t.Fatal(err)
	}
	return tbl, pool, mem
}

func TestMapLookup(t *testing.T) {
	tbl, _, _ := newTable(t)

	if err := tbl.Map(0x7000, 0x20000, 2*hw.PageSize, 0x3); err != nil {
		t.Fatal(err)
	}

	phys, flags, page, err := tbl.Lookup(0x7123)
	if err != nil {
		t.Fatal(err)
	}
	if phys != 0x20123 {
		t.Fatalf("lookup returned 0x%x, want 0x20123", phys)
	}
	if flags != 0x3 {
		t.Fatalf("lookup flags 0x%x, want 0x3", flags)
	}
	if page != hw.PageSize {
		t.Fatalf("lookup page size 0x%x, want 0x%x", page, uint64(hw.PageSize))
	}

	if _, _, _, err := tbl.Lookup(0x9000); !errors.Is(err, paging.ErrNotMapped) {
		t.Fatalf("lookup of unmapped address: %v", err)
	}
}

func TestMapLargePages(t *testing.T) {
	mem := hwsim.NewMemory(8 << 20)
	pool, err := mempool.New("tables", 0x100000, 64)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := paging.New(mem, pool, testFormat(2<<20))
	if err != nil {
		t.Fatal(err)
	}

	// 2M-aligned on both sides: one large entry, no level-3 tables.
	if err := tbl.Map(0x200000, 0x400000, 2<<20, 0x7); err != nil {
		t.Fatal(err)
	}
	phys, _, page, err := tbl.Lookup(0x200000 + 0x1234)
	if err != nil {
		t.Fatal(err)
	}
	if page != 2<<20 {
		t.Fatalf("expected a 2M mapping, got page size 0x%x", page)
	}
	if phys != 0x400000+0x1234 {
		t.Fatalf("large-page lookup returned 0x%x", phys)
	}

	// Root + level 1 + level 2: three tables.
	if got := 64 - pool.FreePages(); got != 3 {
		t.Fatalf("expected 3 table pages for a 2M mapping, got %d", got)
	}
}

func TestUnmapReapsEmptyTables(t *testing.T) {
	tbl, pool, _ := newTable(t)
	before := pool.FreePages()

	if err := tbl.Map(0x7000, 0x20000, hw.PageSize, 0x3); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Unmap(0x7000, hw.PageSize); err != nil {
		t.Fatal(err)
	}

	if _, _, _, err := tbl.Lookup(0x7000); !errors.Is(err, paging.ErrNotMapped) {
		t.Fatalf("mapping survived unmap: %v", err)
	}
	if pool.FreePages() != before {
		t.Fatalf("intermediate tables leaked: %d pages outstanding", before-pool.FreePages())
	}
}

func TestUnmapUnmappedIsNoop(t *testing.T) {
	tbl, _, _ := newTable(t)
	if err := tbl.Unmap(0x40000000, 16*hw.PageSize); err != nil {
		t.Fatalf("unmap of empty range failed: %v", err)
	}
}

func TestUnmapSplitsLargePage(t *testing.T) {
	mem := hwsim.NewMemory(8 << 20)
	pool, err := mempool.New("tables", 0x100000, 64)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := paging.New(mem, pool, testFormat(2<<20))
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Map(0x200000, 0x400000, 2<<20, 0x7); err != nil {
		t.Fatal(err)
	}
	used := 64 - pool.FreePages()

	if err := tbl.Unmap(0x201000, hw.PageSize); err != nil {
		t.Fatalf("partial unmap of a large page: %v", err)
	}

	if _, _, _, err := tbl.Lookup(0x201000); !errors.Is(err, paging.ErrNotMapped) {
		t.Fatalf("unmapped slice still resolves: %v", err)
	}
	phys, flags, page, err := tbl.Lookup(0x200000)
	if err != nil {
		t.Fatalf("sibling lost by split: %v", err)
	}
	if phys != 0x400000 || flags != 0x7 || page != hw.PageSize {
		t.Fatalf("sibling = 0x%x flags 0x%x page 0x%x, want 0x400000 0x7 0x1000", phys, flags, page)
	}
	if phys, _, _, _ := tbl.Lookup(0x202000); phys != 0x402000 {
		t.Fatalf("sibling above the hole = 0x%x, want 0x402000", phys)
	}

	// The split costs exactly the one level-3 table.
	if got := 64 - pool.FreePages(); got != used+1 {
		t.Fatalf("split consumed %d pages, want 1", got-used)
	}
}

func TestMapConflict(t *testing.T) {
	mem := hwsim.NewMemory(8 << 20)
	pool, err := mempool.New("tables", 0x100000, 64)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := paging.New(mem, pool, testFormat(2<<20))
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Map(0x200000, 0x400000, 2<<20, 0x7); err != nil {
		t.Fatal(err)
	}
	// A 4K mapping inside the 2M entry cannot be expressed.
	if err := tbl.Map(0x200000, 0x800000, hw.PageSize, 0x7); err == nil {
		t.Fatal("mapping under an existing large page succeeded")
	}
}

func TestFreeReleasesHierarchy(t *testing.T) {
	tbl, pool, _ := newTable(t)
	before := pool.FreePages() + 1 // New consumed the root already

	for i := uint64(0); i < 8; i++ {
		if err := tbl.Map(i<<30|0x1000, 0x20000, hw.PageSize, 0x3); err != nil {
			t.Fatal(err)
		}
	}
	if err := tbl.Free(); err != nil {
		t.Fatal(err)
	}
	if pool.FreePages() != before {
		t.Fatalf("table pages leaked: %d outstanding", before-pool.FreePages())
	}
}

func TestAllocationFailurePropagates(t *testing.T) {
	mem := hwsim.NewMemory(8 << 20)
	pool, err := mempool.New("tables", 0x100000, 2)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := paging.New(mem, pool, testFormat(0))
	if err != nil {
		t.Fatal(err)
	}
	// Four levels need three tables beyond the root; the pool has one.
	err = tbl.Map(0x1000, 0x2000, hw.PageSize, 0x3)
	if !errors.Is(err, mempool.ErrExhausted) {
		t.Fatalf("expected pool exhaustion, got %v", err)
	}
}
