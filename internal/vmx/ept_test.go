package vmx_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wardenhv/warden/internal/apic"
	"github.com/wardenhv/warden/internal/config"
	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/hw/hwsim"
	"github.com/wardenhv/warden/internal/mempool"
	"github.com/wardenhv/warden/internal/paging"
	"github.com/wardenhv/warden/internal/vmx"
)

// walkEntries reads a cell's hierarchy back the way the hardware would.
var walkEntries = paging.Format{Levels: 4, PresentMask: 0x7}

const testAPICPage = 0x7000

func newCellTables(t *testing.T, cell *config.Cell) (*vmx.CellTables, *mempool.Pool, *hwsim.Memory) {
	t.Helper()
	mem := hwsim.NewMemory(64 << 20)
	pool, err := mempool.New("tables", 8<<20, 256)
	if err != nil {
		t.Fatal(err)
	}
	tables, err := vmx.NewCellTables(mem, pool, vmx.Features{EPTCap: 1 << 25}, cell, testAPICPage)
	if err != nil {
		t.Fatal(err)
	}
	return tables, pool, mem
}

func TestNewCellTables(t *testing.T) {
	pio := config.TrapAllPIO()
	config.AllowPIORange(pio, 0x3f8, 8)
	cell := &config.Cell{
		Name: "demo",
		Regions: []config.MemRegion{
			{Phys: 0x100000, Virt: 0x100000, Size: 0x2000,
				Flags: config.MemRead | config.MemWrite | config.MemExecute},
			{Phys: 0x200000, Virt: 0x300000, Size: 0x1000, Flags: config.MemRead},
		},
		PIOBitmap: pio,
	}
	tables, _, mem := newCellTables(t, cell)

	phys, flags, _, err := paging.Walk(mem, tables.Root(), walkEntries, 0x101000)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if phys != 0x101000 || flags != 0x37 {
		t.Fatalf("mapping = %#x flags %#x, want 0x101000 flags 0x37", phys, flags)
	}

	phys, flags, _, err = paging.Walk(mem, tables.Root(), walkEntries, 0x300000)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if phys != 0x200000 || flags != 0x31 {
		t.Fatalf("remapped region = %#x flags %#x, want 0x200000 flags 0x31", phys, flags)
	}

	// The interrupt controller window points at the shared access page.
	phys, flags, _, err = paging.Walk(mem, tables.Root(), walkEntries, hw.XAPICBase)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if phys != testAPICPage || flags != 0x33 {
		t.Fatalf("APIC window = %#x flags %#x, want %#x flags 0x33", phys, flags, uint64(testAPICPage))
	}

	if _, _, _, err := paging.Walk(mem, tables.Root(), walkEntries, 0x400000); !errors.Is(err, paging.ErrNotMapped) {
		t.Fatalf("unlisted address walked: %v", err)
	}

	var b [1]byte
	if err := mem.ReadBytes(tables.IOBitmapPA()+0x7f, b[:]); err != nil || b[0] != 0 {
		t.Fatalf("serial port byte = %#x (%v), want open", b[0], err)
	}
	if err := mem.ReadBytes(tables.IOBitmapPA()+0x80, b[:]); err != nil || b[0] != 0xff {
		t.Fatalf("unlisted port byte = %#x (%v), want trapped", b[0], err)
	}

	if got, want := tables.Pointer(), tables.Root()|6|3<<3; got != want {
		t.Fatalf("pointer = %#x, want %#x", got, want)
	}
}

func TestNewCellTablesRollsBack(t *testing.T) {
	mem := hwsim.NewMemory(64 << 20)
	pool, err := mempool.New("tables", 8<<20, 6)
	if err != nil {
		t.Fatal(err)
	}

	// Six pages cover the root, the region hierarchy and the APIC
	// window, leaving nothing for the port bitmap.
	cell := &config.Cell{
		Name:      "crowded",
		Regions:   []config.MemRegion{{Phys: 0, Virt: 0, Size: hw.PageSize, Flags: config.MemRead}},
		PIOBitmap: config.TrapAllPIO(),
	}
	_, err = vmx.NewCellTables(mem, pool, vmx.Features{}, cell, testAPICPage)
	if !errors.Is(err, mempool.ErrExhausted) {
		t.Fatalf("NewCellTables = %v, want exhaustion", err)
	}
	if got := pool.FreePages(); got != 6 {
		t.Fatalf("free pages = %d after rollback, want 6", got)
	}
}

func TestShrinkAndRestorePorts(t *testing.T) {
	rootPIO := config.TrapAllPIO()
	config.AllowPIORange(rootPIO, 0x3f8, 8)
	config.AllowPIORange(rootPIO, 0x80, 8)
	root := &config.Cell{
		Name: "root",
		Regions: []config.MemRegion{{Phys: 0x100000, Virt: 0x100000, Size: 0x4000,
			Flags: config.MemRead | config.MemWrite | config.MemExecute}},
		PIOBitmap: rootPIO,
	}
	tables, _, mem := newCellTables(t, root)

	takenPIO := config.TrapAllPIO()
	config.AllowPIORange(takenPIO, 0x3f8, 8)
	taken := &config.Cell{
		Name: "inmate",
		// Loaded at a different guest address; the root loses the page
		// by its host address.
		Regions: []config.MemRegion{{Phys: 0x102000, Virt: 0, Size: 0x1000,
			Flags: config.MemRead | config.MemWrite}},
		PIOBitmap: takenPIO,
	}
	if err := tables.Shrink(taken); err != nil {
		t.Fatalf("Shrink: %v", err)
	}

	if _, _, _, err := paging.Walk(mem, tables.Root(), walkEntries, 0x102000); !errors.Is(err, paging.ErrNotMapped) {
		t.Fatalf("granted page still mapped: %v", err)
	}
	if _, _, _, err := paging.Walk(mem, tables.Root(), walkEntries, 0x101000); err != nil {
		t.Fatalf("ungranted page lost: %v", err)
	}

	var b [1]byte
	mem.ReadBytes(tables.IOBitmapPA()+0x7f, b[:])
	if b[0] != 0xff {
		t.Fatalf("granted serial ports byte = %#x, want trapped", b[0])
	}
	mem.ReadBytes(tables.IOBitmapPA()+0x10, b[:])
	if b[0] != 0 {
		t.Fatalf("retained port byte = %#x, want open", b[0])
	}

	if err := tables.RestorePorts(taken, root); err != nil {
		t.Fatalf("RestorePorts: %v", err)
	}
	mem.ReadBytes(tables.IOBitmapPA()+0x7f, b[:])
	if b[0] != 0 {
		t.Fatalf("returned serial ports byte = %#x, want open again", b[0])
	}
	mem.ReadBytes(tables.IOBitmapPA()+0x10, b[:])
	if b[0] != 0 {
		t.Fatalf("retained port byte = %#x after restore", b[0])
	}
	mem.ReadBytes(tables.IOBitmapPA()+0x11, b[:])
	if b[0] != 0xff {
		t.Fatalf("unowned port byte = %#x, want still trapped", b[0])
	}
}

func TestInvalidateScopes(t *testing.T) {
	e := newReadyEnv(t)
	cell := &config.Cell{Name: "demo", PIOBitmap: config.TrapAllPIO()}

	single, err := vmx.NewCellTables(e.mem, e.pool, vmx.Features{EPTCap: 1 << 25}, cell, e.shared.APICPagePA)
	if err != nil {
		t.Fatal(err)
	}
	global, err := vmx.NewCellTables(e.mem, e.pool, vmx.Features{EPTCap: 1 << 26}, cell, e.shared.APICPagePA)
	if err != nil {
		t.Fatal(err)
	}

	if err := single.Invalidate(e.port); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if err := global.Invalidate(e.port); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	want := []hwsim.InveptRecord{
		{Scope: hw.InveptSingle, Root: single.Pointer()},
		{Scope: hw.InveptGlobal, Root: 0},
	}
	if diff := cmp.Diff(want, e.port.Invalidations()); diff != "" {
		t.Fatalf("invalidations differ (-want +got):\n%s", diff)
	}
}

func TestCloseReturnsEveryPage(t *testing.T) {
	mem := hwsim.NewMemory(64 << 20)
	pool, err := mempool.New("tables", 8<<20, 256)
	if err != nil {
		t.Fatal(err)
	}
	before := pool.FreePages()

	cell := &config.Cell{
		Name: "demo",
		Regions: []config.MemRegion{
			{Phys: 0x200000, Virt: 0x200000, Size: 0x400000,
				Flags: config.MemRead | config.MemWrite | config.MemExecute},
			{Phys: 0x100000, Virt: 0x800000, Size: 0x1000, Flags: config.MemRead},
		},
		PIOBitmap: config.TrapAllPIO(),
	}
	tables, err := vmx.NewCellTables(mem, pool, vmx.Features{}, cell, testAPICPage)
	if err != nil {
		t.Fatal(err)
	}
	if pool.FreePages() == before {
		t.Fatal("nothing allocated")
	}

	if err := tables.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := pool.FreePages(); got != before {
		t.Fatalf("free pages = %d after Close, want %d", got, before)
	}
}

func TestSharedPagesBitmap(t *testing.T) {
	tests := []struct {
		mode apic.Mode
		want map[int]byte
	}{
		{apic.ModeXAPIC, map[int]byte{
			0x100: 0x0c, 0x101: 0xa5, 0x102: 0xff, 0x103: 0xff, 0x104: 0xff,
			0x105: 0x81, 0x106: 0xfd, 0x107: 0x43,
			0x901: 0x89, 0x905: 0x81, 0x906: 0xfd, 0x907: 0xc1,
		}},
		{apic.ModeX2APIC, map[int]byte{0x906: 0x01}},
	}
	for _, tc := range tests {
		t.Run(tc.mode.String(), func(t *testing.T) {
			mem := hwsim.NewMemory(8 << 20)
			pool, err := mempool.New("shared", 0x100000, 8)
			if err != nil {
				t.Fatal(err)
			}
			shared, err := vmx.NewSharedPages(mem, pool, tc.mode)
			if err != nil {
				t.Fatalf("NewSharedPages: %v", err)
			}

			page := make([]byte, hw.PageSize)
			if err := mem.ReadBytes(shared.MSRBitmapPA, page); err != nil {
				t.Fatal(err)
			}
			got := map[int]byte{}
			for i, b := range page {
				if b != 0 {
					got[i] = b
				}
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("trap bitmap differs (-want +got):\n%s", diff)
			}

			apicPage := make([]byte, hw.PageSize)
			if err := mem.ReadBytes(shared.APICPagePA, apicPage); err != nil {
				t.Fatal(err)
			}
			for _, b := range apicPage {
				if b != 0 {
					t.Fatal("access page not blank")
				}
			}

			free := pool.FreePages()
			shared.Free(pool)
			if got := pool.FreePages(); got != free+2 {
				t.Fatalf("free pages = %d after Free, want %d", got, free+2)
			}
		})
	}
}
