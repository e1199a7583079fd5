package vmx

import (
	"fmt"

	"github.com/wardenhv/warden/internal/apic"
	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/mempool"
)

// Quadrants of the MSR bitmap page. Each covers 8192 registers, one bit
// per register, a set bit trapping the access.
const (
	msrBitmapReadLow   = 0x000 // reads of 0x00000000-0x00001fff
	msrBitmapReadHigh  = 0x400 // reads of 0xc0000000-0xc0001fff
	msrBitmapWriteLow  = 0x800 // writes of 0x00000000-0x00001fff
	msrBitmapWriteHigh = 0xc00 // writes of 0xc0000000-0xc0001fff
)

// msrBitmapImage builds the page every cell shares. All registers pass
// through except a slice of the local APIC window: the registers whose
// contents the interrupt model owns trap, timer and spurious handling
// stay direct. In x2APIC mode the window opens up entirely and only
// interrupt-command writes keep trapping.
func msrBitmapImage(mode apic.Mode) [hw.PageSize]byte {
	var b [hw.PageSize]byte

	fill := func(quadrant, from, to int, v byte) {
		for i := from / 8; i <= to/8; i++ {
			b[quadrant+i] = v
		}
	}

	fill(msrBitmapReadLow, 0x800, 0x807, 0x0c) // 0x802, 0x803
	fill(msrBitmapReadLow, 0x808, 0x80f, 0xa5) // 0x808, 0x80a, 0x80d, 0x80f
	fill(msrBitmapReadLow, 0x810, 0x827, 0xff) // 0x810 - 0x827
	fill(msrBitmapReadLow, 0x828, 0x82f, 0x81) // 0x828, 0x82f
	fill(msrBitmapReadLow, 0x830, 0x837, 0xfd) // 0x830, 0x832 - 0x837
	fill(msrBitmapReadLow, 0x838, 0x83f, 0x43) // 0x838, 0x839, 0x83e

	fill(msrBitmapWriteLow, 0x808, 0x80f, 0x89) // 0x808, 0x80b, 0x80f
	fill(msrBitmapWriteLow, 0x828, 0x82f, 0x81) // 0x828, 0x82f
	fill(msrBitmapWriteLow, 0x830, 0x837, 0xfd) // 0x830, 0x832 - 0x837
	fill(msrBitmapWriteLow, 0x838, 0x83f, 0xc1) // 0x838, 0x83e, 0x83f

	if mode == apic.ModeX2APIC {
		fill(msrBitmapReadLow, 0x800, 0x83f, 0)
		fill(msrBitmapWriteLow, 0x800, 0x83f, 0)
		b[msrBitmapWriteLow+int(hw.MSRX2APICICR)/8] = 0x01
	}

	return b
}

// SharedPages holds the two pages every CPU's control structure points
// at. They are built once at bring-up and never change.
type SharedPages struct {
	MSRBitmapPA uint64
	APICPagePA  uint64
}

// NewSharedPages allocates and fills the MSR bitmap and the APIC access
// page. The access page carries no data; its address is what redirects
// guest loads and stores of the APIC region into VM exits.
func NewSharedPages(mem hw.Memory, pool *mempool.Pool, mode apic.Mode) (SharedPages, error) {
	bitmapPA, err := pool.AllocZeroed(mem, 1)
	if err != nil {
		return SharedPages{}, fmt.Errorf("vmx: msr bitmap: %w", err)
	}
	image := msrBitmapImage(mode)
	if err := mem.WriteBytes(bitmapPA, image[:]); err != nil {
		pool.Free(bitmapPA, 1)
		return SharedPages{}, fmt.Errorf("vmx: msr bitmap: %w", err)
	}

	apicPA, err := pool.AllocZeroed(mem, 1)
	if err != nil {
		pool.Free(bitmapPA, 1)
		return SharedPages{}, fmt.Errorf("vmx: apic access page: %w", err)
	}

	return SharedPages{MSRBitmapPA: bitmapPA, APICPagePA: apicPA}, nil
}

// Free returns both pages to the pool.
func (s SharedPages) Free(pool *mempool.Pool) {
	pool.Free(s.MSRBitmapPA, 1)
	pool.Free(s.APICPagePA, 1)
}
