// Package mempool allocates physical pages for translation tables, control
// structures and bitmaps out of fixed memory ranges handed to the
// hypervisor at load time.
package mempool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wardenhv/warden/internal/hw"
)

// ErrExhausted is returned when a pool cannot satisfy an allocation.
var ErrExhausted = errors.New("mempool: out of pages")

// Pool hands out runs of physical pages from one contiguous range.
type Pool struct {
	mu sync.Mutex

	name  string
	base  uint64
	pages int

	// used marks allocated pages, one bit per page.
	used []uint64
	free int
}

// New creates a pool over [base, base+pages*PageSize). The base must be
// page-aligned.
func New(name string, base uint64, pages int) (*Pool, error) {
	if base%hw.PageSize != 0 {
		return nil, fmt.Errorf("mempool: %s base 0x%x is not page-aligned", name, base)
	}
	if pages <= 0 {
		return nil, fmt.Errorf("mempool: %s needs at least one page", name)
	}
	return &Pool{
		name:  name,
		base:  base,
		pages: pages,
		used:  make([]uint64, (pages+63)/64),
		free:  pages,
	}, nil
}

// Alloc reserves n contiguous pages and returns their base address.
func (p *Pool) Alloc(n int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n <= 0 {
		return 0, fmt.Errorf("mempool: %s: invalid allocation of %d pages", p.name, n)
	}
	if n > p.free {
		return 0, fmt.Errorf("mempool: %s: %d pages requested: %w", p.name, n, ErrExhausted)
	}

	run := 0
	for i := 0; i < p.pages; i++ {
		if p.bit(i) {
			run = 0
			continue
		}
		run++
		if run == n {
			start := i - n + 1
			for j := start; j <= i; j++ {
				p.setBit(j)
			}
			p.free -= n
			return p.base + uint64(start)*hw.PageSize, nil
		}
	}
	return 0, fmt.Errorf("mempool: %s: no run of %d pages: %w", p.name, n, ErrExhausted)
}

// AllocZeroed reserves n contiguous pages and clears them through mem.
// The pages are released again if clearing fails.
func (p *Pool) AllocZeroed(mem hw.Memory, n int) (uint64, error) {
	pa, err := p.Alloc(n)
	if err != nil {
		return 0, err
	}
	zero := make([]byte, hw.PageSize)
	for i := 0; i < n; i++ {
		if err := mem.WriteBytes(pa+uint64(i)*hw.PageSize, zero); err != nil {
			p.Free(pa, n)
			return 0, fmt.Errorf("mempool: %s: clearing page at 0x%x: %w", p.name, pa, err)
		}
	}
	return pa, nil
}

// Free returns n pages starting at pa to the pool. Double frees and
// addresses outside the pool are programming errors and reported as such.
func (p *Pool) Free(pa uint64, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pa%hw.PageSize != 0 || pa < p.base {
		return fmt.Errorf("mempool: %s: free of foreign address 0x%x", p.name, pa)
	}
	start := int((pa - p.base) / hw.PageSize)
	if start+n > p.pages {
		return fmt.Errorf("mempool: %s: free of 0x%x+%d pages beyond pool end", p.name, pa, n)
	}
	for i := start; i < start+n; i++ {
		if !p.bit(i) {
			return fmt.Errorf("mempool: %s: double free of page 0x%x", p.name, p.base+uint64(i)*hw.PageSize)
		}
		p.clearBit(i)
		p.free++
	}
	return nil
}

// Contains reports whether pa falls inside the pool's range.
func (p *Pool) Contains(pa uint64) bool {
	return pa >= p.base && pa < p.base+uint64(p.pages)*hw.PageSize
}

// FreePages returns the number of unallocated pages.
func (p *Pool) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free
}

// Base returns the pool's first address.
func (p *Pool) Base() uint64 { return p.base }

// Pages returns the pool's capacity in pages.
func (p *Pool) Pages() int { return p.pages }

func (p *Pool) bit(i int) bool { return p.used[i/64]&(1<<uint(i%64)) != 0 }
func (p *Pool) setBit(i int)   { p.used[i/64] |= 1 << uint(i%64) }
func (p *Pool) clearBit(i int) { p.used[i/64] &^= 1 << uint(i%64) }
