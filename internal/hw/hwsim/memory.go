package hwsim

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/wardenhv/warden/internal/hw"
)

// Device is a register block mapped into the simulated physical address
// space. Offsets are relative to the mapping base.
type Device interface {
	Read(off uint64, size int) (uint64, error)
	Write(off uint64, size int, v uint64) error
	Size() uint64
}

type devWindow struct {
	base uint64
	dev  Device
}

// FlushRecord is one cache writeback issued through FlushCache.
type FlushRecord struct {
	PA   uint64
	Size uint64
}

// Memory is the simulated physical address space: flat RAM starting at
// zero plus device windows above it.
type Memory struct {
	mu      sync.Mutex
	ram     []byte
	devices []devWindow

	flushes []FlushRecord
}

var _ hw.Memory = (*Memory)(nil)

// NewMemory creates size bytes of RAM at physical address zero.
func NewMemory(size uint64) *Memory {
	return &Memory{ram: make([]byte, size)}
}

// AddDevice maps a register block at base. The window must not intersect
// RAM or another device.
func (m *Memory) AddDevice(base uint64, dev Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := base + dev.Size()
	if base < uint64(len(m.ram)) {
		return fmt.Errorf("hwsim: device window 0x%x-0x%x overlaps RAM", base, end)
	}
	for _, w := range m.devices {
		if base < w.base+w.dev.Size() && end > w.base {
			return fmt.Errorf("hwsim: device window 0x%x-0x%x overlaps window at 0x%x", base, end, w.base)
		}
	}
	m.devices = append(m.devices, devWindow{base: base, dev: dev})
	return nil
}

func (m *Memory) device(pa uint64) (Device, uint64) {
	for _, w := range m.devices {
		if pa >= w.base && pa < w.base+w.dev.Size() {
			return w.dev, pa - w.base
		}
	}
	return nil, 0
}

func (m *Memory) read(pa uint64, size int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pa+uint64(size) <= uint64(len(m.ram)) {
		switch size {
		case 1:
			return uint64(m.ram[pa]), nil
		case 2:
			return uint64(binary.LittleEndian.Uint16(m.ram[pa:])), nil
		case 4:
			return uint64(binary.LittleEndian.Uint32(m.ram[pa:])), nil
		case 8:
			return binary.LittleEndian.Uint64(m.ram[pa:]), nil
		}
	}
	if dev, off := m.device(pa); dev != nil {
		return dev.Read(off, size)
	}
	return 0, fmt.Errorf("hwsim: read of 0x%x: %w", pa, hw.ErrBusFault)
}

func (m *Memory) write(pa uint64, size int, v uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pa+uint64(size) <= uint64(len(m.ram)) {
		switch size {
		case 1:
			m.ram[pa] = uint8(v)
		case 2:
			binary.LittleEndian.PutUint16(m.ram[pa:], uint16(v))
		case 4:
			binary.LittleEndian.PutUint32(m.ram[pa:], uint32(v))
		case 8:
			binary.LittleEndian.PutUint64(m.ram[pa:], v)
		}
		return nil
	}
	if dev, off := m.device(pa); dev != nil {
		return dev.Write(off, size, v)
	}
	return fmt.Errorf("hwsim: write of 0x%x: %w", pa, hw.ErrBusFault)
}

func (m *Memory) Read8(pa uint64) (uint8, error) {
	v, err := m.read(pa, 1)
	return uint8(v), err
}

func (m *Memory) Read16(pa uint64) (uint16, error) {
	v, err := m.read(pa, 2)
	return uint16(v), err
}

func (m *Memory) Read32(pa uint64) (uint32, error) {
	v, err := m.read(pa, 4)
	return uint32(v), err
}

func (m *Memory) Read64(pa uint64) (uint64, error) {
	return m.read(pa, 8)
}

func (m *Memory) Write8(pa uint64, v uint8) error   { return m.write(pa, 1, uint64(v)) }
func (m *Memory) Write16(pa uint64, v uint16) error { return m.write(pa, 2, uint64(v)) }
func (m *Memory) Write32(pa uint64, v uint32) error { return m.write(pa, 4, uint64(v)) }
func (m *Memory) Write64(pa uint64, v uint64) error { return m.write(pa, 8, v) }

func (m *Memory) ReadBytes(pa uint64, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pa+uint64(len(b)) > uint64(len(m.ram)) {
		return fmt.Errorf("hwsim: block read of 0x%x+%d: %w", pa, len(b), hw.ErrBusFault)
	}
	copy(b, m.ram[pa:])
	return nil
}

func (m *Memory) WriteBytes(pa uint64, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pa+uint64(len(b)) > uint64(len(m.ram)) {
		return fmt.Errorf("hwsim: block write of 0x%x+%d: %w", pa, len(b), hw.ErrBusFault)
	}
	copy(m.ram[pa:], b)
	return nil
}

// FlushCache records the writeback; the simulated memory itself is always
// coherent. Tests inspect the log to verify flush discipline.
func (m *Memory) FlushCache(pa, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes = append(m.flushes, FlushRecord{PA: pa, Size: size})
	return nil
}

// Flushes returns a copy of the cache-flush log.
func (m *Memory) Flushes() []FlushRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]FlushRecord, len(m.flushes))
	copy(out, m.flushes)
	return out
}

// ResetFlushes clears the cache-flush log.
func (m *Memory) ResetFlushes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes = nil
}

// RAMSize returns the size of simulated RAM.
func (m *Memory) RAMSize() uint64 { return uint64(len(m.ram)) }
