//go:build !linux

package hostdev

import "github.com/wardenhv/warden/internal/hw"

// CPU is a placeholder on platforms without host probing.
type CPU struct{}

var _ hw.CPU = (*CPU)(nil)

func OpenCPU(id uint32) (*CPU, error) { return nil, ErrUnsupported }

func CPUs() ([]uint32, error) { return nil, ErrUnsupported }

func (c *CPU) Close() error { return nil }

func (c *CPU) ID() uint32                                         { return 0 }
func (c *CPU) ReadMSR(msr uint32) uint64                          { return 0 }
func (c *CPU) WriteMSR(msr uint32, v uint64) error                { return ErrUnsupported }
func (c *CPU) CPUID(leaf, sub uint32) (eax, ebx, ecx, edx uint32) { return 0, 0, 0, 0 }
func (c *CPU) ReadCR(n int) uint64                                { return 0 }
func (c *CPU) WriteCR(n int, v uint64)                            {}
func (c *CPU) SetXCR0(v uint64)                                   {}
func (c *CPU) RaiseNMI()                                          {}
func (c *CPU) Relax()                                             {}
func (c *CPU) Halt()                                              {}
