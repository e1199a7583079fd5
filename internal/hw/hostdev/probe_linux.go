//go:build linux

package hostdev

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"slices"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/wardenhv/warden/internal/hw"
)

// CPU reads one logical processor through its /dev/cpu device files. It
// implements the engine's CPU port with every mutating method inert, so
// running the capability ladder against it cannot perturb the host.
type CPU struct {
	id    uint32
	msr   int
	cpuid int
}

var _ hw.CPU = (*CPU)(nil)

// OpenCPU opens the MSR and CPUID device files of one logical CPU.
// Needs the msr and cpuid kernel modules and, for the MSR side, root.
func OpenCPU(id uint32) (*CPU, error) {
	cpuidFd, err := unix.Open(fmt.Sprintf("/dev/cpu/%d/cpuid", id), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("hostdev: open cpuid device for cpu %d: %w", id, err)
	}
	msrFd, err := unix.Open(fmt.Sprintf("/dev/cpu/%d/msr", id), unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		unix.Close(cpuidFd)
		return nil, fmt.Errorf("hostdev: open msr device for cpu %d: %w", id, err)
	}
	return &CPU{id: id, msr: msrFd, cpuid: cpuidFd}, nil
}

// CPUs lists the logical processors the kernel exposes under /dev/cpu.
func CPUs() ([]uint32, error) {
	entries, err := os.ReadDir("/dev/cpu")
	if err != nil {
		return nil, fmt.Errorf("hostdev: list cpus: %w", err)
	}
	var ids []uint32
	for _, e := range entries {
		// The directory also holds microcode and friends.
		n, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("hostdev: list cpus: nothing under /dev/cpu")
	}
	slices.Sort(ids)
	return ids, nil
}

// Close releases the device files.
func (c *CPU) Close() error {
	msrErr := unix.Close(c.msr)
	cpuidErr := unix.Close(c.cpuid)
	if msrErr != nil {
		return fmt.Errorf("hostdev: close msr device for cpu %d: %w", c.id, msrErr)
	}
	if cpuidErr != nil {
		return fmt.Errorf("hostdev: close cpuid device for cpu %d: %w", c.id, cpuidErr)
	}
	return nil
}

func (c *CPU) ID() uint32 { return c.id }

// ReadMSR reads a model-specific register through the msr driver.
// Registers the kernel refuses, such as ones that fault on this model,
// read as zero.
func (c *CPU) ReadMSR(msr uint32) uint64 {
	var b [8]byte
	n, err := unix.Pread(c.msr, b[:], int64(msr))
	if err != nil || n != len(b) {
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

// WriteMSR always refuses. The probe port never writes the host.
func (c *CPU) WriteMSR(msr uint32, v uint64) error {
	return fmt.Errorf("hostdev: cpu %d: msr %#x: probe port is read-only", c.id, msr)
}

// CPUID executes the identification instruction on this CPU through the
// cpuid driver. The leaf rides in the low half of the file offset and
// the subleaf in the high half.
func (c *CPU) CPUID(leaf, sub uint32) (eax, ebx, ecx, edx uint32) {
	var b [16]byte
	off := int64(uint64(sub)<<32 | uint64(leaf))
	n, err := unix.Pread(c.cpuid, b[:], off)
	if err != nil || n != len(b) {
		return 0, 0, 0, 0
	}
	return binary.LittleEndian.Uint32(b[0:]), binary.LittleEndian.Uint32(b[4:]),
		binary.LittleEndian.Uint32(b[8:]), binary.LittleEndian.Uint32(b[12:])
}

// ReadCR reports zero: control registers are not visible from user
// space. The capability ladder reads CR4 only to spot a processor
// already in VMX operation, and zero answers "not enabled".
func (c *CPU) ReadCR(n int) uint64 { return 0 }

func (c *CPU) WriteCR(n int, v uint64) {}
func (c *CPU) SetXCR0(v uint64)        {}
func (c *CPU) RaiseNMI()               {}
func (c *CPU) Relax()                  { runtime.Gosched() }
func (c *CPU) Halt()                   {}
