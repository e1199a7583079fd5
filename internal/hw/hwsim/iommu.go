package hwsim

import (
	"fmt"
	"sync"
)

// Register offsets within a remapping unit's page.
const (
	iommuVER    = 0x00
	iommuCAP    = 0x08
	iommuECAP   = 0x10
	iommuGCMD   = 0x18
	iommuGSTS   = 0x1c
	iommuRTADDR = 0x20
	iommuCCMD   = 0x28
)

const (
	gcmdTE   = 1 << 31
	gcmdSRTP = 1 << 30
	gstsTES  = 1 << 31
	gstsRTPS = 1 << 30

	ccmdICC  = uint64(1) << 63
	iotlbIVT = uint64(1) << 63
)

// IOMMU simulates one DMA remapping unit's register page. Command bits
// complete after Latency status reads, modeling the hardware handshake.
type IOMMU struct {
	mu sync.Mutex

	cap  uint64
	ecap uint64

	// Latency is how many status polls a command stays in flight.
	Latency int

	gsts       uint32
	pendingCmd uint32
	gstsWait   int

	rtaddr       uint64
	rtaddrWrites int

	ccmd     uint64
	ccmdWait int

	iotlb     uint64
	iotlbWait int

	contextFlushes []uint64
	iotlbFlushes   []uint64
}

var _ Device = (*IOMMU)(nil)

// NewIOMMU builds a remapping unit with the given capability registers.
func NewIOMMU(cap, ecap uint64) *IOMMU {
	return &IOMMU{cap: cap, ecap: ecap}
}

func (u *IOMMU) Size() uint64 { return 4096 }

func (u *IOMMU) iotlbOffset() uint64 {
	return (u.ecap>>8&0x3ff)*16 + 8
}

func (u *IOMMU) Read(off uint64, size int) (uint64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch off {
	case iommuVER:
		return 0x10, nil
	case iommuCAP:
		return u.cap, nil
	case iommuECAP:
		return u.ecap, nil
	case iommuGCMD:
		return 0, nil
	case iommuGSTS:
		if u.gstsWait > 0 {
			u.gstsWait--
			if u.gstsWait == 0 {
				u.applyGCMD()
			}
		}
		return uint64(u.gsts), nil
	case iommuRTADDR:
		return u.rtaddr, nil
	case iommuCCMD:
		if u.ccmd&ccmdICC != 0 && u.ccmdWait > 0 {
			u.ccmdWait--
			if u.ccmdWait == 0 {
				u.ccmd &^= ccmdICC
			}
		}
		return u.ccmd, nil
	case u.iotlbOffset():
		if u.iotlb&iotlbIVT != 0 && u.iotlbWait > 0 {
			u.iotlbWait--
			if u.iotlbWait == 0 {
				u.iotlb &^= iotlbIVT
			}
		}
		return u.iotlb, nil
	}
	return 0, nil
}

func (u *IOMMU) Write(off uint64, size int, v uint64) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch off {
	case iommuGCMD:
		u.pendingCmd = uint32(v)
		if u.Latency <= 0 {
			u.applyGCMD()
		} else {
			u.gstsWait = u.Latency
		}
	case iommuRTADDR:
		u.rtaddr = v
		u.rtaddrWrites++
	case iommuCCMD:
		u.ccmd = v
		if v&ccmdICC != 0 {
			u.contextFlushes = append(u.contextFlushes, v)
			if u.Latency <= 0 {
				u.ccmd &^= ccmdICC
			} else {
				u.ccmdWait = u.Latency
			}
		}
	case u.iotlbOffset():
		u.iotlb = v
		if v&iotlbIVT != 0 {
			u.iotlbFlushes = append(u.iotlbFlushes, v)
			if u.Latency <= 0 {
				u.iotlb &^= iotlbIVT
			} else {
				u.iotlbWait = u.Latency
			}
		}
	default:
		return fmt.Errorf("hwsim: iommu write to unmodeled register 0x%x", off)
	}
	return nil
}

func (u *IOMMU) applyGCMD() {
	if u.pendingCmd&gcmdSRTP != 0 {
		u.gsts |= gstsRTPS
	}
	if u.pendingCmd&gcmdTE != 0 {
		u.gsts |= gstsTES
	} else {
		u.gsts &^= gstsTES
	}
}

// Enabled reports whether translation is currently on. Test API.
func (u *IOMMU) Enabled() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gsts&gstsTES != 0
}

// RootTable returns the root table address register value. Test API.
func (u *IOMMU) RootTable() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rtaddr
}

// ContextFlushes returns the raw context-cache flush commands seen. Test API.
func (u *IOMMU) ContextFlushes() []uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]uint64, len(u.contextFlushes))
	copy(out, u.contextFlushes)
	return out
}

// IOTLBFlushes returns the raw IOTLB flush commands seen. Test API.
func (u *IOMMU) IOTLBFlushes() []uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]uint64, len(u.iotlbFlushes))
	copy(out, u.iotlbFlushes)
	return out
}

// ResetFlushLogs clears the recorded flush commands. Test API.
func (u *IOMMU) ResetFlushLogs() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.contextFlushes = nil
	u.iotlbFlushes = nil
}
