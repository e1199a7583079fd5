package vmx

import (
	"fmt"

	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/hypercall"
)

// Features is what the capability probe established about one CPU. The
// probe reads only; nothing in here changes hardware state.
type Features struct {
	// Revision is the control-structure revision identifier both the
	// VMXON region and every VMCS must carry.
	Revision uint32

	// TrueMSROffset is added to the capability MSR numbers when the
	// TRUE variants are implemented.
	TrueMSROffset uint32

	// EPTCap is the raw EPT/VPID capability register.
	EPTCap uint64
}

// invept scope selection: single-context when supported, else global.
func (f Features) inveptScope() hw.InveptScope {
	if f.EPTCap&eptCapInveptSingle != 0 {
		return hw.InveptSingle
	}
	return hw.InveptGlobal
}

func (f Features) pinCtlsMSR() uint32   { return hw.MSRVMXPinCtls + f.TrueMSROffset }
func (f Features) procCtlsMSR() uint32  { return hw.MSRVMXProcCtls + f.TrueMSROffset }
func (f Features) exitCtlsMSR() uint32  { return hw.MSRVMXExitCtls + f.TrueMSROffset }
func (f Features) entryCtlsMSR() uint32 { return hw.MSRVMXEntryCtls + f.TrueMSROffset }

// CheckSupport climbs the capability ladder. Each rung that fails maps
// to the status the caller reports: no VMX at all or a locked-out
// feature register is "no device", a CPU already in VMX operation is
// "busy", and an implementation lacking a required control is a
// hardware error.
func CheckSupport(c hw.CPU) (Features, error) {
	var feat Features

	_, _, ecx, _ := c.CPUID(1, 0)
	if ecx&(1<<5) == 0 {
		return feat, fmt.Errorf("vmx: cpu %d: no VMX support: %w", c.ID(), hypercall.ErrNoDev)
	}

	if c.ReadCR(4)&hw.CR4VMXE != 0 {
		return feat, fmt.Errorf("vmx: cpu %d: VMX already enabled: %w", c.ID(), hypercall.ErrBusy)
	}

	basic := c.ReadMSR(hw.MSRVMXBasic)
	if (basic>>32)&0x1fff > hw.PageSize {
		return feat, fmt.Errorf("vmx: cpu %d: control structure larger than a page: %w",
			c.ID(), hypercall.ErrIO)
	}
	if (basic>>50)&0xf != eptPointerWriteback {
		return feat, fmt.Errorf("vmx: cpu %d: control structure memory type not write-back: %w",
			c.ID(), hypercall.ErrIO)
	}
	feat.Revision = uint32(basic) & 0x7fffffff
	if basic&(1<<55) != 0 {
		feat.TrueMSROffset = hw.MSRVMXTruePin - hw.MSRVMXPinCtls
	}

	pin := c.ReadMSR(feat.pinCtlsMSR()) >> 32
	if pin&pinNMIExiting == 0 || pin&pinPreemptionTimer == 0 {
		return feat, fmt.Errorf("vmx: cpu %d: no NMI exiting or preemption timer: %w",
			c.ID(), hypercall.ErrIO)
	}

	proc := c.ReadMSR(feat.procCtlsMSR()) >> 32
	if proc&procUseIOBitmaps == 0 || proc&procUseMSRBitmaps == 0 ||
		proc&procSecondaryCtls == 0 {
		return feat, fmt.Errorf("vmx: cpu %d: no I/O or MSR bitmaps or secondary controls: %w",
			c.ID(), hypercall.ErrIO)
	}

	proc2 := c.ReadMSR(hw.MSRVMXProcCtls2) >> 32
	feat.EPTCap = c.ReadMSR(hw.MSRVMXEPTVPIDCap)
	if proc2&proc2VirtualizeAPIC == 0 || proc2&proc2EnableEPT == 0 ||
		feat.EPTCap&eptMandatoryCaps != eptMandatoryCaps ||
		feat.EPTCap&(eptCapInveptSingle|eptCapInveptGlobal) == 0 ||
		proc2&proc2UnrestrictedGuest == 0 {
		return feat, fmt.Errorf("vmx: cpu %d: no APIC access, EPT or unrestricted guest: %w",
			c.ID(), hypercall.ErrIO)
	}

	if c.ReadMSR(hw.MSRVMXMisc)&miscActivityHLT == 0 {
		return feat, fmt.Errorf("vmx: cpu %d: no HLT activity state: %w", c.ID(), hypercall.ErrIO)
	}

	return feat, nil
}

// enable unlocks the feature-control register if the firmware left it
// open, raises CR4.VMXE and enters VMX root operation. On failure CR4
// is restored. Assumes TXT is off.
func enable(c hw.CPU, port hw.VMX, mem hw.Memory, feat Features, vmxonPA uint64) error {
	ctrl := c.ReadMSR(hw.MSRFeatureControl)
	mask := uint64(hw.FeatureControlLocked | hw.FeatureControlVMXOutSMX)
	if ctrl&mask != mask {
		if ctrl&hw.FeatureControlLocked != 0 {
			return fmt.Errorf("vmx: cpu %d: VMX locked off by firmware: %w",
				c.ID(), hypercall.ErrNoDev)
		}
		if err := c.WriteMSR(hw.MSRFeatureControl, ctrl|mask); err != nil {
			return fmt.Errorf("vmx: cpu %d: unlock feature control: %w: %v",
				c.ID(), hypercall.ErrIO, err)
		}
	}

	if err := mem.Write32(vmxonPA, feat.Revision); err != nil {
		return fmt.Errorf("vmx: cpu %d: vmxon region: %w: %v", c.ID(), hypercall.ErrIO, err)
	}

	cr4 := c.ReadCR(4)
	c.WriteCR(4, cr4|hw.CR4VMXE)

	if err := port.TurnOn(vmxonPA); err != nil {
		c.WriteCR(4, cr4)
		return fmt.Errorf("vmx: cpu %d: vmxon: %w: %v", c.ID(), hypercall.ErrIO, err)
	}
	return nil
}
