package vmx

import (
	"fmt"

	"github.com/wardenhv/warden/internal/apic"
	"github.com/wardenhv/warden/internal/hw"
)

// Segment is the loaded state of one guest segment register.
type Segment struct {
	Selector     uint16
	Base         uint64
	Limit        uint32
	AccessRights uint32
}

// The "unusable" access-rights encoding.
var invalidSegment = Segment{AccessRights: 0x10000}

// fieldWriter turns a block of VMCS stores into straight-line code by
// holding on to the first failure. A single bad field poisons the whole
// setup, so later writes are skipped.
type fieldWriter struct {
	port hw.VMX
	err  error
}

func (w *fieldWriter) write(f hw.VMCSField, v uint64) {
	if w.err != nil {
		return
	}
	if err := w.port.Write(f, v); err != nil {
		w.err = fmt.Errorf("field %#x: %w", uint32(f), err)
	}
}

func (w *fieldWriter) writeSegment(selector hw.VMCSField, seg Segment) {
	w.write(selector, uint64(seg.Selector))
	w.write(selector+segBase, seg.Base)
	w.write(selector+segLimit, uint64(seg.Limit))
	w.write(selector+segAccess, uint64(seg.AccessRights))
}

// setGuestCR loads a guest control register through the fixed-bit mask.
// Bits the hardware pins are forced on, the guest sees its own value
// through the read shadow, and writes flipping pinned bits trap. CR0's
// protection and paging bits stay guest-ownable for unrestricted mode;
// CR4 always carries VMXE so the hypervisor stays enabled.
func (v *VCPU) setGuestCR(w *fieldWriter, cr int, val uint64) {
	var fixed0, fixed1 uint64
	if cr == 0 {
		fixed0 = v.cpu.ReadMSR(hw.MSRVMXCR0Fixed0)
		fixed1 = v.cpu.ReadMSR(hw.MSRVMXCR0Fixed1)
	} else {
		fixed0 = v.cpu.ReadMSR(hw.MSRVMXCR4Fixed0)
		fixed1 = v.cpu.ReadMSR(hw.MSRVMXCR4Fixed1)
	}
	required1 := fixed0 & fixed1

	guest, shadow, mask := GuestCR0, CR0ReadShadow, CR0GuestHostMask
	if cr == 0 {
		fixed1 &^= hw.CR0NW | hw.CR0CD
		required1 &^= hw.CR0PE | hw.CR0PG
		required1 |= hw.CR0ET
	} else {
		val |= hw.CR4VMXE
		guest, shadow, mask = GuestCR4, CR4ReadShadow, CR4GuestHostMask
	}

	w.write(guest, val&fixed1|required1)
	w.write(shadow, val)
	w.write(mask, required1|^fixed1)
}

// updateEFER keeps the long-mode-active bit and the entry controls in
// step once the guest turns paging on with long mode enabled.
func (v *VCPU) updateEFER(w *fieldWriter) {
	efer := v.port.Read(GuestEFER)
	if efer&(hw.EFERLME|hw.EFERLMA) != hw.EFERLME {
		return
	}
	w.write(GuestEFER, efer|hw.EFERLMA)
	w.write(EntryControls, v.port.Read(EntryControls)|entryIA32EMode)
}

// setCellConfig points the active control structure at the isolation
// artifacts of the cell this CPU belongs to.
func (v *VCPU) setCellConfig(w *fieldWriter) {
	t := v.tables
	w.write(IOBitmapA, t.IOBitmapPA())
	w.write(IOBitmapB, t.IOBitmapPA()+hw.PageSize)
	w.write(EPTPointer, t.Root()|eptPointerWriteback|eptPointerWalkLen4)
}

// Hypervisor GDT layout: null descriptor, code, TSS.
const (
	gdtDescCode = 1
	gdtDescTSS  = 2
)

// setupVMCS populates every host, guest and control field of a freshly
// loaded control structure. Host state is the hypervisor's own context,
// guest state is seeded from the saved pre-virtualization context.
func (v *VCPU) setupVMCS() error {
	w := &fieldWriter{port: v.port}
	saved := &v.pc.Saved

	w.write(HostCR0, v.cpu.ReadCR(0))
	w.write(HostCR3, v.cpu.ReadCR(3))
	w.write(HostCR4, v.cpu.ReadCR(4))

	w.write(HostCSSelector, gdtDescCode*8)
	w.write(HostDSSelector, 0)
	w.write(HostESSelector, 0)
	w.write(HostSSSelector, 0)
	w.write(HostFSSelector, 0)
	w.write(HostGSSelector, 0)
	w.write(HostTRSelector, gdtDescTSS*8)

	w.write(HostFSBase, 0)
	w.write(HostGSBase, 0)
	w.write(HostTRBase, 0)

	w.write(HostGDTRBase, v.host.GDTRBase)
	w.write(HostIDTRBase, v.host.IDTRBase)

	w.write(HostEFER, hw.EFERLMA|hw.EFERLME)

	w.write(HostSysenterCS, 0)
	w.write(HostSysenterEIP, 0)
	w.write(HostSysenterESP, 0)

	w.write(HostRSP, v.host.StackTop)
	w.write(HostRIP, v.host.ExitPC)

	v.setGuestCR(w, 0, saved.CR0)
	v.setGuestCR(w, 4, saved.CR4)

	w.write(GuestCR3, saved.CR3)

	w.writeSegment(GuestCSSelector, Segment{
		Selector:     saved.CS,
		Limit:        0xfffff,
		AccessRights: 0xa09b,
	})
	w.writeSegment(GuestDSSelector, dataSegment(saved.DS, 0))
	w.writeSegment(GuestESSelector, dataSegment(saved.ES, 0))
	w.writeSegment(GuestFSSelector, dataSegment(saved.FS, saved.FSBase))
	w.writeSegment(GuestGSSelector, dataSegment(saved.GS, saved.GSBase))
	w.writeSegment(GuestSSSelector, invalidSegment)
	w.writeSegment(GuestTRSelector, Segment{
		Selector:     saved.TR,
		Limit:        0x67,
		AccessRights: 0x8b,
	})
	w.writeSegment(GuestLDTRSelector, invalidSegment)

	w.write(GuestGDTRBase, saved.GDTRBase)
	w.write(GuestGDTRLimit, uint64(saved.GDTRLimit))
	w.write(GuestIDTRBase, saved.IDTRBase)
	w.write(GuestIDTRLimit, uint64(saved.IDTRLimit))

	w.write(GuestRFLAGS, hw.RFlagsReserved1)
	w.write(GuestRSP, saved.RSP)
	w.write(GuestRIP, saved.RIP)

	w.write(GuestSysenterCS, v.cpu.ReadMSR(hw.MSRSysenterCS))
	w.write(GuestSysenterEIP, v.cpu.ReadMSR(hw.MSRSysenterEIP))
	w.write(GuestSysenterESP, v.cpu.ReadMSR(hw.MSRSysenterESP))

	w.write(GuestDR7, 0x00000400)

	w.write(GuestActivityState, activityActive)
	w.write(GuestInterruptibility, 0)
	w.write(GuestPendingDebug, 0)

	w.write(GuestEFER, saved.EFER)

	w.write(VMCSLinkPointer, ^uint64(0))
	w.write(EntryInterruptInfo, 0)

	pin := uint32(v.cpu.ReadMSR(v.feat.pinCtlsMSR()))
	pin |= pinNMIExiting
	w.write(PinBasedControls, uint64(pin))

	w.write(PreemptionTimer, 0)

	proc := uint32(v.cpu.ReadMSR(v.feat.procCtlsMSR()))
	proc |= procUseIOBitmaps | procUseMSRBitmaps | procSecondaryCtls
	w.write(ProcBasedControls, uint64(proc))

	w.write(MSRBitmapAddr, v.host.MSRBitmapPA)

	proc2 := uint32(v.cpu.ReadMSR(hw.MSRVMXProcCtls2))
	proc2 |= proc2VirtualizeAPIC | proc2EnableEPT | proc2UnrestrictedGuest
	w.write(ProcBasedControls2, uint64(proc2))

	w.write(APICAccessAddr, v.host.APICPagePA)

	v.setCellConfig(w)

	w.write(ExceptionBitmap, 0)

	exit := uint32(v.cpu.ReadMSR(v.feat.exitCtlsMSR()))
	exit |= exitHostAddrSpaceSize | exitSaveEFER | exitLoadEFER
	w.write(ExitControls, uint64(exit))

	w.write(ExitMSRStoreCount, 0)
	w.write(ExitMSRLoadCount, 0)
	w.write(EntryMSRLoadCount, 0)

	entry := uint32(v.cpu.ReadMSR(v.feat.entryCtlsMSR()))
	entry |= entryIA32EMode | entryLoadEFER
	w.write(EntryControls, uint64(entry))

	w.write(CR4GuestHostMask, 0)

	w.write(CR3TargetCount, 0)

	return w.err
}

func dataSegment(sel uint16, base uint64) Segment {
	return Segment{
		Selector:     sel,
		Base:         base,
		Limit:        0xfffff,
		AccessRights: 0xc093,
	}
}

// Reset places the guest CPU in the architectural power-on state, about
// to fetch from the given startup vector. The distinguished boot vector
// resets to the canonical reset entry point instead.
func (v *VCPU) Reset(sipiVector uint32) error {
	w := &fieldWriter{port: v.port}

	v.setGuestCR(w, 0, hw.CR0Reset)
	v.setGuestCR(w, 4, 0)

	w.write(GuestCR3, 0)

	w.write(GuestRFLAGS, hw.RFlagsReserved1)
	w.write(GuestRSP, 0)

	var rip uint64
	if sipiVector == apic.BSPPseudoSIPI {
		rip = 0xfff0
		sipiVector = 0xf0
	}
	w.write(GuestRIP, rip)

	w.writeSegment(GuestCSSelector, Segment{
		Selector:     uint16(sipiVector) << 8,
		Base:         uint64(sipiVector) << 12,
		Limit:        0xffff,
		AccessRights: 0x009b,
	})

	realSeg := Segment{Limit: 0xffff, AccessRights: 0x0093}
	w.writeSegment(GuestDSSelector, realSeg)
	w.writeSegment(GuestESSelector, realSeg)
	w.writeSegment(GuestFSSelector, realSeg)
	w.writeSegment(GuestGSSelector, realSeg)
	w.writeSegment(GuestSSSelector, realSeg)
	w.writeSegment(GuestTRSelector, Segment{Limit: 0xffff, AccessRights: 0x008b})
	w.writeSegment(GuestLDTRSelector, Segment{Limit: 0xffff, AccessRights: 0x0082})

	w.write(GuestGDTRBase, 0)
	w.write(GuestGDTRLimit, 0xffff)
	w.write(GuestIDTRBase, 0)
	w.write(GuestIDTRLimit, 0xffff)

	w.write(GuestEFER, 0)

	w.write(GuestSysenterCS, 0)
	w.write(GuestSysenterEIP, 0)
	w.write(GuestSysenterESP, 0)

	w.write(GuestDR7, 0x00000400)

	w.write(GuestActivityState, activityActive)
	w.write(GuestInterruptibility, 0)
	w.write(GuestPendingDebug, 0)

	w.write(EntryControls, v.port.Read(EntryControls)&^uint64(entryIA32EMode))

	v.setCellConfig(w)

	v.pc.Regs = hw.GuestRegs{}

	if w.err != nil {
		return fmt.Errorf("vmx: cpu %d: guest reset: %w", v.cpu.ID(), w.err)
	}
	return nil
}

// Park idles a guest CPU that has nothing to run: flags cleared, halted
// activity state. A startup signal brings it back through Reset.
func (v *VCPU) Park() error {
	w := &fieldWriter{port: v.port}
	w.write(GuestRFLAGS, hw.RFlagsReserved1)
	w.write(GuestActivityState, activityHLT)
	if w.err != nil {
		return fmt.Errorf("vmx: cpu %d: park: %w", v.cpu.ID(), w.err)
	}
	return nil
}
