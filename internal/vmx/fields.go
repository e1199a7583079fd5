package vmx

import "github.com/wardenhv/warden/internal/hw"

// VMCS field encodings, grouped by width class.
const (
	// 16-bit guest state.
	GuestESSelector   hw.VMCSField = 0x0800
	GuestCSSelector   hw.VMCSField = 0x0802
	GuestSSSelector   hw.VMCSField = 0x0804
	GuestDSSelector   hw.VMCSField = 0x0806
	GuestFSSelector   hw.VMCSField = 0x0808
	GuestGSSelector   hw.VMCSField = 0x080a
	GuestLDTRSelector hw.VMCSField = 0x080c
	GuestTRSelector   hw.VMCSField = 0x080e

	// 16-bit host state.
	HostESSelector hw.VMCSField = 0x0c00
	HostCSSelector hw.VMCSField = 0x0c02
	HostSSSelector hw.VMCSField = 0x0c04
	HostDSSelector hw.VMCSField = 0x0c06
	HostFSSelector hw.VMCSField = 0x0c08
	HostGSSelector hw.VMCSField = 0x0c0a
	HostTRSelector hw.VMCSField = 0x0c0c

	// 64-bit control fields.
	IOBitmapA      hw.VMCSField = 0x2000
	IOBitmapB      hw.VMCSField = 0x2002
	MSRBitmapAddr  hw.VMCSField = 0x2004
	APICAccessAddr hw.VMCSField = 0x2014
	EPTPointer     hw.VMCSField = 0x201a

	// 64-bit read-only data.
	GuestPhysicalAddress hw.VMCSField = 0x2400

	// 64-bit guest state.
	VMCSLinkPointer hw.VMCSField = 0x2800
	GuestPAT        hw.VMCSField = 0x2804
	GuestEFER       hw.VMCSField = 0x2806

	// 64-bit host state.
	HostPAT  hw.VMCSField = 0x2c00
	HostEFER hw.VMCSField = 0x2c02

	// 32-bit control fields.
	PinBasedControls   hw.VMCSField = 0x4000
	ProcBasedControls  hw.VMCSField = 0x4002
	ExceptionBitmap    hw.VMCSField = 0x4004
	CR3TargetCount     hw.VMCSField = 0x400a
	ExitControls       hw.VMCSField = 0x400c
	ExitMSRStoreCount  hw.VMCSField = 0x400e
	ExitMSRLoadCount   hw.VMCSField = 0x4010
	EntryControls      hw.VMCSField = 0x4012
	EntryMSRLoadCount  hw.VMCSField = 0x4014
	EntryInterruptInfo hw.VMCSField = 0x4016
	ProcBasedControls2 hw.VMCSField = 0x401e

	// 32-bit read-only data.
	VMInstructionError hw.VMCSField = 0x4400
	ExitReason         hw.VMCSField = 0x4402
	ExitInterruptInfo  hw.VMCSField = 0x4404
	IDTVectoringInfo   hw.VMCSField = 0x4408
	ExitInstructionLen hw.VMCSField = 0x440c

	// 32-bit guest state.
	GuestESLimit          hw.VMCSField = 0x4800
	GuestCSLimit          hw.VMCSField = 0x4802
	GuestSSLimit          hw.VMCSField = 0x4804
	GuestDSLimit          hw.VMCSField = 0x4806
	GuestFSLimit          hw.VMCSField = 0x4808
	GuestGSLimit          hw.VMCSField = 0x480a
	GuestLDTRLimit        hw.VMCSField = 0x480c
	GuestTRLimit          hw.VMCSField = 0x480e
	GuestGDTRLimit        hw.VMCSField = 0x4810
	GuestIDTRLimit        hw.VMCSField = 0x4812
	GuestESAccessRights   hw.VMCSField = 0x4814
	GuestCSAccessRights   hw.VMCSField = 0x4816
	GuestSSAccessRights   hw.VMCSField = 0x4818
	GuestDSAccessRights   hw.VMCSField = 0x481a
	GuestFSAccessRights   hw.VMCSField = 0x481c
	GuestGSAccessRights   hw.VMCSField = 0x481e
	GuestLDTRAccessRights hw.VMCSField = 0x4820
	GuestTRAccessRights   hw.VMCSField = 0x4822
	GuestInterruptibility hw.VMCSField = 0x4824
	GuestActivityState    hw.VMCSField = 0x4826
	GuestSysenterCS       hw.VMCSField = 0x482a
	PreemptionTimer       hw.VMCSField = 0x482e

	// 32-bit host state.
	HostSysenterCS hw.VMCSField = 0x4c00

	// Natural-width control fields.
	CR0GuestHostMask hw.VMCSField = 0x6000
	CR4GuestHostMask hw.VMCSField = 0x6002
	CR0ReadShadow    hw.VMCSField = 0x6004
	CR4ReadShadow    hw.VMCSField = 0x6006

	// Natural-width read-only data.
	ExitQualification  hw.VMCSField = 0x6400
	GuestLinearAddress hw.VMCSField = 0x640a

	// Natural-width guest state.
	GuestCR0          hw.VMCSField = 0x6800
	GuestCR3          hw.VMCSField = 0x6802
	GuestCR4          hw.VMCSField = 0x6804
	GuestESBase       hw.VMCSField = 0x6806
	GuestCSBase       hw.VMCSField = 0x6808
	GuestSSBase       hw.VMCSField = 0x680a
	GuestDSBase       hw.VMCSField = 0x680c
	GuestFSBase       hw.VMCSField = 0x680e
	GuestGSBase       hw.VMCSField = 0x6810
	GuestLDTRBase     hw.VMCSField = 0x6812
	GuestTRBase       hw.VMCSField = 0x6814
	GuestGDTRBase     hw.VMCSField = 0x6816
	GuestIDTRBase     hw.VMCSField = 0x6818
	GuestDR7          hw.VMCSField = 0x681a
	GuestRSP          hw.VMCSField = 0x681c
	GuestRIP          hw.VMCSField = 0x681e
	GuestRFLAGS       hw.VMCSField = 0x6820
	GuestPendingDebug hw.VMCSField = 0x6822
	GuestSysenterESP  hw.VMCSField = 0x6824
	GuestSysenterEIP  hw.VMCSField = 0x6826

	// Natural-width host state.
	HostCR0         hw.VMCSField = 0x6c00
	HostCR3         hw.VMCSField = 0x6c02
	HostCR4         hw.VMCSField = 0x6c04
	HostFSBase      hw.VMCSField = 0x6c06
	HostGSBase      hw.VMCSField = 0x6c08
	HostTRBase      hw.VMCSField = 0x6c0a
	HostGDTRBase    hw.VMCSField = 0x6c0c
	HostIDTRBase    hw.VMCSField = 0x6c0e
	HostSysenterESP hw.VMCSField = 0x6c10
	HostSysenterEIP hw.VMCSField = 0x6c12
	HostRSP         hw.VMCSField = 0x6c14
	HostRIP         hw.VMCSField = 0x6c16
)

// The base, limit and access rights of a guest segment sit at a fixed
// field distance from its selector, so one helper can fill any of them.
const (
	segBase   = GuestESBase - GuestESSelector
	segLimit  = GuestESLimit - GuestESSelector
	segAccess = GuestESAccessRights - GuestESSelector
)

// Pin-based execution controls.
const (
	pinNMIExiting      = 1 << 3
	pinPreemptionTimer = 1 << 6
)

// Primary processor-based execution controls.
const (
	procUseIOBitmaps  = 1 << 25
	procUseMSRBitmaps = 1 << 28
	procSecondaryCtls = 1 << 31
)

// Secondary processor-based execution controls.
const (
	proc2VirtualizeAPIC    = 1 << 0
	proc2EnableEPT         = 1 << 1
	proc2UnrestrictedGuest = 1 << 7
)

// VM-exit controls.
const (
	exitHostAddrSpaceSize = 1 << 9
	exitSaveEFER          = 1 << 20
	exitLoadEFER          = 1 << 21
)

// VM-entry controls.
const (
	entryIA32EMode = 1 << 9
	entryLoadEFER  = 1 << 15
)

// IA32_VMX_EPT_VPID_CAP bits: 4-level walks, write-back tables and 2M
// pages are mandatory, plus at least one invalidation scope.
const (
	eptCapWalk4        = 1 << 6
	eptCapWBType       = 1 << 14
	eptCap2MPage       = 1 << 16
	eptCapInveptSingle = 1 << 25
	eptCapInveptGlobal = 1 << 26

	eptMandatoryCaps = eptCapWalk4 | eptCapWBType | eptCap2MPage
)

// IA32_VMX_MISC: HLT activity state supported.
const miscActivityHLT = 1 << 6

// EPT entry permission and type bits.
const (
	eptRead    = 1 << 0
	eptWrite   = 1 << 1
	eptExecute = 1 << 2
	eptWBType  = 6 << 3
)

// EPT pointer format: write-back paging structures, 4-level walk.
const (
	eptPointerWriteback = 6
	eptPointerWalkLen4  = 3 << 3
)

// Guest activity states.
const (
	activityActive = 0
	activityHLT    = 1
)

// VM-exit reasons the dispatcher distinguishes.
const (
	reasonExceptionNMI    = 0
	reasonCPUID           = 10
	reasonVMCALL          = 18
	reasonCRAccess        = 28
	reasonMSRRead         = 31
	reasonMSRWrite        = 32
	reasonAPICAccess      = 44
	reasonEPTViolation    = 48
	reasonEPTMisconfig    = 49
	reasonPreemptionTimer = 52
	reasonXSETBV          = 55

	reasonFailedEntry = 1 << 31
)

// Fixed lengths of the instructions the dispatcher emulates.
const (
	instLenCPUID   = 2
	instLenRDMSR   = 2
	instLenWRMSR   = 2
	instLenVMCALL  = 3
	instLenMovToCR = 3
	instLenXSETBV  = 3
)

// Exit qualification decoding for APIC-access exits.
const (
	apicAccessTypeMask   = 0xf000
	apicAccessRead       = 0x0000
	apicAccessWrite      = 0x1000
	apicAccessOffsetMask = 0x0fff
)

// Exit qualification decoding for control-register exits.
const (
	crAccessNumMask  = 0xf
	crAccessTypeMask = 3 << 4
	crAccessMovToCR  = 0 << 4
	crAccessRegShift = 8
	crAccessRegMask  = 0xf
)
