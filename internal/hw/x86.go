package hw

// Model-specific registers the engine touches.
const (
	MSRAPICBase       uint32 = 0x0000001b
	MSRFeatureControl uint32 = 0x0000003a
	MSRSysenterCS     uint32 = 0x00000174
	MSRSysenterESP    uint32 = 0x00000175
	MSRSysenterEIP    uint32 = 0x00000176
	MSRPAT            uint32 = 0x00000277

	MSRVMXBasic      uint32 = 0x00000480
	MSRVMXPinCtls    uint32 = 0x00000481
	MSRVMXProcCtls   uint32 = 0x00000482
	MSRVMXExitCtls   uint32 = 0x00000483
	MSRVMXEntryCtls  uint32 = 0x00000484
	MSRVMXMisc       uint32 = 0x00000485
	MSRVMXCR0Fixed0  uint32 = 0x00000486
	MSRVMXCR0Fixed1  uint32 = 0x00000487
	MSRVMXCR4Fixed0  uint32 = 0x00000488
	MSRVMXCR4Fixed1  uint32 = 0x00000489
	MSRVMXProcCtls2  uint32 = 0x0000048b
	MSRVMXEPTVPIDCap uint32 = 0x0000048c
	MSRVMXTruePin    uint32 = 0x0000048d
	MSRVMXTrueProc   uint32 = 0x0000048e
	MSRVMXTrueExit   uint32 = 0x0000048f
	MSRVMXTrueEntry  uint32 = 0x00000490

	// x2APIC register window. Register n of the memory-mapped page at
	// offset n<<4 appears as MSR X2APICBase+n.
	MSRX2APICBase uint32 = 0x00000800
	MSRX2APICEnd  uint32 = 0x0000083f
	MSRX2APICICR  uint32 = 0x00000830

	MSREFER   uint32 = 0xc0000080
	MSRFSBase uint32 = 0xc0000100
	MSRGSBase uint32 = 0xc0000101
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLocked    = 1 << 0
	FeatureControlVMXOutSMX = 1 << 2
)

// IA32_APIC_BASE bits.
const (
	APICBaseEXTD   = 1 << 10
	APICBaseEnable = 1 << 11
)

// CR0 bits.
const (
	CR0PE = 1 << 0  // Protected Mode Enable
	CR0ET = 1 << 4  // Extension Type, fixed to 1
	CR0NE = 1 << 5  // Numeric Error
	CR0NW = 1 << 29 // Not Write-through
	CR0CD = 1 << 30 // Cache Disable
	CR0PG = 1 << 31 // Paging
)

// CR0 state of a CPU that has just been reset.
const CR0Reset = CR0CD | CR0NW | CR0ET

// CR4 bits.
const (
	CR4PAE  = 1 << 5  // Physical Address Extension
	CR4VMXE = 1 << 13 // VMX Enable
)

// EFER bits.
const (
	EFERLME = 1 << 8  // Long Mode Enable
	EFERLMA = 1 << 10 // Long Mode Active
)

// RFLAGS bit 1 is the only bit set after reset.
const RFlagsReserved1 = 1 << 1

// RFlagsVM is the virtual-8086 mode flag.
const RFlagsVM = 1 << 17

// XCR0 x87 state bit, required to be set by XSETBV.
const XCR0FP = 1 << 0

// XAPICBase is the architectural physical base of the memory-mapped local
// APIC page. Every cell gets the virtual APIC page at this guest address.
const XAPICBase = 0xfee00000
