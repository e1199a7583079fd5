package vmx_test

import (
	"errors"
	"testing"

	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/hw/hwsim"
	"github.com/wardenhv/warden/internal/hypercall"
	"github.com/wardenhv/warden/internal/vmx"
)

func TestCheckSupport(t *testing.T) {
	tests := []struct {
		name string
		prep func(c *hwsim.CPU)
		want hypercall.Status
	}{
		{
			name: "capable processor",
			prep: func(*hwsim.CPU) {},
			want: hypercall.StatusOK,
		},
		{
			name: "no VMX",
			prep: func(c *hwsim.CPU) { c.SetCPUID(1, 0, 0x000506e3, 0, 1<<21, 0) },
			want: hypercall.ErrNoDev,
		},
		{
			name: "already in VMX operation",
			prep: func(c *hwsim.CPU) { c.WriteCR(4, hw.CR4VMXE) },
			want: hypercall.ErrBusy,
		},
		{
			name: "oversized control structure",
			prep: func(c *hwsim.CPU) { c.SetMSR(hw.MSRVMXBasic, 0x12|0x1008<<32|6<<50|1<<55) },
			want: hypercall.ErrIO,
		},
		{
			name: "control structure not write-back",
			prep: func(c *hwsim.CPU) { c.SetMSR(hw.MSRVMXBasic, 0x12|0x1000<<32|1<<55) },
			want: hypercall.ErrIO,
		},
		{
			name: "no NMI exiting",
			prep: func(c *hwsim.CPU) { c.SetMSR(hw.MSRVMXTruePin, 0x16|(0x7f&^uint64(1<<3))<<32) },
			want: hypercall.ErrIO,
		},
		{
			name: "no preemption timer",
			prep: func(c *hwsim.CPU) { c.SetMSR(hw.MSRVMXTruePin, 0x16|(0x7f&^uint64(1<<6))<<32) },
			want: hypercall.ErrIO,
		},
		{
			name: "no IO bitmaps",
			prep: func(c *hwsim.CPU) {
				c.SetMSR(hw.MSRVMXTrueProc, 0x0401e172|(0xffffffff&^uint64(1<<25))<<32)
			},
			want: hypercall.ErrIO,
		},
		{
			name: "no MSR bitmaps",
			prep: func(c *hwsim.CPU) {
				c.SetMSR(hw.MSRVMXTrueProc, 0x0401e172|(0xffffffff&^uint64(1<<28))<<32)
			},
			want: hypercall.ErrIO,
		},
		{
			name: "no secondary controls",
			prep: func(c *hwsim.CPU) {
				c.SetMSR(hw.MSRVMXTrueProc, 0x0401e172|(0xffffffff&^uint64(1<<31))<<32)
			},
			want: hypercall.ErrIO,
		},
		{
			name: "no APIC access interposition",
			prep: func(c *hwsim.CPU) { c.SetMSR(hw.MSRVMXProcCtls2, (0xff&^uint64(1<<0))<<32) },
			want: hypercall.ErrIO,
		},
		{
			name: "no nested paging",
			prep: func(c *hwsim.CPU) { c.SetMSR(hw.MSRVMXProcCtls2, (0xff&^uint64(1<<1))<<32) },
			want: hypercall.ErrIO,
		},
		{
			name: "no unrestricted guest",
			prep: func(c *hwsim.CPU) { c.SetMSR(hw.MSRVMXProcCtls2, (0xff&^uint64(1<<7))<<32) },
			want: hypercall.ErrIO,
		},
		{
			name: "no 2M pages",
			prep: func(c *hwsim.CPU) {
				c.SetMSR(hw.MSRVMXEPTVPIDCap, 1<<6|1<<8|1<<14|1<<17|1<<20|1<<25|1<<26)
			},
			want: hypercall.ErrIO,
		},
		{
			name: "no write-back paging structures",
			prep: func(c *hwsim.CPU) {
				c.SetMSR(hw.MSRVMXEPTVPIDCap, 1<<6|1<<8|1<<16|1<<17|1<<20|1<<25|1<<26)
			},
			want: hypercall.ErrIO,
		},
		{
			name: "no invalidation scope",
			prep: func(c *hwsim.CPU) {
				c.SetMSR(hw.MSRVMXEPTVPIDCap, 1<<6|1<<8|1<<14|1<<16|1<<17|1<<20)
			},
			want: hypercall.ErrIO,
		},
		{
			name: "no HLT activity state",
			prep: func(c *hwsim.CPU) { c.SetMSR(hw.MSRVMXMisc, 0) },
			want: hypercall.ErrIO,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mach := hwsim.New(hwsim.Config{CPUs: 1})
			c := mach.CPU(0)
			tc.prep(c)

			feat, err := vmx.CheckSupport(c)
			if tc.want == hypercall.StatusOK {
				if err != nil {
					t.Fatalf("CheckSupport: %v", err)
				}
				if feat.Revision != 0x12 {
					t.Fatalf("revision = %#x, want 0x12", feat.Revision)
				}
				if feat.TrueMSROffset != hw.MSRVMXTruePin-hw.MSRVMXPinCtls {
					t.Fatalf("true MSR offset = %#x, want %#x",
						feat.TrueMSROffset, hw.MSRVMXTruePin-hw.MSRVMXPinCtls)
				}
				if feat.EPTCap == 0 {
					t.Fatal("EPT capabilities not captured")
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("CheckSupport = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCheckSupportLegacyCapabilityMSRs(t *testing.T) {
	mach := hwsim.New(hwsim.Config{CPUs: 1})
	c := mach.CPU(0)

	// Strip the TRUE capability registers and expose the same controls
	// through the original ones, as pre-Westmere parts do.
	c.SetMSR(hw.MSRVMXBasic, 0x12|0x1000<<32|6<<50)
	c.SetMSR(hw.MSRVMXPinCtls, c.ReadMSR(hw.MSRVMXTruePin))
	c.SetMSR(hw.MSRVMXProcCtls, c.ReadMSR(hw.MSRVMXTrueProc))
	c.SetMSR(hw.MSRVMXExitCtls, c.ReadMSR(hw.MSRVMXTrueExit))
	c.SetMSR(hw.MSRVMXEntryCtls, c.ReadMSR(hw.MSRVMXTrueEntry))

	feat, err := vmx.CheckSupport(c)
	if err != nil {
		t.Fatalf("CheckSupport: %v", err)
	}
	if feat.TrueMSROffset != 0 {
		t.Fatalf("true MSR offset = %#x, want 0 without TRUE registers", feat.TrueMSROffset)
	}
}
