package vmx

import (
	"errors"
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/wardenhv/warden/internal/apic"
	"github.com/wardenhv/warden/internal/hw"
	"github.com/wardenhv/warden/internal/hypercall"
	"github.com/wardenhv/warden/internal/paging"
)

// Guest page tables in the architectural format: four levels, presence
// in bit 0. Walked read-only to fetch the instruction behind an exit.
var guestPageTables = paging.Format{Levels: 4, PresentMask: 1}

const maxInstLen = 15

// handleExit routes one VM exit. A nil return means the guest state was
// advanced and the CPU may reenter; ErrHalted means it may not.
func (v *VCPU) handleExit() error {
	reason := uint32(v.port.Read(ExitReason))
	regs := &v.pc.Regs

	if reason&reasonFailedEntry != 0 {
		return v.fatal("vm entry failure, reason %d", uint16(reason))
	}

	switch reason {
	case reasonExceptionNMI:
		v.cpu.RaiseNMI()
		fallthrough
	case reasonPreemptionTimer:
		v.disablePreemptionTimer()
		return v.handleEvents()
	case reasonCPUID:
		v.handleCPUID(regs)
		return nil
	case reasonVMCALL:
		return v.handleHypercall(regs)
	case reasonCRAccess:
		return v.handleCR(regs)
	case reasonMSRRead:
		return v.handleMSRRead(regs)
	case reasonMSRWrite:
		return v.handleMSRWrite(regs)
	case reasonAPICAccess:
		return v.handleAPICAccess(regs)
	case reasonXSETBV:
		return v.handleXSETBV(regs)
	}
	return v.fatal("unhandled VM exit, reason %d", reason)
}

// handleEvents runs after an NMI or a scheduled exit: the CPU parks
// while suspended, enters its reset state on INIT and leaves it again
// on a startup signal.
func (v *VCPU) handleEvents() error {
	vector := v.irq.HandleEvents(v.pc.ID, v.cpu.Relax)
	if vector >= 0 {
		v.log.Info("cpu received startup signal",
			"cpu", v.pc.ID, "vector", fmt.Sprintf("%#x", vector))
		if err := v.Reset(uint32(vector)); err != nil {
			return v.fatal("guest reset: %v", err)
		}
		v.pc.WaitForSIPI = false
		return nil
	}
	if v.irq.WaitingForSIPI(v.pc.ID) && !v.pc.WaitForSIPI {
		v.pc.WaitForSIPI = true
		if err := v.Park(); err != nil {
			return v.fatal("parking cpu: %v", err)
		}
	}
	return nil
}

func (v *VCPU) handleCPUID(regs *hw.GuestRegs) {
	v.skipInstruction(instLenCPUID)
	eax, ebx, ecx, edx := v.cpu.CPUID(uint32(regs.RAX), uint32(regs.RCX))
	regs.RAX = uint64(eax)
	regs.RBX = uint64(ebx)
	regs.RCX = uint64(ecx)
	regs.RDX = uint64(edx)
}

// handleHypercall decodes the management ABI: call number in RAX, first
// argument in RDI, status back in RAX. Only ring 0 outside virtual-8086
// mode may call.
func (v *VCPU) handleHypercall(regs *hw.GuestRegs) error {
	v.skipInstruction(instLenVMCALL)

	lma := v.port.Read(GuestEFER)&hw.EFERLMA != 0
	v86 := v.port.Read(GuestRFLAGS)&hw.RFlagsVM != 0
	if (!lma && v86) || v.port.Read(GuestCSSelector)&3 != 0 {
		regs.RAX = hypercall.ErrPerm.Bits()
		return nil
	}

	switch code := regs.RAX; code {
	case hypercall.Disable:
		status := hypercall.FromError(v.cells.Shutdown(v))
		regs.RAX = status.Bits()
		if status == hypercall.StatusOK {
			v.Deactivate()
		}
	case hypercall.CellCreate:
		regs.RAX = hypercall.FromError(v.cells.Create(v, regs.RDI)).Bits()
	case hypercall.CellDestroy:
		regs.RAX = hypercall.FromError(v.cells.Destroy(v, regs.RDI)).Bits()
	default:
		v.log.Info("unknown hypercall",
			"cpu", v.pc.ID, "code", code,
			"rip", fmt.Sprintf("%#x", v.port.Read(GuestRIP)-instLenVMCALL))
		regs.RAX = hypercall.ErrNoSys.Bits()
	}
	return nil
}

// handleCR reloads CR0 or CR4 through the fixed-bit mask when the guest
// flips a pinned bit. Only the mov-to-CR form is expected; everything
// else the hardware either handles or has no business trapping.
func (v *VCPU) handleCR(regs *hw.GuestRegs) error {
	qual := v.port.Read(ExitQualification)
	cr := int(qual & crAccessNumMask)

	if qual&crAccessTypeMask == crAccessMovToCR && (cr == 0 || cr == 4) {
		reg := int(qual>>crAccessRegShift) & crAccessRegMask
		var val uint64
		if reg == 4 {
			val = v.port.Read(GuestRSP)
		} else {
			val = regs.ByIndex(reg)
		}

		v.skipInstruction(instLenMovToCR)
		w := &fieldWriter{port: v.port}
		v.setGuestCR(w, cr, val)
		if cr == 0 && val&hw.CR0PG != 0 {
			v.updateEFER(w)
		}
		if w.err != nil {
			return v.fatal("cr%d load: %v", cr, w.err)
		}
		return nil
	}
	return v.fatal("unhandled CR access, qualification %#x", qual)
}

func (v *VCPU) handleMSRRead(regs *hw.GuestRegs) error {
	v.skipInstruction(instLenRDMSR)

	msr := uint32(regs.RCX)
	if msr < hw.MSRX2APICBase || msr > hw.MSRX2APICEnd {
		return v.fatal("unhandled MSR read: %#x", msr)
	}

	if msr == hw.MSRX2APICICR {
		icr := v.irq.ReadICR(v.pc.ID)
		regs.RAX = icr & 0xffffffff
		regs.RDX = icr >> 32
		return nil
	}
	val, err := v.irq.ReadReg(v.pc.ID, msr-hw.MSRX2APICBase)
	if err != nil {
		return v.fatal("unhandled MSR read: %#x: %v", msr, err)
	}
	regs.RAX = uint64(val)
	regs.RDX = 0
	return nil
}

func (v *VCPU) handleMSRWrite(regs *hw.GuestRegs) error {
	v.skipInstruction(instLenWRMSR)

	msr := uint32(regs.RCX)
	switch {
	case msr == hw.MSRX2APICICR:
		err := v.irq.WriteICR(v.pc.ID, regs.RDX<<32|regs.RAX&0xffffffff)
		return v.apicDeliveryResult(err)
	case msr >= hw.MSRX2APICBase && msr <= hw.MSRX2APICEnd:
		err := v.irq.WriteReg(v.pc.ID, msr-hw.MSRX2APICBase, uint32(regs.RAX))
		if err != nil && !errors.Is(err, apic.ErrBadIPI) {
			return v.fatal("unhandled MSR write: %#x: %v", msr, err)
		}
		return v.apicDeliveryResult(err)
	}
	return v.fatal("unhandled MSR write: %#x", msr)
}

// apicDeliveryResult sorts interrupt model errors: a command the model
// refuses is the guest's problem and only logged, the guest keeps
// running. Anything else means the engine mishandled a trap.
func (v *VCPU) apicDeliveryResult(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apic.ErrBadIPI):
		v.log.Warn("dropped interrupt command", "cpu", v.pc.ID, "err", err)
		return nil
	}
	return v.fatal("interrupt delivery: %v", err)
}

// handleAPICAccess emulates one load or store to the trapped APIC page.
// The faulting instruction is fetched through the guest's own page
// tables and must be a 32-bit aligned MOV; the register contents come
// from and go to the interrupt model.
func (v *VCPU) handleAPICAccess(regs *hw.GuestRegs) error {
	qual := v.port.Read(ExitQualification)

	switch qual & apicAccessTypeMask {
	case apicAccessRead, apicAccessWrite:
	default:
		return v.fatal("unhandled APIC access, qualification %#x", qual)
	}

	offset := qual & apicAccessOffsetMask
	if offset&0xf != 0 {
		return v.fatal("misaligned APIC access at offset %#x", offset)
	}
	reg := uint32(offset >> 4)
	isWrite := qual&apicAccessTypeMask == apicAccessWrite

	inst, err := v.fetchInstruction()
	if err != nil {
		return v.fatal("APIC access instruction fetch: %v", err)
	}

	instLen, err := v.emulateAPICMov(regs, inst, reg, isWrite)
	if err != nil {
		if errors.Is(err, apic.ErrBadIPI) {
			v.log.Warn("dropped interrupt command", "cpu", v.pc.ID, "err", err)
		} else {
			return v.fatal("APIC access at register %#x: %v", reg, err)
		}
	}
	v.skipInstruction(uint64(instLen))
	return nil
}

// fetchInstruction reads up to one instruction's worth of bytes at the
// guest's RIP, walking its page tables and minding the page boundary.
func (v *VCPU) fetchInstruction() ([]byte, error) {
	cr3 := v.port.Read(GuestCR3)
	rip := v.port.Read(GuestRIP)

	buf := make([]byte, 0, maxInstLen)
	for len(buf) < maxInstLen {
		va := rip + uint64(len(buf))
		pa, _, page, err := paging.Walk(v.mem, cr3, guestPageTables, va)
		if err != nil {
			if len(buf) > 0 {
				return buf, nil
			}
			return nil, err
		}
		n := page - va&(page-1)
		if left := uint64(maxInstLen - len(buf)); n > left {
			n = left
		}
		chunk := make([]byte, n)
		if err := v.mem.ReadBytes(pa, chunk); err != nil {
			return nil, err
		}
		buf = append(buf, chunk...)
	}
	return buf, nil
}

func (v *VCPU) decodeMode() int {
	ar := v.port.Read(GuestCSAccessRights)
	switch {
	case v.port.Read(GuestEFER)&hw.EFERLMA != 0 && ar&(1<<13) != 0:
		return 64
	case ar&(1<<14) != 0:
		return 32
	}
	return 16
}

// emulateAPICMov decodes and performs the trapped access. Returns the
// instruction length to skip. Only 32-bit MOV between a register or
// immediate and the APIC page is accepted.
func (v *VCPU) emulateAPICMov(regs *hw.GuestRegs, code []byte, reg uint32, isWrite bool) (int, error) {
	inst, err := x86asm.Decode(code, v.decodeMode())
	if err != nil {
		return 0, fmt.Errorf("decode: %w", err)
	}
	if inst.Op != x86asm.MOV {
		return 0, fmt.Errorf("unsupported instruction %v", inst.Op)
	}

	if isWrite {
		if _, ok := inst.Args[0].(x86asm.Mem); !ok {
			return 0, fmt.Errorf("store without memory destination: %v", inst)
		}
		var val uint32
		switch src := inst.Args[1].(type) {
		case x86asm.Reg:
			idx, ok := gpIndex32(src)
			if !ok {
				return 0, fmt.Errorf("unsupported store operand %v", src)
			}
			val = uint32(regs.ByIndex(idx))
		case x86asm.Imm:
			val = uint32(src)
		default:
			return 0, fmt.Errorf("unsupported store operand %v", inst.Args[1])
		}
		return inst.Len, v.irq.WriteReg(v.pc.ID, reg, val)
	}

	dst, ok := inst.Args[0].(x86asm.Reg)
	if !ok {
		return 0, fmt.Errorf("load without register destination: %v", inst)
	}
	idx, ok := gpIndex32(dst)
	if !ok {
		return 0, fmt.Errorf("unsupported load operand %v", dst)
	}
	val, err := v.irq.ReadReg(v.pc.ID, reg)
	if err != nil {
		return 0, err
	}
	regs.SetByIndex(idx, uint64(val))
	return inst.Len, nil
}

// gpIndex32 maps a 32-bit register operand to its hardware encoding.
func gpIndex32(r x86asm.Reg) (int, bool) {
	if r >= x86asm.EAX && r <= x86asm.R15L {
		return int(r - x86asm.EAX), true
	}
	return 0, false
}

func (v *VCPU) handleXSETBV(regs *hw.GuestRegs) error {
	v.skipInstruction(instLenXSETBV)

	supported, _, _, _ := v.cpu.CPUID(0xd, 0)
	if regs.RAX&hw.XCR0FP != 0 &&
		regs.RAX&^uint64(supported) == 0 &&
		regs.RCX == 0 && regs.RDX == 0 {
		v.cpu.SetXCR0(regs.RAX)
		return nil
	}
	return v.fatal("invalid xsetbv, xcr %d value %#x:%#x", regs.RCX, regs.RDX, regs.RAX)
}

// fatal dumps the machine state to the console and stops the CPU. None
// of its callers can give the guest back control without giving up
// isolation.
func (v *VCPU) fatal(format string, args ...any) error {
	fmt.Fprintf(v.console, "FATAL: "+format+"\n", args...)
	v.dumpGuestState()
	v.cpu.Halt()
	return ErrHalted
}

func (v *VCPU) dumpGuestState() {
	r := v.port.Read
	regs := &v.pc.Regs

	fmt.Fprintf(v.console, "CPU %d guest state:\n", v.pc.ID)
	fmt.Fprintf(v.console, "RIP: %#x RSP: %#x FLAGS: %#x\n",
		r(GuestRIP), r(GuestRSP), r(GuestRFLAGS))
	fmt.Fprintf(v.console, "RAX: %#x RBX: %#x RCX: %#x\n",
		regs.RAX, regs.RBX, regs.RCX)
	fmt.Fprintf(v.console, "RDX: %#x RSI: %#x RDI: %#x\n",
		regs.RDX, regs.RSI, regs.RDI)
	fmt.Fprintf(v.console, "CS: %#x BASE: %#x AR-BYTES: %#x EFER.LMA %t\n",
		r(GuestCSSelector), r(GuestCSBase), r(GuestCSAccessRights),
		r(EntryControls)&entryIA32EMode != 0)
	fmt.Fprintf(v.console, "CR0: %#x CR3: %#x CR4: %#x\n",
		r(GuestCR0), r(GuestCR3), r(GuestCR4))
	fmt.Fprintf(v.console, "EFER: %#x\n", r(GuestEFER))

	reason := uint32(r(ExitReason))
	fmt.Fprintf(v.console, "exit reason %d qualification %#x\n",
		reason&^reasonFailedEntry, r(ExitQualification))
	fmt.Fprintf(v.console, "vectoring info: %#x interrupt info: %#x\n",
		r(IDTVectoringInfo), r(ExitInterruptInfo))
	if reason == reasonEPTViolation || reason == reasonEPTMisconfig {
		fmt.Fprintf(v.console, "guest phys addr %#x guest linear addr %#x\n",
			r(GuestPhysicalAddress), r(GuestLinearAddress))
	}
}
