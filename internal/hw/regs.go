package hw

// GuestRegs is the general-purpose register file saved around VM exits,
// in the order the exit path stores it. RSP lives in the VMCS; the field
// here mirrors it so register-by-index access works during emulation.
type GuestRegs struct {
	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	R11 uint64
	R10 uint64
	R9  uint64
	R8  uint64
	RDI uint64
	RSI uint64
	RBP uint64
	RSP uint64
	RBX uint64
	RDX uint64
	RCX uint64
	RAX uint64
}

// ByIndex returns a register by its hardware encoding (0=RAX .. 15=R15),
// the numbering used in exit qualifications and instruction operands.
func (r *GuestRegs) ByIndex(i int) uint64 {
	switch i {
	case 0:
		return r.RAX
	case 1:
		return r.RCX
	case 2:
		return r.RDX
	case 3:
		return r.RBX
	case 4:
		return r.RSP
	case 5:
		return r.RBP
	case 6:
		return r.RSI
	case 7:
		return r.RDI
	case 8:
		return r.R8
	case 9:
		return r.R9
	case 10:
		return r.R10
	case 11:
		return r.R11
	case 12:
		return r.R12
	case 13:
		return r.R13
	case 14:
		return r.R14
	case 15:
		return r.R15
	}
	return 0
}

// SetByIndex stores a register by its hardware encoding.
func (r *GuestRegs) SetByIndex(i int, v uint64) {
	switch i {
	case 0:
		r.RAX = v
	case 1:
		r.RCX = v
	case 2:
		r.RDX = v
	case 3:
		r.RBX = v
	case 4:
		r.RSP = v
	case 5:
		r.RBP = v
	case 6:
		r.RSI = v
	case 7:
		r.RDI = v
	case 8:
		r.R8 = v
	case 9:
		r.R9 = v
	case 10:
		r.R10 = v
	case 11:
		r.R11 = v
	case 12:
		r.R12 = v
	case 13:
		r.R13 = v
	case 14:
		r.R14 = v
	case 15:
		r.R15 = v
	}
}
