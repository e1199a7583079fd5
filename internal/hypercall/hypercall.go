// Package hypercall fixes the guest-visible ABI: call numbers, argument
// registers and numeric status codes. Guests issue VMCALL with the code in
// RAX and the first argument in RDI; the result comes back in RAX.
package hypercall

import (
	"errors"
	"fmt"
)

// Call numbers.
const (
	Disable     = 0
	CellCreate  = 1
	CellDestroy = 2
)

// Status is the signed result written back to the guest. Zero is success;
// failures are negated errno values.
type Status int64

const (
	StatusOK Status = 0

	ErrPerm  Status = -1  // caller lacks the privilege or cell
	ErrNoEnt Status = -2  // no cell with that id
	ErrIO    Status = -5  // hardware refused a field or register
	ErrNoMem Status = -12 // page pool exhausted
	ErrBusy  Status = -16 // resource already in use
	ErrExist Status = -17 // cell id already taken
	ErrNoDev Status = -19 // required hardware capability missing
	ErrInval Status = -22 // malformed or inadmissible configuration
	ErrRange Status = -34 // id outside the supported range
	ErrNoSys Status = -38 // unknown hypercall code
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case ErrPerm:
		return "operation not permitted"
	case ErrNoEnt:
		return "no such cell"
	case ErrIO:
		return "hardware error"
	case ErrNoMem:
		return "out of memory"
	case ErrBusy:
		return "busy"
	case ErrExist:
		return "already exists"
	case ErrNoDev:
		return "no such device"
	case ErrInval:
		return "invalid argument"
	case ErrRange:
		return "out of range"
	case ErrNoSys:
		return "unknown hypercall"
	}
	return fmt.Sprintf("status %d", int64(s))
}

// Error lets a non-OK Status travel as a Go error.
func (s Status) Error() string { return s.String() }

// Bits returns the status as the register image handed back to the
// guest: the two's-complement form of the signed value.
func (s Status) Bits() uint64 { return uint64(s) }

// Failed reports whether s is an error status.
func (s Status) Failed() bool { return s != StatusOK }

// FromError converts an engine error into the guest-visible status. It
// unwraps to the innermost Status if one is in the chain and falls back
// to ErrInval for everything else.
func FromError(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return ErrInval
}

// Wrap attaches a status to an error so FromError can recover it.
func Wrap(s Status, err error) error {
	if err == nil {
		if s == StatusOK {
			return nil
		}
		return s
	}
	return fmt.Errorf("%w: %w", s, err)
}
