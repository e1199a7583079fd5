// Package acpi reads the firmware tables the hypervisor depends on and
// builds them for tests and tooling. Only the DMA remapping table is
// understood; everything else stays with the previous owner of the
// machine.
package acpi

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the size of the common ACPI table header.
const HeaderLen = 36

// Provider supplies raw firmware tables by signature.
type Provider interface {
	// Table returns the full table including its header, or false if
	// the firmware does not publish it.
	Table(sig string) ([]byte, bool)
}

// StaticTables is a Provider backed by a map, used by tests and the
// machine simulator.
type StaticTables map[string][]byte

func (s StaticTables) Table(sig string) ([]byte, bool) {
	t, ok := s[sig]
	return t, ok
}

// Header is the common table header.
type Header struct {
	Signature [4]byte
	Length    uint32
	Revision  uint8
	OEMID     [6]byte
}

// ParseHeader validates length and checksum and returns the header.
func ParseHeader(table []byte) (Header, error) {
	var h Header
	if len(table) < HeaderLen {
		return h, fmt.Errorf("acpi: table of %d bytes is shorter than a header", len(table))
	}
	copy(h.Signature[:], table[:4])
	h.Length = binary.LittleEndian.Uint32(table[4:8])
	h.Revision = table[8]
	copy(h.OEMID[:], table[10:16])

	if int(h.Length) < HeaderLen || int(h.Length) > len(table) {
		return h, fmt.Errorf("acpi: %s: header claims %d bytes, have %d",
			h.Signature, h.Length, len(table))
	}
	if checksum(table[:h.Length]) != 0 {
		return h, fmt.Errorf("acpi: %s: bad checksum", h.Signature)
	}
	return h, nil
}

// checksum sums all bytes; a valid table sums to zero.
func checksum(b []byte) byte {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return sum
}

// fixup finishes a freshly built table: length and checksum byte.
func fixup(table []byte) {
	binary.LittleEndian.PutUint32(table[4:8], uint32(len(table)))
	table[9] = 0
	table[9] = byte(0 - checksum(table))
}
