package acpi

import (
	"encoding/binary"
	"fmt"
)

// DMARSignature identifies the DMA remapping reporting table.
const DMARSignature = "DMAR"

// Remapping structure types within a DMAR table.
const (
	dmarTypeDRHD = 0
)

// DRHDIncludeAll marks the unit that covers every device not claimed by
// a more specific unit.
const DRHDIncludeAll = 1 << 0

// DRHD describes one DMA remapping hardware unit.
type DRHD struct {
	Flags        uint8
	Segment      uint16
	RegisterBase uint64
}

// DMAR is the parsed remapping report.
type DMAR struct {
	// HostAddressWidth is the reported width minus one, as in the table.
	HostAddressWidth uint8
	Flags            uint8
	Units            []DRHD
}

// ParseDMAR validates and decodes a DMAR table.
func ParseDMAR(table []byte) (*DMAR, error) {
	h, err := ParseHeader(table)
	if err != nil {
		return nil, err
	}
	if string(h.Signature[:]) != DMARSignature {
		return nil, fmt.Errorf("acpi: expected DMAR table, found %s", h.Signature)
	}
	if h.Length < HeaderLen+12 {
		return nil, fmt.Errorf("acpi: DMAR of %d bytes has no body", h.Length)
	}

	d := &DMAR{
		HostAddressWidth: table[HeaderLen],
		Flags:            table[HeaderLen+1],
	}

	off := HeaderLen + 12
	for off < int(h.Length) {
		if off+4 > int(h.Length) {
			return nil, fmt.Errorf("acpi: DMAR structure header truncated at offset %d", off)
		}
		typ := binary.LittleEndian.Uint16(table[off:])
		length := int(binary.LittleEndian.Uint16(table[off+2:]))
		if length < 4 || off+length > int(h.Length) {
			return nil, fmt.Errorf("acpi: DMAR structure at offset %d has invalid length %d", off, length)
		}

		if typ == dmarTypeDRHD {
			if length < 16 {
				return nil, fmt.Errorf("acpi: DRHD at offset %d is %d bytes, need 16", off, length)
			}
			d.Units = append(d.Units, DRHD{
				Flags:        table[off+4],
				Segment:      binary.LittleEndian.Uint16(table[off+6:]),
				RegisterBase: binary.LittleEndian.Uint64(table[off+8:]),
			})
		}
		// Other structure types belong to features the hypervisor does
		// not use and are skipped.

		off += length
	}
	return d, nil
}

// BuildDMAR encodes a remapping report, for tests and the simulator.
func BuildDMAR(d *DMAR) []byte {
	table := make([]byte, HeaderLen+12)
	copy(table[:4], DMARSignature)
	table[8] = 1 // revision
	copy(table[10:16], "WARDEN")
	copy(table[16:24], "SIMULATE")
	table[HeaderLen] = d.HostAddressWidth
	table[HeaderLen+1] = d.Flags

	for _, u := range d.Units {
		s := make([]byte, 16)
		binary.LittleEndian.PutUint16(s[0:], dmarTypeDRHD)
		binary.LittleEndian.PutUint16(s[2:], 16)
		s[4] = u.Flags
		binary.LittleEndian.PutUint16(s[6:], u.Segment)
		binary.LittleEndian.PutUint64(s[8:], u.RegisterBase)
		table = append(table, s...)
	}

	fixup(table)
	return table
}
