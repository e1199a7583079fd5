package config

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Binary descriptor identity. Revision changes whenever the layout does;
// a cell built for another revision is rejected, never reinterpreted.
var signature = [6]byte{'W', 'A', 'R', 'D', 'E', 'N'}

const (
	// Revision of the binary layout.
	Revision = 1

	kindSystem = 'S'
	kindCell   = 'C'
)

// ErrBadDescriptor is wrapped by all unmarshal failures.
var ErrBadDescriptor = errors.New("config: bad descriptor")

// HeaderLen is the encoded length of a cell descriptor's fixed prefix,
// the blob header followed by the cell header. The counts inside it give
// the full descriptor length via DescriptorLen, so a consumer fetching a
// descriptor from foreign memory knows how much to read.
const HeaderLen = 56

type blobHeader struct {
	Signature [6]byte
	Kind      uint8
	Revision  uint8
}

type cellHeader struct {
	Name       [NameLen]byte
	CPUWords   uint16
	Reserved   uint16
	NumRegions uint32
	NumDevices uint32
	PIOLen     uint32
}

type regionRec struct {
	Phys  uint64
	Virt  uint64
	Size  uint64
	Flags uint32
}

type deviceRec struct {
	Domain uint16
	Bus    uint8
	Devfn  uint8
}

type systemHeader struct {
	HypervisorPhys uint64
	HypervisorSize uint64
	ConfigPhys     uint64
	ConfigSize     uint64
}

// MarshalCell encodes a cell descriptor.
func MarshalCell(c *Cell) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCell(&buf, c, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCell(buf *bytes.Buffer, c *Cell, withBlobHeader bool) error {
	if len(c.Name) == 0 || len(c.Name) >= NameLen {
		return fmt.Errorf("config: cell name %q must be 1..%d bytes", c.Name, NameLen-1)
	}
	pio := c.PIOBitmap
	if pio == nil {
		pio = TrapAllPIO()
	}
	if len(pio) != PIOBitmapLen {
		return fmt.Errorf("config: pio bitmap of %d bytes, want %d", len(pio), PIOBitmapLen)
	}

	if withBlobHeader {
		bh := blobHeader{Signature: signature, Kind: kindCell, Revision: Revision}
		if err := binary.Write(buf, binary.LittleEndian, &bh); err != nil {
			return err
		}
	}

	var hdr cellHeader
	copy(hdr.Name[:], c.Name)
	hdr.CPUWords = uint16(len(c.CPUs))
	hdr.NumRegions = uint32(len(c.Regions))
	hdr.NumDevices = uint32(len(c.Devices))
	hdr.PIOLen = PIOBitmapLen
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}
	if err := binary.Write(buf, binary.LittleEndian, []uint64(c.CPUs)); err != nil {
		return err
	}
	for _, r := range c.Regions {
		rec := regionRec{Phys: r.Phys, Virt: r.Virt, Size: r.Size, Flags: uint32(r.Flags)}
		if err := binary.Write(buf, binary.LittleEndian, &rec); err != nil {
			return err
		}
	}
	for _, d := range c.Devices {
		rec := deviceRec{Domain: d.Domain, Bus: d.Bus, Devfn: d.Devfn}
		if err := binary.Write(buf, binary.LittleEndian, &rec); err != nil {
			return err
		}
	}
	buf.Write(pio)
	return nil
}

// UnmarshalCell decodes a cell descriptor.
func UnmarshalCell(b []byte) (*Cell, error) {
	r := bytes.NewReader(b)
	if err := readBlobHeader(r, kindCell); err != nil {
		return nil, err
	}
	return readCell(r)
}

// DescriptorLen reports the full encoded length of the cell descriptor
// whose fixed prefix b carries, at least HeaderLen bytes.
func DescriptorLen(b []byte) (int, error) {
	r := bytes.NewReader(b)
	if err := readBlobHeader(r, kindCell); err != nil {
		return 0, err
	}
	var hdr cellHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, fmt.Errorf("%w: truncated cell header", ErrBadDescriptor)
	}
	if err := checkCounts(&hdr); err != nil {
		return 0, err
	}
	n := HeaderLen
	n += int(hdr.CPUWords) * 8
	n += int(hdr.NumRegions) * binary.Size(regionRec{})
	n += int(hdr.NumDevices) * binary.Size(deviceRec{})
	n += int(hdr.PIOLen)
	return n, nil
}

// SystemHeaderLen is the encoded length of a system descriptor's fixed
// prefix: the blob header, the system header, and the root cell's
// header. See HeaderLen.
const SystemHeaderLen = 88

// SystemDescriptorLen reports the full encoded length of the system
// descriptor whose fixed prefix b carries, at least SystemHeaderLen
// bytes.
func SystemDescriptorLen(b []byte) (int, error) {
	r := bytes.NewReader(b)
	if err := readBlobHeader(r, kindSystem); err != nil {
		return 0, err
	}
	var sh systemHeader
	if err := binary.Read(r, binary.LittleEndian, &sh); err != nil {
		return 0, fmt.Errorf("%w: truncated system header", ErrBadDescriptor)
	}
	var hdr cellHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, fmt.Errorf("%w: truncated cell header", ErrBadDescriptor)
	}
	if err := checkCounts(&hdr); err != nil {
		return 0, err
	}
	n := SystemHeaderLen
	n += int(hdr.CPUWords) * 8
	n += int(hdr.NumRegions) * binary.Size(regionRec{})
	n += int(hdr.NumDevices) * binary.Size(deviceRec{})
	n += int(hdr.PIOLen)
	return n, nil
}

func readBlobHeader(r *bytes.Reader, kind uint8) error {
	var bh blobHeader
	if err := binary.Read(r, binary.LittleEndian, &bh); err != nil {
		return fmt.Errorf("%w: truncated header", ErrBadDescriptor)
	}
	if bh.Signature != signature {
		return fmt.Errorf("%w: signature %q", ErrBadDescriptor, bh.Signature[:])
	}
	if bh.Kind != kind {
		return fmt.Errorf("%w: kind %q, want %q", ErrBadDescriptor, bh.Kind, kind)
	}
	if bh.Revision != Revision {
		return fmt.Errorf("%w: revision %d, want %d", ErrBadDescriptor, bh.Revision, Revision)
	}
	return nil
}

func checkCounts(hdr *cellHeader) error {
	if hdr.PIOLen != PIOBitmapLen {
		return fmt.Errorf("%w: pio bitmap of %d bytes", ErrBadDescriptor, hdr.PIOLen)
	}
	// Arbitrary but generous caps; a descriptor beyond them is garbage.
	if hdr.CPUWords > 64 || hdr.NumRegions > 4096 || hdr.NumDevices > 4096 {
		return fmt.Errorf("%w: implausible counts", ErrBadDescriptor)
	}
	return nil
}

func readCell(r *bytes.Reader) (*Cell, error) {
	var hdr cellHeader
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: truncated cell header", ErrBadDescriptor)
	}
	if err := checkCounts(&hdr); err != nil {
		return nil, err
	}

	c := &Cell{
		Name: nameString(hdr.Name),
		CPUs: make(CPUSet, hdr.CPUWords),
	}
	if err := binary.Read(r, binary.LittleEndian, []uint64(c.CPUs)); err != nil {
		return nil, fmt.Errorf("%w: truncated cpu set", ErrBadDescriptor)
	}
	for i := uint32(0); i < hdr.NumRegions; i++ {
		var rec regionRec
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("%w: truncated region %d", ErrBadDescriptor, i)
		}
		c.Regions = append(c.Regions, MemRegion{
			Phys: rec.Phys, Virt: rec.Virt, Size: rec.Size, Flags: MemFlags(rec.Flags),
		})
	}
	for i := uint32(0); i < hdr.NumDevices; i++ {
		var rec deviceRec
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return nil, fmt.Errorf("%w: truncated device %d", ErrBadDescriptor, i)
		}
		c.Devices = append(c.Devices, PCIDevice{Domain: rec.Domain, Bus: rec.Bus, Devfn: rec.Devfn})
	}
	c.PIOBitmap = make([]byte, PIOBitmapLen)
	if _, err := io.ReadFull(r, c.PIOBitmap); err != nil {
		return nil, fmt.Errorf("%w: truncated pio bitmap", ErrBadDescriptor)
	}
	return c, nil
}

// MarshalSystem encodes a system descriptor.
func MarshalSystem(s *System) ([]byte, error) {
	var buf bytes.Buffer
	bh := blobHeader{Signature: signature, Kind: kindSystem, Revision: Revision}
	if err := binary.Write(&buf, binary.LittleEndian, &bh); err != nil {
		return nil, err
	}
	sh := systemHeader{
		HypervisorPhys: s.HypervisorMem.Phys,
		HypervisorSize: s.HypervisorMem.Size,
		ConfigPhys:     s.ConfigMem.Phys,
		ConfigSize:     s.ConfigMem.Size,
	}
	if err := binary.Write(&buf, binary.LittleEndian, &sh); err != nil {
		return nil, err
	}
	if err := writeCell(&buf, &s.Root, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalSystem decodes a system descriptor.
func UnmarshalSystem(b []byte) (*System, error) {
	r := bytes.NewReader(b)
	if err := readBlobHeader(r, kindSystem); err != nil {
		return nil, err
	}
	var sh systemHeader
	if err := binary.Read(r, binary.LittleEndian, &sh); err != nil {
		return nil, fmt.Errorf("%w: truncated system header", ErrBadDescriptor)
	}
	root, err := readCell(r)
	if err != nil {
		return nil, err
	}
	return &System{
		HypervisorMem: MemRange{Phys: sh.HypervisorPhys, Size: sh.HypervisorSize},
		ConfigMem:     MemRange{Phys: sh.ConfigPhys, Size: sh.ConfigSize},
		Root:          *root,
	}, nil
}

func nameString(b [NameLen]byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b[:])
}
