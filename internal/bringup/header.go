package bringup

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// The image header sits at the very start of the hypervisor image. The
// loader reads it to size the per-CPU blocks and locate the entry
// point, and writes the online CPU count back before hand-off.

var imageSignature = [8]byte{'W', 'A', 'R', 'D', 'E', 'N', 'H', 'V'}

// ImageHeaderLen is the encoded length of the image header.
const ImageHeaderLen = 48

// ErrBadImage is wrapped by all image header decode failures.
var ErrBadImage = errors.New("bringup: bad image header")

// ImageHeader is the fixed block opening a hypervisor image. BSSStart
// and BSSEnd bound the region the loader clears, PerCPUSize is the
// per-processor state block the loader multiplies out, Entry is where
// each processor is sent, and OnlineCPUs is filled in by the loader.
type ImageHeader struct {
	BSSStart   uint64
	BSSEnd     uint64
	PerCPUSize uint64
	Entry      uint64
	OnlineCPUs uint32
}

type imageHeaderRec struct {
	Signature  [8]byte
	BSSStart   uint64
	BSSEnd     uint64
	PerCPUSize uint64
	Entry      uint64
	OnlineCPUs uint32
	Reserved   uint32
}

// MarshalImageHeader encodes h.
func MarshalImageHeader(h *ImageHeader) ([]byte, error) {
	if h.BSSEnd < h.BSSStart {
		return nil, fmt.Errorf("bringup: bss %#x..%#x runs backwards", h.BSSStart, h.BSSEnd)
	}
	rec := imageHeaderRec{
		Signature:  imageSignature,
		BSSStart:   h.BSSStart,
		BSSEnd:     h.BSSEnd,
		PerCPUSize: h.PerCPUSize,
		Entry:      h.Entry,
		OnlineCPUs: h.OnlineCPUs,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalImageHeader decodes the header opening b, tolerating
// whatever image body follows it.
func UnmarshalImageHeader(b []byte) (*ImageHeader, error) {
	if len(b) < ImageHeaderLen {
		return nil, fmt.Errorf("%w: %d bytes, want at least %d", ErrBadImage, len(b), ImageHeaderLen)
	}
	var rec imageHeaderRec
	if err := binary.Read(bytes.NewReader(b), binary.LittleEndian, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if rec.Signature != imageSignature {
		return nil, fmt.Errorf("%w: signature %q", ErrBadImage, rec.Signature[:])
	}
	return &ImageHeader{
		BSSStart:   rec.BSSStart,
		BSSEnd:     rec.BSSEnd,
		PerCPUSize: rec.PerCPUSize,
		Entry:      rec.Entry,
		OnlineCPUs: rec.OnlineCPUs,
	}, nil
}
