package bringup_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wardenhv/warden/internal/bringup"
)

func sampleHeader() *bringup.ImageHeader {
	return &bringup.ImageHeader{
		BSSStart:   0xfffffffff0200000,
		BSSEnd:     0xfffffffff0240000,
		PerCPUSize: 0x8000,
		Entry:      0xfffffffff0000030,
		OnlineCPUs: 12,
	}
}

func TestImageHeaderRoundTrip(t *testing.T) {
	in := sampleHeader()
	b, err := bringup.MarshalImageHeader(in)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != bringup.ImageHeaderLen {
		t.Fatalf("encoded %d bytes, want %d", len(b), bringup.ImageHeaderLen)
	}

	// The loader hands over the whole image; the body must not bother
	// the decoder.
	image := append(b, 0xcc, 0xcc, 0xcc)
	out, err := bringup.UnmarshalImageHeader(image)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("header changed across encode/decode (-want +got):\n%s", diff)
	}
}

func TestImageHeaderRejections(t *testing.T) {
	good, err := bringup.MarshalImageHeader(sampleHeader())
	if err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{"empty", func(b []byte) []byte { return nil }},
		{"truncated", func(b []byte) []byte { return b[:bringup.ImageHeaderLen-1] }},
		{"bad signature", func(b []byte) []byte { b[0] = 'X'; return b }},
	} {
		mangled := tc.mangle(append([]byte(nil), good...))
		if _, err := bringup.UnmarshalImageHeader(mangled); !errors.Is(err, bringup.ErrBadImage) {
			t.Errorf("%s: expected ErrBadImage, got %v", tc.name, err)
		}
	}
}

func TestImageHeaderBackwardsBSS(t *testing.T) {
	h := sampleHeader()
	h.BSSStart, h.BSSEnd = h.BSSEnd, h.BSSStart
	if _, err := bringup.MarshalImageHeader(h); err == nil {
		t.Fatal("backwards bss bounds accepted")
	}
}
