package container

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestDetectFingerprint(t *testing.T) {
	tests := []struct {
		magic string
		want  Format
	}{
		{"CISO", FormatCSO1},
		{"ZISO", FormatZSO},
		{"DAX\x00", FormatDAX},
		{"\x00\x00\x00\x00", FormatISO},
	}
	for _, tt := range tests {
		tt := tt
		if got := DetectFingerprint([]byte(tt.magic)); got != tt.want {
			t.Errorf("DetectFingerprint(%q) = %v, want %v", tt.magic, got, tt.want)
		}
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{
		Magic:            [4]byte{'C', 'I', 'S', 'O'},
		HeaderSize:       HeaderSize,
		UncompressedSize: 16 * 1024 * 1024,
		BlockSize:        2048,
		Version:          1,
		IndexShift:       0,
	}
	buf := h.Marshal()
	if len(buf) != HeaderSize {
		t.Fatalf("Marshal() len = %d, want %d", len(buf), HeaderSize)
	}
	got, err := UnmarshalHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(h, got, cmpopts.IgnoreUnexported(Header{})); diff != "" {
		t.Errorf("UnmarshalHeader() mismatch (-want +got):\n%s", diff)
	}
	if got.FormatOf() != FormatCSO1 {
		t.Errorf("FormatOf() = %v, want FormatCSO1", got.FormatOf())
	}
}

func TestUnmarshalHeaderRejectsBadMagic(t *testing.T) {
	h := &Header{Magic: [4]byte{'X', 'X', 'X', 'X'}, BlockSize: 2048, Version: 1}
	if _, err := UnmarshalHeader(h.Marshal()); err == nil {
		t.Fatal("UnmarshalHeader() accepted a bad magic")
	}
}

func TestIndexEntryOffsetRoundTrip(t *testing.T) {
	for _, shift := range []uint8{0, 1, 3, 11} {
		for _, off := range []uint64{0, 2048, 1 << 20, (1 << 30) << shift} {
			e := MakeIndexEntry(off, shift, false)
			if got := IndexEntryOffset(e, shift); got != off {
				t.Errorf("shift=%d off=%d: round trip got %d", shift, off, got)
			}
			if IndexEntryRaw(e) {
				t.Errorf("shift=%d off=%d: unexpected raw bit", shift, off)
			}
		}
	}
}

func TestChooseIndexShift(t *testing.T) {
	tests := []struct {
		worst uint64
		want  uint8
	}{
		{0, 0},
		{(1 << 31) - 1, 0},
		{1 << 31, 1},
		{(1 << 32) - 1, 1},
		{1 << 32, 2},
	}
	for _, tt := range tests {
		if got := ChooseIndexShift(tt.worst); got != tt.want {
			t.Errorf("ChooseIndexShift(%d) = %d, want %d", tt.worst, got, tt.want)
		}
	}
}
