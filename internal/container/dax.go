package container

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// DaxHeader is the 24-byte DAX header: magic, uncompressed size (32-bit,
// so DAX is limited to <4GiB inputs), version, NC-area count and 16
// unused bytes.
type DaxHeader struct {
	Magic            [4]byte
	UncompressedSize uint32
	Version          uint32
	NCAreas          uint32
	_                [16]byte // unused
}

// Marshal serializes h to a 24-byte slice.
func (h *DaxHeader) Marshal() []byte {
	buf := make([]byte, DaxHeaderSize)
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.UncompressedSize)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.NCAreas)
	return buf
}

// UnmarshalDaxHeader parses a 24-byte DAX header.
func UnmarshalDaxHeader(buf []byte) (*DaxHeader, error) {
	if len(buf) < DaxHeaderSize {
		return nil, xerrors.Errorf("container: short DAX header: got %d bytes, want %d", len(buf), DaxHeaderSize)
	}
	h := &DaxHeader{}
	copy(h.Magic[:], buf[0:4])
	if string(h.Magic[:]) != magicDAX {
		return nil, xerrors.Errorf("container: bad DAX magic %q", h.Magic[:])
	}
	h.UncompressedSize = binary.LittleEndian.Uint32(buf[4:8])
	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	h.NCAreas = binary.LittleEndian.Uint32(buf[12:16])
	return h, nil
}

// DaxFrameCount returns ceil(uncompressedSize / DaxFrameSize).
func DaxFrameCount(uncompressedSize uint32) uint32 {
	return (uncompressedSize + DaxFrameSize - 1) / DaxFrameSize
}

// ChooseIndexShift implements spec.md §4.5 step 3: the smallest shift
// such that every file offset the encoder could possibly emit (even if
// every block were stored uncompressed, i.e. the worst case) still fits
// in 31 bits. worst is headerAndIndexBytes + srcSize.
func ChooseIndexShift(worst uint64) uint8 {
	for i := 62; i >= 31; i-- {
		if worst >= uint64(1)<<uint(i) {
			return uint8(i - 30)
		}
	}
	return 0
}
