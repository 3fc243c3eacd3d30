// Package container implements pure byte-level serializers and parsers
// for the CSO v1, CSO v2, ZSO and DAX container headers and block
// indexes. Nothing in this package performs I/O; callers supply and
// receive plain []byte and io.Reader/io.Writer values.
package container

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// Format identifies an on-disk container format.
type Format int

const (
	// FormatISO is the uncompressed, sector-aligned source format. It has
	// no header of its own.
	FormatISO Format = iota
	FormatCSO1
	FormatCSO2
	FormatZSO
	FormatDAX
)

func (f Format) String() string {
	switch f {
	case FormatISO:
		return "iso"
	case FormatCSO1:
		return "cso1"
	case FormatCSO2:
		return "cso2"
	case FormatZSO:
		return "zso"
	case FormatDAX:
		return "dax"
	default:
		return "unknown"
	}
}

const (
	magicCISO = "CISO"
	magicZISO = "ZISO"
	magicDAX  = "DAX\x00"

	// HeaderSize is the fixed size, in bytes, of the CSO/ZSO header.
	HeaderSize = 24

	// DaxHeaderSize is the fixed size, in bytes, of the DAX header.
	DaxHeaderSize = 24

	// DaxFrameSize is the fixed compression unit for DAX containers.
	DaxFrameSize = 8192

	// MinBlockSize and MaxBlockSize bound the CSO/ZSO sector_size field.
	MinBlockSize = 2048
	MaxBlockSize = 0x40000

	// indexEndBit marks an index entry's bit 31 (meaning depends on
	// format: "stored uncompressed" for v1/ZSO, "LZ4 compressed" for v2).
	indexEndBit = uint32(1) << 31
	indexMask   = indexEndBit - 1
)

// DetectFingerprint inspects the first four bytes of an input and returns
// the format they indicate. Anything that doesn't match a known magic is
// treated as a raw ISO.
func DetectFingerprint(first4 []byte) Format {
	if len(first4) < 4 {
		return FormatISO
	}
	switch string(first4) {
	case magicCISO:
		return FormatCSO1 // disambiguated to CSO2 by Header.Version after parsing
	case magicZISO:
		return FormatZSO
	case magicDAX:
		return FormatDAX
	default:
		return FormatISO
	}
}

// Header is the 24-byte CSO/ZSO header.
type Header struct {
	Magic           [4]byte
	HeaderSize      uint32
	UncompressedSize uint64
	BlockSize       uint32
	Version         uint8
	IndexShift      uint8
	_               [2]byte // unused
}

// Marshal serializes h into a 24-byte slice.
func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.HeaderSize)
	binary.LittleEndian.PutUint64(buf[8:16], h.UncompressedSize)
	binary.LittleEndian.PutUint32(buf[16:20], h.BlockSize)
	buf[20] = h.Version
	buf[21] = h.IndexShift
	return buf
}

// UnmarshalHeader parses a 24-byte CSO/ZSO header.
func UnmarshalHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, xerrors.Errorf("container: short header: got %d bytes, want %d", len(buf), HeaderSize)
	}
	h := &Header{}
	copy(h.Magic[:], buf[0:4])
	h.HeaderSize = binary.LittleEndian.Uint32(buf[4:8])
	h.UncompressedSize = binary.LittleEndian.Uint64(buf[8:16])
	h.BlockSize = binary.LittleEndian.Uint32(buf[16:20])
	h.Version = buf[20]
	h.IndexShift = buf[21]

	switch string(h.Magic[:]) {
	case magicCISO, magicZISO:
	default:
		return nil, xerrors.Errorf("container: bad magic %q", h.Magic[:])
	}
	if h.BlockSize < MinBlockSize || h.BlockSize > MaxBlockSize || h.BlockSize&(h.BlockSize-1) != 0 {
		return nil, xerrors.Errorf("container: invalid block size %d", h.BlockSize)
	}
	if h.Version != 1 && h.Version != 2 {
		return nil, xerrors.Errorf("container: unsupported version %d", h.Version)
	}
	return h, nil
}

// FormatOf returns the concrete Format a parsed Header describes.
func (h *Header) FormatOf() Format {
	switch {
	case string(h.Magic[:]) == magicZISO:
		return FormatZSO
	case h.Version == 2:
		return FormatCSO2
	default:
		return FormatCSO1
	}
}

// Sectors returns the number of blocks described by uncompressedSize at
// blockSize, i.e. ceil(uncompressedSize / blockSize).
func Sectors(uncompressedSize uint64, blockSize uint32) uint32 {
	return uint32((uncompressedSize + uint64(blockSize) - 1) / uint64(blockSize))
}

// IndexEntryRaw reports whether entry e marks its block as stored
// uncompressed, for the v1/ZSO bit-31 convention.
func IndexEntryRaw(e uint32) bool {
	return e&indexEndBit != 0
}

// IndexEntryOffset returns the byte offset an entry encodes, given the
// header's index_shift.
func IndexEntryOffset(e uint32, indexShift uint8) uint64 {
	return uint64(e&indexMask) << indexShift
}

// MakeIndexEntry packs a byte offset and the "end bit" (raw-stored marker
// for v1/ZSO, LZ4 marker for v2) into one index entry.
func MakeIndexEntry(offset uint64, indexShift uint8, endBit bool) uint32 {
	e := uint32(offset>>indexShift) & indexMask
	if endBit {
		e |= indexEndBit
	}
	return e
}
