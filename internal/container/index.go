package container

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// CsoIndex is the (sectors+1)-entry index table shared by CSO v1, CSO v2
// and ZSO. index[i] encodes the file offset of block i (see
// IndexEntryOffset); index[len-1] holds the end-of-data offset.
type CsoIndex struct {
	Version    uint8
	IndexShift uint8
	Entries    []uint32
}

// NewCsoIndex allocates an index for the given number of data blocks
// (sectors+1 entries).
func NewCsoIndex(version uint8, indexShift uint8, sectors uint32) *CsoIndex {
	return &CsoIndex{
		Version:    version,
		IndexShift: indexShift,
		Entries:    make([]uint32, sectors+1),
	}
}

// Marshal serializes the index table to little-endian u32 entries.
func (idx *CsoIndex) Marshal() []byte {
	buf := make([]byte, 4*len(idx.Entries))
	for i, e := range idx.Entries {
		binary.LittleEndian.PutUint32(buf[4*i:], e)
	}
	return buf
}

// UnmarshalCsoIndex parses sectors+1 little-endian u32 entries.
func UnmarshalCsoIndex(buf []byte, version, indexShift uint8, sectors uint32) (*CsoIndex, error) {
	want := 4 * int(sectors+1)
	if len(buf) < want {
		return nil, xerrors.Errorf("container: short index: got %d bytes, want %d", len(buf), want)
	}
	idx := &CsoIndex{Version: version, IndexShift: indexShift, Entries: make([]uint32, sectors+1)}
	for i := range idx.Entries {
		idx.Entries[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return idx, nil
}

// BlockOffset returns the byte offset of block i.
func (idx *CsoIndex) BlockOffset(i int) uint64 {
	return IndexEntryOffset(idx.Entries[i], idx.IndexShift)
}

// BlockRaw reports whether block i is stored uncompressed. Only
// meaningful for v1/ZSO; CSO v2 derives "raw" from entry-delta size
// instead (see BlockCompressedSize).
func (idx *CsoIndex) BlockRaw(i int) bool {
	return IndexEntryRaw(idx.Entries[i])
}

// BlockCompressedSize returns next-entry-offset minus this-entry-offset,
// the on-disk size of block i's stored payload including any
// index-alignment padding written after it.
func (idx *CsoIndex) BlockCompressedSize(i int, blockSize uint32) uint32 {
	return uint32(idx.BlockOffset(i+1) - idx.BlockOffset(i))
}

// BlockIsLZ4 reports whether block i, for CSO v2, was compressed with
// LZ4 rather than deflate. Only meaningful when the block is not stored
// raw (see spec's open question on v2 raw/compressed ambiguity: a block
// whose compressed size would equal blockSize is always treated as raw
// on both encode and decode, so this bit and BlockCompressedSize ==
// blockSize never both indicate "compressed").
func (idx *CsoIndex) BlockIsLZ4(i int) bool {
	return idx.Entries[i]&indexEndBit != 0
}

// SetBlock records block i's placement and format in the index.
func (idx *CsoIndex) SetBlock(i int, offset uint64, lz4OrRaw bool) {
	idx.Entries[i] = MakeIndexEntry(offset, idx.IndexShift, lz4OrRaw)
}

// DaxIndex is the DAX per-frame offsets + sizes table, plus optional
// NC-area ranges. Offsets and sizes are parallel arrays of length
// frameCount.
type DaxIndex struct {
	Version  uint32
	Offsets  []uint32
	Sizes    []uint16
	NCAreas  []NCArea
}

// NCArea marks a run of DAX frames stored uncompressed.
type NCArea struct {
	Start uint32
	Count uint32
}

// NewDaxIndex allocates a DaxIndex for frameCount frames.
func NewDaxIndex(version uint32, frameCount uint32) *DaxIndex {
	return &DaxIndex{
		Version: version,
		Offsets: make([]uint32, frameCount),
		Sizes:   make([]uint16, frameCount),
	}
}

// Marshal serializes the offsets array, then the sizes array, then (for
// version >= 1) the NC-area table.
func (idx *DaxIndex) Marshal() []byte {
	n := len(idx.Offsets)
	buf := make([]byte, 4*n+2*n+8*len(idx.NCAreas))
	off := 0
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(buf[off:], idx.Offsets[i])
		off += 4
	}
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(buf[off:], idx.Sizes[i])
		off += 2
	}
	if idx.Version >= 1 {
		for _, a := range idx.NCAreas {
			binary.LittleEndian.PutUint32(buf[off:], a.Start)
			off += 4
			binary.LittleEndian.PutUint32(buf[off:], a.Count)
			off += 4
		}
	}
	return buf
}

// UnmarshalDaxIndex parses the offsets/sizes arrays and, when version >=
// 1, ncAreas NC-area entries following them.
func UnmarshalDaxIndex(buf []byte, version uint32, frameCount uint32, ncAreas uint32) (*DaxIndex, error) {
	need := 4*int(frameCount) + 2*int(frameCount)
	if version >= 1 {
		need += 8 * int(ncAreas)
	}
	if len(buf) < need {
		return nil, xerrors.Errorf("container: short DAX index: got %d bytes, want %d", len(buf), need)
	}
	idx := &DaxIndex{Version: version, Offsets: make([]uint32, frameCount), Sizes: make([]uint16, frameCount)}
	off := 0
	for i := range idx.Offsets {
		idx.Offsets[i] = binary.LittleEndian.Uint32(buf[off:])
		off += 4
	}
	for i := range idx.Sizes {
		idx.Sizes[i] = binary.LittleEndian.Uint16(buf[off:])
		off += 2
	}
	if version >= 1 {
		idx.NCAreas = make([]NCArea, ncAreas)
		for i := range idx.NCAreas {
			idx.NCAreas[i].Start = binary.LittleEndian.Uint32(buf[off:])
			off += 4
			idx.NCAreas[i].Count = binary.LittleEndian.Uint32(buf[off:])
			off += 4
		}
	}
	return idx, nil
}

// InNCArea reports whether frame i falls within one of idx's NC-areas.
func (idx *DaxIndex) InNCArea(i uint32) bool {
	for _, a := range idx.NCAreas {
		if i >= a.Start && i < a.Start+a.Count {
			return true
		}
	}
	return false
}
