package compress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/xerrors"
)

// InflateRaw decompresses a raw (no zlib header) deflate stream into
// dst, which must be exactly sized to the expected output — CSO v1 input
// blocks, per spec.md §4.3.
func InflateRaw(dst []byte, src []byte) error {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.ErrUnexpectedEOF {
		return xerrors.Errorf("inflate: %w", err)
	}
	if n != len(dst) {
		return xerrors.Errorf("inflate: produced %d bytes, want %d", n, len(dst))
	}
	return nil
}

// InflateZlib decompresses a zlib-wrapped deflate stream into dst, used
// for DAX frames.
func InflateZlib(dst []byte, src []byte) error {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return xerrors.Errorf("inflate zlib: %w", err)
	}
	defer r.Close()
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.ErrUnexpectedEOF {
		return xerrors.Errorf("inflate zlib: %w", err)
	}
	if n != len(dst) {
		return xerrors.Errorf("inflate zlib: produced %d bytes, want %d", n, len(dst))
	}
	return nil
}

// DecompressLZ4Block decompresses a raw LZ4 block (CSO v2's per-block
// LZ4 format) into dst, which must be exactly sized to the expected
// output.
func DecompressLZ4Block(dst []byte, src []byte) error {
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return xerrors.Errorf("lz4 block: %w", err)
	}
	if n != len(dst) {
		return xerrors.Errorf("lz4 block: produced %d bytes, want %d", n, len(dst))
	}
	return nil
}

// DecompressLZ4Frame decompresses a ZSO block, which is a full LZ4 frame
// rather than a raw block. Per spec.md §4.3, the compressed length is
// not stored and trailing padding is tolerated, so this reads exactly
// len(dst) decoded bytes and ignores anything left in src.
func DecompressLZ4Frame(dst []byte, src []byte) error {
	r := lz4.NewReader(bytes.NewReader(src))
	n, err := io.ReadFull(r, dst)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return xerrors.Errorf("lz4 frame: %w", err)
	}
	if n != len(dst) {
		return xerrors.Errorf("lz4 frame: produced %d bytes, want %d", n, len(dst))
	}
	return nil
}
