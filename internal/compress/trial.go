// Package compress implements the compressor trial variants run per
// block by internal/sector: several deflate configurations, a
// high-effort deflate pass standing in for Zopfli/7-zip's encoder (see
// DESIGN.md — no such binding exists in this module's dependency set),
// LZ4 default and LZ4-HC at five discrete levels, plus the matching
// decompressors for every format Input can encounter.
package compress

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/xerrors"
)

// ErrIncompressible is returned by an LZ4 trial when pierrec/lz4 reports
// it could not shrink the block at all (it signals this with a
// compressed length of zero rather than an error).
var ErrIncompressible = xerrors.New("compress: block did not compress")

// Format identifies which compressor family produced (or should decode)
// a block.
type Format int

const (
	// Orig marks a block stored uncompressed.
	Orig Format = iota
	Deflate
	LZ4
)

func (f Format) String() string {
	switch f {
	case Orig:
		return "orig"
	case Deflate:
		return "deflate"
	case LZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// Trial is one attempt to compress a block with one specific algorithm
// or parameter set. Implementations reuse their internal encoder state
// across calls; Compress is not safe for concurrent use on the same
// Trial value.
type Trial interface {
	Name() string
	Format() Format
	// Compress compresses src into dst, which the caller sizes generously
	// enough via MaxCompressedSize, and returns the number of bytes
	// written. It returns an error on encoder failure; the LZ4 trials also
	// return ErrIncompressible when the result did not shrink.
	Compress(dst, src []byte) (n int, err error)
}

// MaxCompressedSize returns a safe upper bound for compressing a block
// of srcLen bytes with any Trial in this package.
func MaxCompressedSize(srcLen int) int {
	b := lz4.CompressBlockBound(srcLen)
	if d := srcLen + srcLen/8 + 128; d > b {
		b = d
	}
	return b
}

// deflateTrial wraps a reusable klauspost/compress-compatible
// compress/flate.Writer at a fixed level (or flate.HuffmanOnly).
type deflateTrial struct {
	name string
	w    *flate.Writer
	buf  bytes.Buffer
}

func newDeflateTrial(name string, level int) *deflateTrial {
	w, err := flate.NewWriter(io.Discard, level)
	if err != nil {
		// Only returned for invalid levels, all of which are compile-time
		// constants below.
		panic(err)
	}
	return &deflateTrial{name: name, w: w}
}

func (t *deflateTrial) Name() string   { return t.name }
func (t *deflateTrial) Format() Format { return Deflate }

func (t *deflateTrial) Compress(dst, src []byte) (int, error) {
	t.buf.Reset()
	t.w.Reset(&t.buf)
	if _, err := t.w.Write(src); err != nil {
		return 0, xerrors.Errorf("%s: %w", t.name, err)
	}
	if err := t.w.Close(); err != nil {
		return 0, xerrors.Errorf("%s: %w", t.name, err)
	}
	if t.buf.Len() > len(dst) {
		return 0, xerrors.Errorf("%s: compressed size %d exceeds destination buffer %d", t.name, t.buf.Len(), len(dst))
	}
	return copy(dst, t.buf.Bytes()), nil
}

// NewZlibDefault is the "zlib-default" trial: a balanced compression
// level, standing in for zlib's Z_DEFAULT_STRATEGY.
func NewZlibDefault() Trial { return newDeflateTrial("zlib-default", flate.DefaultCompression) }

// NewZlibFiltered is the "zlib-filtered" trial, tuned for data with
// small repeated values (zlib's Z_FILTERED strategy); approximated here
// with a higher compression level than the default trial.
func NewZlibFiltered() Trial { return newDeflateTrial("zlib-filtered", 7) }

// NewZlibHuffmanOnly is the "zlib-huffman-only" trial (zlib's
// Z_HUFFMAN_ONLY strategy): no LZ77 matching, just entropy coding.
// compress/flate exposes this directly as flate.HuffmanOnly.
func NewZlibHuffmanOnly() Trial { return newDeflateTrial("zlib-huffman-only", flate.HuffmanOnly) }

// NewZlibRLE is the "zlib-rle" trial (zlib's Z_RLE strategy, matches
// only against the immediately preceding byte); approximated here with
// the fastest deflate level, which is the closest available analogue.
func NewZlibRLE() Trial { return newDeflateTrial("zlib-rle", 1) }

// NewZopfli is the "Zopfli" trial slot (spec: 5 iterations, split-last).
// No Zopfli binding exists in this module's dependency set (see
// DESIGN.md); this substitutes klauspost/compress's maximum deflate
// effort, which is the nearest available "spend more CPU for a smaller
// result" trial.
func NewZopfli() Trial { return newDeflateTrial("zopfli", flate.BestCompression) }

// NewSevenZipDeflate is the "7zdeflate" trial slot (spec: level 9, 12
// passes). Same substitution rationale as NewZopfli.
func NewSevenZipDeflate() Trial { return newDeflateTrial("7zdeflate", flate.BestCompression) }

// zlibTrial is used only for DAX's zlib-wrapped stream, not as one of
// the CSO/ZSO trial variants (DAX always uses exactly one compressed
// format per spec.md §4.2).
type zlibTrial struct {
	w   *zlib.Writer
	buf bytes.Buffer
}

// NewDaxDeflate returns the DAX-specific zlib-wrapped deflate encoder.
func NewDaxDeflate() Trial {
	w, _ := zlib.NewWriterLevel(io.Discard, zlib.DefaultCompression)
	return &zlibTrial{w: w}
}

func (t *zlibTrial) Name() string   { return "dax-zlib" }
func (t *zlibTrial) Format() Format { return Deflate }

func (t *zlibTrial) Compress(dst, src []byte) (int, error) {
	t.buf.Reset()
	t.w.Reset(&t.buf)
	if _, err := t.w.Write(src); err != nil {
		return 0, xerrors.Errorf("dax-zlib: %w", err)
	}
	if err := t.w.Close(); err != nil {
		return 0, xerrors.Errorf("dax-zlib: %w", err)
	}
	if t.buf.Len() > len(dst) {
		return 0, xerrors.Errorf("dax-zlib: compressed size %d exceeds destination buffer %d", t.buf.Len(), len(dst))
	}
	return copy(dst, t.buf.Bytes()), nil
}

// HCLevel is one of the five discrete LZ4-HC effort levels spec.md §4.4
// trials under brute-force mode.
type HCLevel int

const (
	HCLevel4  HCLevel = 4
	HCLevel7  HCLevel = 7
	HCLevel10 HCLevel = 10
	HCLevel13 HCLevel = 13
	HCLevel16 HCLevel = 16
)

// BruteHCLevels is the full sweep used when LZ4 brute mode is enabled.
var BruteHCLevels = []HCLevel{HCLevel4, HCLevel7, HCLevel10, HCLevel13, HCLevel16}

type lz4HCTrial struct {
	level HCLevel
	name  string
	c     lz4.CompressorHC
}

// NewLZ4HC returns the LZ4-HC trial at the given level.
func NewLZ4HC(level HCLevel) Trial {
	t := &lz4HCTrial{level: level, name: hcName(level)}
	t.c.Level = lz4.CompressionLevel(level)
	return t
}

func hcName(level HCLevel) string {
	switch level {
	case HCLevel4:
		return "lz4-hc-4"
	case HCLevel7:
		return "lz4-hc-7"
	case HCLevel10:
		return "lz4-hc-10"
	case HCLevel13:
		return "lz4-hc-13"
	case HCLevel16:
		return "lz4-hc-16"
	default:
		return "lz4-hc"
	}
}

func (t *lz4HCTrial) Name() string   { return t.name }
func (t *lz4HCTrial) Format() Format { return LZ4 }

func (t *lz4HCTrial) Compress(dst, src []byte) (int, error) {
	n, err := t.c.CompressBlock(src, dst)
	if err != nil {
		return 0, xerrors.Errorf("%s: %w", t.name, err)
	}
	if n == 0 {
		return 0, ErrIncompressible
	}
	return n, nil
}

type lz4DefaultTrial struct {
	c lz4.Compressor
}

// NewLZ4Default returns the fast, non-HC LZ4 trial.
func NewLZ4Default() Trial { return &lz4DefaultTrial{} }

func (t *lz4DefaultTrial) Name() string   { return "lz4-default" }
func (t *lz4DefaultTrial) Format() Format { return LZ4 }

func (t *lz4DefaultTrial) Compress(dst, src []byte) (int, error) {
	n, err := t.c.CompressBlock(src, dst)
	if err != nil {
		return 0, xerrors.Errorf("lz4-default: %w", err)
	}
	if n == 0 {
		return 0, ErrIncompressible
	}
	return n, nil
}

// lz4FrameTrial wraps src in a full LZ4 frame (magic, block descriptor,
// checksums) rather than a bare block, for ZSO output, whose decode path
// (DecompressLZ4Frame) expects a frame, not a block.
type lz4FrameTrial struct {
	buf bytes.Buffer
}

// NewLZ4Frame returns the ZSO-specific LZ4 frame trial.
func NewLZ4Frame() Trial { return &lz4FrameTrial{} }

func (t *lz4FrameTrial) Name() string   { return "lz4-frame" }
func (t *lz4FrameTrial) Format() Format { return LZ4 }

func (t *lz4FrameTrial) Compress(dst, src []byte) (int, error) {
	t.buf.Reset()
	w := lz4.NewWriter(&t.buf)
	if _, err := w.Write(src); err != nil {
		return 0, xerrors.Errorf("lz4-frame: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, xerrors.Errorf("lz4-frame: %w", err)
	}
	if t.buf.Len() >= len(src) {
		return 0, ErrIncompressible
	}
	if t.buf.Len() > len(dst) {
		return 0, xerrors.Errorf("lz4-frame: compressed size %d exceeds destination buffer %d", t.buf.Len(), len(dst))
	}
	return copy(dst, t.buf.Bytes()), nil
}
