// Package input implements the decode side of the pipeline: format
// detection, index loading, a read-ahead cache over the source file, and
// per-block decompression, exposed as a pull-style Next method rather
// than the callback graph spec.md's origin describes (see spec.md §9 —
// "callback graphs should become explicit state machines"). The
// TaskRunner drives Next in a loop; before enqueueing each returned
// sector it waits for Output to have a free Sector, pausing Input while
// it waits, and Output's progress callback resumes it. That is this Go
// rendition of pause()/resume().
package input

import (
	"io"
	"sync/atomic"

	"golang.org/x/xerrors"

	"github.com/dskinner-tools/psocso/internal/compress"
	"github.com/dskinner-tools/psocso/internal/container"
	"github.com/dskinner-tools/psocso/internal/pool"
)

const rawSectorSize = 2048

// ErrPaused is returned by Next when the caller asks for another sector
// while Pause is in effect.
var ErrPaused = xerrors.New("input: paused")

// DecodeError wraps a block-decompression failure (wrong format, wrong
// decompressed size), distinguishing it from a structural read/format
// error so callers can classify it as invalid data rather than bad input.
type DecodeError struct{ err error }

func (e *DecodeError) Error() string { return e.err.Error() }
func (e *DecodeError) Unwrap() error { return e.err }

// Info summarizes what format detection and header parsing discovered.
type Info struct {
	Format           container.Format
	UncompressedSize uint64
	BlockSize        uint32
}

// Input streams the uncompressed disc image as an ordered sequence of
// 2 KiB sectors out of any supported container.
type Input struct {
	r    io.ReaderAt
	pool *pool.BufferPool

	format    container.Format
	totalSize uint64
	blockSize uint32

	csoIdx *container.CsoIndex
	daxIdx *container.DaxIndex

	cache    []byte
	cacheOff int64
	cacheLen int

	decodeBuf []byte // one block's decoded bytes, reused across blocks

	pos     uint64 // next logical byte offset to emit, multiple of 2048
	pending []byte // undelivered tail of the most recently decoded block
	pendOff uint64 // logical position of pending[0]

	// paused is set by the TaskRunner's driving goroutine and cleared by
	// Output's progress callback, which runs on a Sector's trial-pool
	// goroutine; atomic keeps that cross-goroutine toggle race-free.
	paused int32
}

// Open detects the container format from r, loads its index (if any) and
// returns an Input ready to stream sectors. size is the file's total
// byte length, used to validate an ISO's sector alignment.
func Open(r io.ReaderAt, size int64, p *pool.BufferPool) (*Input, error) {
	var first4 [4]byte
	if _, err := r.ReadAt(first4[:], 0); err != nil && err != io.EOF {
		return nil, xerrors.Errorf("input: reading fingerprint: %w", err)
	}

	in := &Input{r: r, pool: p}
	switch container.DetectFingerprint(first4[:]) {
	case container.FormatZSO:
		if err := in.openCsoLike(); err != nil {
			return nil, err
		}
	case container.FormatDAX:
		if err := in.openDax(size); err != nil {
			return nil, err
		}
	case container.FormatISO:
		if size%rawSectorSize != 0 {
			return nil, xerrors.Errorf("input: ISO size %d is not a multiple of %d", size, rawSectorSize)
		}
		in.format = container.FormatISO
		in.totalSize = uint64(size)
		in.blockSize = rawSectorSize
	default: // CISO magic, version disambiguates CSO1 vs CSO2
		if err := in.openCsoLike(); err != nil {
			return nil, err
		}
	}

	cacheSize := nextPow2(in.blockSize)
	if cacheSize < 32*1024 {
		cacheSize = 32 * 1024
	}
	in.cache = make([]byte, cacheSize)
	in.cacheOff = -1

	in.decodeBuf = p.Alloc()
	if len(in.decodeBuf) < int(in.blockSize) {
		return nil, xerrors.Errorf("input: pool buffer size %d too small for block size %d", len(in.decodeBuf), in.blockSize)
	}
	return in, nil
}

// Close releases the pool buffer backing the decode window. The
// read-ahead cache is a plain heap allocation, not pool-tracked, since it
// amortizes I/O rather than carrying a pipeline payload.
func (in *Input) Close() {
	if in.decodeBuf != nil {
		in.pool.Release(in.decodeBuf)
		in.decodeBuf = nil
	}
}

func nextPow2(n uint32) uint32 {
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

func (in *Input) openCsoLike() error {
	hdrBuf := make([]byte, container.HeaderSize)
	if _, err := in.r.ReadAt(hdrBuf, 0); err != nil {
		return xerrors.Errorf("input: short header read: %w", err)
	}
	h, err := container.UnmarshalHeader(hdrBuf)
	if err != nil {
		return xerrors.Errorf("input: %w", err)
	}
	if h.UncompressedSize%rawSectorSize != 0 {
		return xerrors.Errorf("input: uncompressed size %d not a multiple of %d", h.UncompressedSize, rawSectorSize)
	}

	sectors := container.Sectors(h.UncompressedSize, h.BlockSize)
	idxBuf := make([]byte, 4*(sectors+1))
	if _, err := in.r.ReadAt(idxBuf, int64(container.HeaderSize)); err != nil {
		return xerrors.Errorf("input: short index read: %w", err)
	}
	idx, err := container.UnmarshalCsoIndex(idxBuf, h.Version, h.IndexShift, sectors)
	if err != nil {
		return xerrors.Errorf("input: %w", err)
	}

	in.format = h.FormatOf()
	in.totalSize = h.UncompressedSize
	in.blockSize = h.BlockSize
	in.csoIdx = idx
	return nil
}

func (in *Input) openDax(size int64) error {
	hdrBuf := make([]byte, container.DaxHeaderSize)
	if _, err := in.r.ReadAt(hdrBuf, 0); err != nil {
		return xerrors.Errorf("input: short DAX header read: %w", err)
	}
	h, err := container.UnmarshalDaxHeader(hdrBuf)
	if err != nil {
		return xerrors.Errorf("input: %w", err)
	}
	if h.UncompressedSize%rawSectorSize != 0 {
		return xerrors.Errorf("input: uncompressed size %d not a multiple of %d", h.UncompressedSize, rawSectorSize)
	}

	frames := container.DaxFrameCount(h.UncompressedSize)
	body := make([]byte, 4*int(frames)+2*int(frames)+8*int(h.NCAreas))
	if _, err := in.r.ReadAt(body, int64(container.DaxHeaderSize)); err != nil {
		return xerrors.Errorf("input: short DAX index read: %w", err)
	}
	idx, err := container.UnmarshalDaxIndex(body, h.Version, frames, h.NCAreas)
	if err != nil {
		return xerrors.Errorf("input: %w", err)
	}

	in.format = container.FormatDAX
	in.totalSize = uint64(h.UncompressedSize)
	in.blockSize = container.DaxFrameSize
	in.daxIdx = idx
	return nil
}

// Info returns the detected format and sizing.
func (in *Input) Info() Info {
	return Info{Format: in.format, UncompressedSize: in.totalSize, BlockSize: in.blockSize}
}

// Pause sets the pause flag; a subsequent Next call returns ErrPaused
// until Resume is called.
func (in *Input) Pause() { atomic.StoreInt32(&in.paused, 1) }

// Resume clears the pause flag.
func (in *Input) Resume() { atomic.StoreInt32(&in.paused, 0) }

// Paused reports the current pause state.
func (in *Input) Paused() bool { return atomic.LoadInt32(&in.paused) != 0 }

// Next returns the next 2 KiB sector (pos, data) in logical order, or
// done == true once the whole image has been emitted. The returned
// slice is only valid until the next call to Next.
func (in *Input) Next() (pos uint64, data []byte, done bool, err error) {
	if in.Paused() {
		return 0, nil, false, ErrPaused
	}
	if in.pos >= in.totalSize {
		return 0, nil, true, nil
	}

	if len(in.pending) == 0 {
		blockIdx := in.pos / uint64(in.blockSize)
		decoded, err := in.readBlock(blockIdx)
		if err != nil {
			return 0, nil, false, err
		}
		in.pending = decoded
		in.pendOff = blockIdx * uint64(in.blockSize)
	}

	off := in.pos - in.pendOff
	n := rawSectorSize
	if off+uint64(n) > uint64(len(in.pending)) {
		n = int(uint64(len(in.pending)) - off)
	}
	sec := in.pending[off : off+uint64(n)]
	in.pos += rawSectorSize
	if off+uint64(n) >= uint64(len(in.pending)) {
		in.pending = nil
	}
	return in.pos - rawSectorSize, sec, false, nil
}

// readBlock decodes logical block blockIdx into in.decodeBuf and returns
// it sized to the actual number of valid bytes (less than blockSize only
// for the final, possibly short, block).
func (in *Input) readBlock(blockIdx uint64) ([]byte, error) {
	want := uint64(in.blockSize)
	if rem := in.totalSize - blockIdx*uint64(in.blockSize); rem < want {
		want = rem
	}

	switch in.format {
	case container.FormatISO:
		n, err := in.readAt(int64(blockIdx*uint64(in.blockSize)), in.decodeBuf[:want])
		if err != nil {
			return nil, xerrors.Errorf("input: reading ISO block %d: %w", blockIdx, err)
		}
		return in.decodeBuf[:n], nil

	case container.FormatCSO1, container.FormatZSO:
		raw := in.csoIdx.BlockRaw(int(blockIdx))
		off := in.csoIdx.BlockOffset(int(blockIdx))
		size := in.csoIdx.BlockCompressedSize(int(blockIdx), in.blockSize)
		src := make([]byte, size)
		if _, err := in.readAt(int64(off), src); err != nil {
			return nil, xerrors.Errorf("input: reading block %d payload: %w", blockIdx, err)
		}
		if raw {
			if uint64(size) != want {
				return nil, xerrors.Errorf("input: block %d stored raw with size %d, want %d", blockIdx, size, want)
			}
			copy(in.decodeBuf[:want], src)
			return in.decodeBuf[:want], nil
		}
		if in.format == container.FormatZSO {
			if err := compress.DecompressLZ4Frame(in.decodeBuf[:want], src); err != nil {
				return nil, &DecodeError{xerrors.Errorf("input: block %d: %w", blockIdx, err)}
			}
		} else {
			if err := compress.InflateRaw(in.decodeBuf[:want], src); err != nil {
				return nil, &DecodeError{xerrors.Errorf("input: block %d: %w", blockIdx, err)}
			}
		}
		return in.decodeBuf[:want], nil

	case container.FormatCSO2:
		off := in.csoIdx.BlockOffset(int(blockIdx))
		size := in.csoIdx.BlockCompressedSize(int(blockIdx), in.blockSize)
		src := make([]byte, size)
		if _, err := in.readAt(int64(off), src); err != nil {
			return nil, xerrors.Errorf("input: reading block %d payload: %w", blockIdx, err)
		}
		if uint64(size) == uint64(in.blockSize) {
			if uint64(size) != want {
				return nil, xerrors.Errorf("input: block %d stored raw with size %d, want %d", blockIdx, size, want)
			}
			copy(in.decodeBuf[:want], src)
			return in.decodeBuf[:want], nil
		}
		if in.csoIdx.BlockIsLZ4(int(blockIdx)) {
			if err := compress.DecompressLZ4Block(in.decodeBuf[:want], src); err != nil {
				return nil, &DecodeError{xerrors.Errorf("input: block %d: %w", blockIdx, err)}
			}
		} else {
			if err := compress.InflateRaw(in.decodeBuf[:want], src); err != nil {
				return nil, &DecodeError{xerrors.Errorf("input: block %d: %w", blockIdx, err)}
			}
		}
		return in.decodeBuf[:want], nil

	case container.FormatDAX:
		off := uint64(in.daxIdx.Offsets[blockIdx])
		size := uint64(in.daxIdx.Sizes[blockIdx])
		src := make([]byte, size)
		if _, err := in.readAt(int64(off), src); err != nil {
			return nil, xerrors.Errorf("input: reading frame %d payload: %w", blockIdx, err)
		}
		if in.daxIdx.InNCArea(uint32(blockIdx)) {
			if size != want {
				return nil, xerrors.Errorf("input: NC frame %d size %d, want %d", blockIdx, size, want)
			}
			copy(in.decodeBuf[:want], src)
			return in.decodeBuf[:want], nil
		}
		if err := compress.InflateZlib(in.decodeBuf[:want], src); err != nil {
			return nil, &DecodeError{xerrors.Errorf("input: frame %d: %w", blockIdx, err)}
		}
		return in.decodeBuf[:want], nil

	default:
		return nil, xerrors.Errorf("input: unhandled format %v", in.format)
	}
}

// readAt serves dst from the read-ahead cache when [off, off+len(dst))
// falls entirely within the cached window, else issues a fresh read that
// refills the cache starting at off.
func (in *Input) readAt(off int64, dst []byte) (int, error) {
	if in.cacheOff >= 0 && off >= in.cacheOff && off+int64(len(dst)) <= in.cacheOff+int64(in.cacheLen) {
		copy(dst, in.cache[off-in.cacheOff:])
		return len(dst), nil
	}

	if len(dst) > len(in.cache) {
		n, err := in.r.ReadAt(dst, off)
		in.cacheOff = -1
		return n, err
	}

	n, err := in.r.ReadAt(in.cache, off)
	if err != nil && err != io.EOF {
		return 0, err
	}
	in.cacheOff = off
	in.cacheLen = n
	if int64(len(dst)) > int64(n) {
		return 0, xerrors.Errorf("input: short read at %d: got %d bytes, want at least %d", off, n, len(dst))
	}
	copy(dst, in.cache[:len(dst)])
	return len(dst), nil
}
