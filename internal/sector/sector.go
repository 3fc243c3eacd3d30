// Package sector implements the reusable compression work unit: a
// Sector owns one logical block, accumulates its raw 2 KiB input
// sectors, runs the enabled compressor trials in parallel, and keeps
// only the best result under the cost policy described in spec.md §4.4.
package sector

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/dskinner-tools/psocso/internal/compress"
	"github.com/dskinner-tools/psocso/internal/container"
	"github.com/dskinner-tools/psocso/internal/pool"
)

const rawSectorSize = 2048

// CostPolicy carries the two cost tolerances from spec.md §4.4, as a
// fraction of block size (e.g. 0.03 == 3%).
type CostPolicy struct {
	OrigMaxCostPercent float64
	LZ4MaxCostPercent  float64
}

// Sector is one logical block's worth of pipeline state. Sectors are
// not freed individually; internal/output keeps a fixed-size free list
// and calls Reset before handing one back out, per spec.md §3's
// "pre-allocated in a fixed-size free list" lifetime.
type Sector struct {
	pool      *pool.BufferPool
	blockSize int
	format    container.Format
	trials    []compress.Trial
	policy    CostPolicy

	mu sync.Mutex

	pos       int64 // logical byte offset, multiple of blockSize
	buf       []byte
	readySize int

	bestBuf  []byte
	bestSize int
	bestFmt  compress.Format

	busy bool
}

// New constructs a Sector that will run the given trials (already
// filtered to the enabled set) against blocks of blockSize bytes
// destined for the given container format.
func New(p *pool.BufferPool, blockSize int, format container.Format, trials []compress.Trial, policy CostPolicy) *Sector {
	return &Sector{pool: p, blockSize: blockSize, format: format, trials: trials, policy: policy}
}

// Reset prepares the Sector to accumulate a new logical block at pos.
// It must be called before the first Feed of a new block.
func (s *Sector) Reset(pos int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buf == nil {
		s.buf = s.pool.Alloc()
	}
	s.pos = pos
	s.readySize = 0
	s.bestBuf = nil
	s.bestSize = 0
	s.bestFmt = compress.Orig
	s.busy = true
}

// Busy reports whether the Sector currently owns an in-progress block.
func (s *Sector) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Pos returns the logical byte offset of the block currently owned by
// this Sector.
func (s *Sector) Pos() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// Feed places one raw 2 KiB input sector into the working buffer. secPos
// must fall within [s.pos, s.pos+blockSize); sectors arriving outside
// that window are a contract violation (spec.md §4.4) and return an
// error rather than silently corrupting adjacent blocks.
func (s *Sector) Feed(secPos int64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	off := secPos - s.pos
	if off < 0 || off+int64(len(data)) > int64(s.blockSize) {
		return xerrors.Errorf("sector: fed position %d outside block [%d,%d)", secPos, s.pos, s.pos+int64(s.blockSize))
	}
	n := copy(s.buf[off:], data)
	s.readySize += n
	return nil
}

// Full reports whether the working buffer has accumulated a complete
// block.
func (s *Sector) Full() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readySize == s.blockSize
}

// Run executes the enabled trials concurrently (bounded by the worker
// pool implied by errgroup.SetLimit) and applies the submit_trial /
// finalize_best selection policy from spec.md §4.4. When compress is
// false (checksum mode, or compression disabled), Run short-circuits
// without running any trial, leaving the block to be stored raw.
func (s *Sector) Run(ctx context.Context, compressEnabled bool, workers int) error {
	if !compressEnabled || len(s.trials) == 0 {
		return nil
	}

	dsts := make([][]byte, len(s.trials))
	sizes := make([]int, len(s.trials))
	errs := make([]error, len(s.trials))

	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for i, tr := range s.trials {
		i, tr := i, tr
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			dst := s.pool.Alloc()
			n, err := tr.Compress(dst, s.buf[:s.blockSize])
			if err != nil {
				s.pool.Release(dst)
				errs[i] = err
				return nil // a failed trial just doesn't compete; not fatal
			}
			dsts[i] = dst
			sizes[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return xerrors.Errorf("sector: trial pool: %w", err)
	}

	for i, tr := range s.trials {
		if errs[i] != nil || dsts[i] == nil {
			continue
		}
		s.submitTrial(dsts[i], sizes[i], tr.Format())
	}
	// Release every trial buffer that didn't win.
	for i := range dsts {
		if dsts[i] != nil && &dsts[i][0] != bestPtr(s.bestBuf) {
			s.pool.Release(dsts[i])
		}
	}

	s.finalizeBest()
	return nil
}

func bestPtr(b []byte) *byte {
	if len(b) == 0 {
		return nil
	}
	return &b[0]
}

// submitTrial is the cost-policy comparator from spec.md §4.4.
func (s *Sector) submitTrial(candidate []byte, size int, fmt compress.Format) {
	s.mu.Lock()
	defer s.mu.Unlock()

	origMaxCost := int(float64(s.blockSize) * s.policy.OrigMaxCostPercent)
	lz4MaxCost := int(float64(s.blockSize) * s.policy.LZ4MaxCostPercent)

	if s.bestFmt == compress.Orig {
		if s.format == container.FormatDAX {
			// DAX cannot mark a block uncompressed inline: the first real
			// compressed trial always wins regardless of size.
			s.bestBuf, s.bestSize, s.bestFmt = candidate, size, fmt
			return
		}
		if size+origMaxCost < s.blockSize {
			s.bestBuf, s.bestSize, s.bestFmt = candidate, size, fmt
		}
		return
	}

	var win bool
	switch {
	case fmt == compress.LZ4 && s.bestFmt == compress.Deflate:
		win = size <= s.bestSize+lz4MaxCost
	case fmt == compress.Deflate && s.bestFmt == compress.LZ4:
		win = size+lz4MaxCost < s.bestSize
	default:
		win = size+origMaxCost < s.bestSize
	}
	if win {
		s.bestBuf, s.bestSize, s.bestFmt = candidate, size, fmt
	}
}

// finalizeBest leaves the selected result unchanged. The check that
// discards a compressed result which, after index alignment, saves
// nothing versus storing the block raw is made by Best, which receives
// the index alignment.
func (s *Sector) finalizeBest() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bestFmt == compress.Orig || s.format == container.FormatDAX {
		// DAX has no inline "store raw" encoding, so the override in
		// submitTrial already guarantees a compressed result whenever one
		// exists; nothing to discard.
		return
	}
}

// AlignUp rounds n up to the next multiple of align (align a power of
// two).
func AlignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// Best returns the winning result: storeRaw is true when no compressed
// candidate beat the raw block (or none was run); otherwise buf[:size]
// is the compressed payload and fmt identifies its compressor family.
func (s *Sector) Best(indexAlign int) (storeRaw bool, buf []byte, size int, fmt compress.Format) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bestFmt == compress.Orig {
		return true, nil, s.blockSize, compress.Orig
	}
	if s.format != container.FormatDAX && AlignUp(s.bestSize, indexAlign) >= s.blockSize {
		return true, nil, s.blockSize, compress.Orig
	}
	return false, s.bestBuf, s.bestSize, s.bestFmt
}

// RawBlock returns the accumulated working buffer, for callers that
// need to store the block uncompressed.
func (s *Sector) RawBlock() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf[:s.blockSize]
}

// Release returns the Sector's buffers to the pool and marks it free
// for reuse. The caller (internal/output's free list) must not touch
// the Sector again until Reset.
func (s *Sector) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bestBuf != nil {
		s.pool.Release(s.bestBuf)
		s.bestBuf = nil
	}
	s.busy = false
}

// Close releases the Sector's working buffer as well, for use once when
// a task's whole free list is torn down (not between blocks, where the
// working buffer is kept for reuse per spec.md §3).
func (s *Sector) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bestBuf != nil {
		s.pool.Release(s.bestBuf)
		s.bestBuf = nil
	}
	if s.buf != nil {
		s.pool.Release(s.buf)
		s.buf = nil
	}
	s.busy = false
}
