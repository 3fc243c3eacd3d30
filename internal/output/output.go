// Package output implements the encode side of the pipeline: index-shift
// selection, per-block alignment, an out-of-order drain over the Sector
// free list, coalesced writes, and header+index finalization. Like
// internal/input, this expresses spec.md §9's "explicit state machine"
// guidance as a handful of plain methods the TaskRunner drives from its
// own loop, rather than a callback graph.
package output

import (
	"context"
	"sync"

	"golang.org/x/exp/slices"
	"golang.org/x/xerrors"

	"github.com/dskinner-tools/psocso/internal/compress"
	"github.com/dskinner-tools/psocso/internal/container"
	"github.com/dskinner-tools/psocso/internal/pool"
	"github.com/dskinner-tools/psocso/internal/sector"
)

const (
	rawSectorSize = 2048
	drainFanout   = 16
)

// Writer is the positioned-write surface Output needs. internal/task
// satisfies this with a *renameio.PendingFile (which embeds *os.File and
// so already has WriteAt); tests can supply anything that satisfies it.
type Writer interface {
	WriteAt(p []byte, off int64) (int, error)
}

// Output owns one Task's encode-side state: the Sector free list, the
// partially-filled and ready-but-out-of-order sectors, and the running
// index.
type Output struct {
	w          Writer
	pool       *pool.BufferPool
	format     container.Format
	blockSize  uint32
	srcSize    uint64
	decompress bool

	version    uint8
	indexShift uint8
	indexAlign uint64
	headerSize uint64
	sectors    uint32

	csoIdx *container.CsoIndex
	daxIdx *container.DaxIndex

	trials []compress.Trial
	policy sector.CostPolicy
	workers int

	onProgress func(srcPos, srcSize, dstPos uint64)

	mu        sync.Mutex
	wg        sync.WaitGroup
	free      []*sector.Sector
	busy      map[uint32]*sector.Sector
	ready     map[uint32]*sector.Sector
	nextDrain uint32
	dstPos    uint64
	srcPos    uint64

	zeroPage []byte

	err error
}

// Config bundles Output's setup parameters (spec.md §4.5 "set_file").
type Config struct {
	SrcSize    uint64
	BlockSize  uint32
	Format     container.Format
	QueueSize  int
	Trials     []compress.Trial
	Policy     sector.CostPolicy
	Workers    int
	Decompress bool
	OnProgress func(srcPos, srcSize, dstPos uint64)
}

// New validates cfg, computes the index-shift and initial dst_pos, and
// returns a ready-to-drive Output.
func New(w Writer, p *pool.BufferPool, cfg Config) (*Output, error) {
	if cfg.BlockSize == 0 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return nil, xerrors.Errorf("output: block size %d is not a power of two", cfg.BlockSize)
	}
	if cfg.QueueSize <= 0 {
		return nil, xerrors.Errorf("output: queue size must be positive")
	}

	o := &Output{
		w:          w,
		pool:       p,
		format:     cfg.Format,
		blockSize:  cfg.BlockSize,
		srcSize:    cfg.SrcSize,
		decompress: cfg.Decompress,
		trials:     cfg.Trials,
		policy:     cfg.Policy,
		workers:    cfg.Workers,
		onProgress: cfg.OnProgress,
		busy:       make(map[uint32]*sector.Sector),
		ready:      make(map[uint32]*sector.Sector),
		zeroPage:   make([]byte, cfg.BlockSize),
	}
	o.sectors = container.Sectors(cfg.SrcSize, cfg.BlockSize)

	var headerSize uint64
	if !cfg.Decompress {
		switch cfg.Format {
		case container.FormatDAX:
			if cfg.BlockSize != container.DaxFrameSize {
				return nil, xerrors.Errorf("output: DAX requires block size %d, got %d", container.DaxFrameSize, cfg.BlockSize)
			}
			headerSize = container.DaxHeaderSize + 4*uint64(o.sectors) + 2*uint64(o.sectors)
		default:
			o.version = 1
			if cfg.Format == container.FormatCSO2 {
				o.version = 2
			}
			headerSize = container.HeaderSize + 4*uint64(o.sectors+1)
		}
	}
	o.headerSize = headerSize

	align := uint64(1)
	if !cfg.Decompress {
		shift := container.ChooseIndexShift(headerSize + cfg.SrcSize)
		if cfg.Format == container.FormatDAX && shift != 0 {
			return nil, xerrors.Errorf("output: DAX requires index shift 0, computed %d", shift)
		}
		if cfg.Format == container.FormatDAX && cfg.SrcSize >= uint64(1)<<32 {
			return nil, xerrors.Errorf("output: DAX requires source size below 4 GiB")
		}
		o.indexShift = shift
		align = uint64(1) << shift
	}
	o.indexAlign = align
	o.dstPos = alignUp64(headerSize, align)

	if !cfg.Decompress {
		switch cfg.Format {
		case container.FormatDAX:
			o.daxIdx = container.NewDaxIndex(0, o.sectors) // version 0: no NC-areas produced
		default:
			o.csoIdx = container.NewCsoIndex(o.version, o.indexShift, o.sectors)
		}
	}

	o.free = make([]*sector.Sector, cfg.QueueSize)
	for i := range o.free {
		o.free[i] = sector.New(p, int(cfg.BlockSize), cfg.Format, cfg.Trials, cfg.Policy)
	}
	return o, nil
}

func alignUp64(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// QueueFull reports whether every Sector is either accumulating or
// awaiting its drain turn — the back-pressure signal that should pause
// Input.
func (o *Output) QueueFull() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.free) == 0
}

// Err returns the first fatal error Output encountered, if any.
func (o *Output) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

func (o *Output) setErr(err error) {
	if o.err == nil {
		o.err = err
	}
}

// Enqueue dispatches one raw 2 KiB sector to the Sector accumulating its
// block, popping a fresh Sector from the free list if this is the first
// sector of a new block. When the Sector fills, its trial pool runs in
// the background; completion is picked up by Wait/Finish.
func (o *Output) Enqueue(ctx context.Context, pos uint64, data []byte) error {
	blockIdx := uint32(pos / uint64(o.blockSize))

	o.mu.Lock()
	s, ok := o.busy[blockIdx]
	if !ok {
		if len(o.free) == 0 {
			o.mu.Unlock()
			return xerrors.Errorf("output: enqueue with no free sector (block %d)", blockIdx)
		}
		s = o.free[len(o.free)-1]
		o.free = o.free[:len(o.free)-1]
		s.Reset(int64(blockIdx) * int64(o.blockSize))
		o.busy[blockIdx] = s
	}
	o.mu.Unlock()

	if err := s.Feed(int64(pos), data); err != nil {
		return xerrors.Errorf("output: %w", err)
	}
	if !s.Full() {
		return nil
	}

	o.mu.Lock()
	delete(o.busy, blockIdx)
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := s.Run(ctx, !o.decompress, o.workers); err != nil {
			o.mu.Lock()
			o.setErr(xerrors.Errorf("output: sector %d: %w", blockIdx, err))
			o.mu.Unlock()
			return
		}
		o.sectorDone(blockIdx, s)
	}()
	return nil
}

// sectorDone stashes a finished Sector in the ready map and drains as
// many consecutive in-order sectors as are available, up to drainFanout
// per call.
func (o *Output) sectorDone(blockIdx uint32, s *sector.Sector) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ready[blockIdx] = s
	o.drainLocked()
}

// drainLocked must be called with o.mu held.
func (o *Output) drainLocked() {
	writeStart := o.dstPos
	var gather [][]byte
	var drained []*sector.Sector

	for len(gather) < drainFanout {
		s, ok := o.ready[o.nextDrain]
		if !ok {
			break
		}
		delete(o.ready, o.nextDrain)

		storeRaw, buf, size, fmt := s.Best(int(o.indexAlign))
		isLast := o.nextDrain == o.sectors-1
		n := int(o.blockSize)
		if o.decompress && isLast {
			n = int(o.srcSize - uint64(o.nextDrain)*uint64(o.blockSize))
		}

		var payload []byte
		if storeRaw {
			if o.format == container.FormatDAX {
				o.setErr(xerrors.Errorf("output: DAX block %d: all trials failed, no raw fallback available", o.nextDrain))
				o.releaseLocked(s)
				return
			}
			payload = s.RawBlock()[:n]
		} else {
			payload = buf[:size]
		}

		if !o.decompress {
			if err := o.updateIndex(int(o.nextDrain), o.dstPos, uint32(len(payload)), storeRaw, fmt); err != nil {
				o.setErr(err)
				o.releaseLocked(s)
				return
			}
		}

		gather = append(gather, payload)
		o.dstPos += uint64(len(payload))
		if !o.decompress {
			if pad := alignUp64(o.dstPos, o.indexAlign) - o.dstPos; pad > 0 {
				padding := o.zeroPage
				if uint64(len(padding)) < pad {
					padding = make([]byte, pad)
				}
				gather = append(gather, padding[:pad])
				o.dstPos += pad
			}
		}

		o.srcPos += uint64(n)
		drained = append(drained, s)
		o.nextDrain++
	}

	if len(gather) == 0 {
		return
	}

	burst := make([]byte, 0, o.dstPos-writeStart)
	for _, chunk := range gather {
		burst = append(burst, chunk...)
	}
	if _, err := o.w.WriteAt(burst, int64(writeStart)); err != nil {
		o.setErr(xerrors.Errorf("output: write at %d: %w", writeStart, err))
	}

	for _, s := range drained {
		o.releaseLocked(s)
	}

	if o.onProgress != nil {
		o.onProgress(o.srcPos, o.srcSize, o.dstPos)
	}

	if o.nextDrain == o.sectors && !o.decompress {
		o.csoIdxFinalizeLocked()
	}
}

func (o *Output) releaseLocked(s *sector.Sector) {
	s.Release()
	o.free = append(o.free, s)
}

// updateIndex records block i's placement. For CSO v2 bit 31 flags LZ4
// (raw is implied by entry-delta == blockSize, spec.md §9's resolution of
// the v2 raw/compressed ambiguity); for v1/ZSO bit 31 flags raw storage
// directly. DAX has no raw encoding at all.
func (o *Output) updateIndex(i int, offset uint64, size uint32, storeRaw bool, fmt compress.Format) error {
	switch o.format {
	case container.FormatDAX:
		if storeRaw {
			return xerrors.Errorf("output: DAX block %d cannot be stored raw", i)
		}
		o.daxIdx.Offsets[i] = uint32(offset)
		if size > 0xFFFF {
			return xerrors.Errorf("output: DAX block %d compressed size %d exceeds 16 bits", i, size)
		}
		o.daxIdx.Sizes[i] = uint16(size)
		return nil
	case container.FormatCSO2:
		o.csoIdx.SetBlock(i, offset, !storeRaw && fmt == compress.LZ4)
		return nil
	default: // CSO1, ZSO
		if !storeRaw {
			if o.format == container.FormatCSO1 && fmt == compress.LZ4 {
				return xerrors.Errorf("output: LZ4 format not supported within CSO v1 file (block %d)", i)
			}
			if o.format == container.FormatZSO && fmt == compress.Deflate {
				return xerrors.Errorf("output: deflate format not supported within ZSO file (block %d)", i)
			}
		}
		o.csoIdx.SetBlock(i, offset, storeRaw)
		return nil
	}
}

// csoIdxFinalizeLocked records the end-of-data offset in the trailing
// index entry; Finish stages and writes the header+index. It must be
// called with o.mu held, after the final block has drained.
func (o *Output) csoIdxFinalizeLocked() {
	if o.format == container.FormatDAX {
		return
	}
	o.csoIdx.Entries[o.sectors] = container.MakeIndexEntry(o.dstPos, o.indexShift, false)
}

// Close releases every Sector's buffers back to the pool, including the
// free list's working buffers that Release alone leaves intact for reuse
// between blocks. The caller must call this once a task's outcome is
// known (success or error) so the pool's allocation count returns to
// zero before a shared pool is resized for the next task.
func (o *Output) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.free {
		s.Close()
	}
	o.free = nil
	for _, s := range o.busy {
		s.Close()
	}
	o.busy = nil
	for _, s := range o.ready {
		s.Close()
	}
	o.ready = nil
}

// Wait blocks until every in-flight Sector's trial pool has completed.
// TaskRunner calls this once Input reports end-of-data, before Finish.
func (o *Output) Wait() {
	o.wg.Wait()
}

// Finish synthesizes zero-padding for any partially-fed final block,
// drains it, and — unless running in decompress mode — writes the
// header and index. It must be called after Wait.
func (o *Output) Finish(ctx context.Context) error {
	o.mu.Lock()
	var trailing *sector.Sector
	var trailingIdx uint32
	if len(o.busy) > 0 {
		// Map iteration order is unspecified; sort so the earliest
		// (and in practice only) partially-fed block is chosen
		// deterministically rather than whichever the runtime visits first.
		idxs := make([]uint32, 0, len(o.busy))
		for idx := range o.busy {
			idxs = append(idxs, idx)
		}
		slices.Sort(idxs)
		trailingIdx = idxs[0]
		trailing = o.busy[trailingIdx]
		delete(o.busy, trailingIdx)
	}
	o.mu.Unlock()

	if trailing != nil {
		rem := int64(o.blockSize) - (int64(o.srcSize) - trailing.Pos())
		if rem > 0 && rem <= int64(o.blockSize) {
			if err := trailing.Feed(trailing.Pos()+int64(o.blockSize)-rem, make([]byte, rem)); err != nil {
				return xerrors.Errorf("output: padding final block: %w", err)
			}
		}
		if err := trailing.Run(ctx, !o.decompress, o.workers); err != nil {
			return xerrors.Errorf("output: final sector: %w", err)
		}
		o.sectorDone(trailingIdx, trailing)
	}

	o.mu.Lock()
	err := o.err
	o.mu.Unlock()
	if err != nil {
		return err
	}

	if o.decompress {
		return nil
	}

	var staged []byte
	var stageErr error
	if o.format == container.FormatDAX {
		h := &container.DaxHeader{Magic: [4]byte{'D', 'A', 'X', 0}, UncompressedSize: uint32(o.srcSize), Version: 0, NCAreas: 0}
		staged, stageErr = container.StageDaxHeaderAndIndex(h, o.daxIdx)
	} else {
		magic := [4]byte{'C', 'I', 'S', 'O'}
		if o.format == container.FormatZSO {
			magic = [4]byte{'Z', 'I', 'S', 'O'}
		}
		h := &container.Header{
			Magic:            magic,
			HeaderSize:       container.HeaderSize,
			UncompressedSize: o.srcSize,
			BlockSize:        o.blockSize,
			Version:          o.version,
			IndexShift:       o.indexShift,
		}
		staged, stageErr = container.StageHeaderAndIndex(h, o.csoIdx)
	}
	if stageErr != nil {
		return xerrors.Errorf("output: staging header: %w", stageErr)
	}
	if _, err := o.w.WriteAt(staged, 0); err != nil {
		return xerrors.Errorf("output: writing header: %w", err)
	}
	return nil
}

// FileSize returns the total number of bytes the output file should
// occupy once Finish has completed.
func (o *Output) FileSize() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return int64(o.dstPos)
}
