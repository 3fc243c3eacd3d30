package task

import (
	"context"
	"log"
	"os"
	"runtime"
	"time"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/dskinner-tools/psocso/internal/compress"
	"github.com/dskinner-tools/psocso/internal/container"
	"github.com/dskinner-tools/psocso/internal/input"
	"github.com/dskinner-tools/psocso/internal/output"
	"github.com/dskinner-tools/psocso/internal/pool"
	"github.com/dskinner-tools/psocso/internal/sector"
)

// autoBlockSizeThreshold is the source size spec.md §6 picks the larger
// default block size above, trading a bigger per-block compression unit
// for a smaller index on big images.
const autoBlockSizeThreshold = 2 << 30 // 2 GiB

func autoBlockSize(srcSize int64) uint32 {
	if srcSize <= autoBlockSizeThreshold {
		return 2048
	}
	return 16384
}

// Runner drives one or more Tasks strictly sequentially: a failing Task
// reports through its own Error callback and the Runner moves on to the
// next one rather than aborting the batch.
type Runner struct {
	Log *log.Logger

	// Threads bounds the Sector trial pool's concurrency. Zero means
	// runtime.NumCPU().
	Threads int

	// QueueSize is the Sector free-list size (spec.md §3's fixed-size
	// pre-allocated pool). Zero means a small default sufficient to keep
	// the trial pool fed without unbounded memory growth.
	QueueSize int

	// pool is the single process-wide buffer pool (spec.md §4.1) shared
	// across every Task this Runner executes, resized in place as each
	// task's block size demands.
	pool *pool.BufferPool
}

// bufferPool returns the Runner's shared pool, sized for size-byte
// buffers. The first call allocates it; later calls with a different
// size resize it in place, which fails if a prior task left buffers
// outstanding — execute always releases its Output and Input before
// returning, so that failure would mean a real leak, not a false
// positive from sharing.
func (r *Runner) bufferPool(size int) (*pool.BufferPool, error) {
	if r.pool == nil {
		r.pool = pool.New(size)
		return r.pool, nil
	}
	if r.pool.Size() != size {
		if err := r.pool.SetBufferSize(size); err != nil {
			return nil, xerrors.Errorf("task: resizing buffer pool: %w", err)
		}
	}
	return r.pool, nil
}

func (r *Runner) threads() int {
	if r.Threads > 0 {
		return r.Threads
	}
	return runtime.NumCPU()
}

func (r *Runner) queueSize() int {
	if r.QueueSize > 0 {
		return r.QueueSize
	}
	return 8
}

func (r *Runner) logf(format string, args ...interface{}) {
	if r.Log != nil {
		r.Log.Printf(format, args...)
	}
}

// Run executes every task in order, reporting each one's outcome through
// its own callbacks. It returns the first error encountered, if any,
// after every task has run.
func (r *Runner) Run(ctx context.Context, tasks ...*Task) error {
	var firstErr error
	for _, t := range tasks {
		if err := r.runOne(ctx, t); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			r.logf("task %s -> %s: %v", t.Input, t.Output, err)
		}
	}
	return firstErr
}

func (r *Runner) runOne(ctx context.Context, t *Task) error {
	err := r.execute(ctx, t)
	if err == nil {
		return nil
	}
	status := StatusBadInput
	var te *taskError
	if xerrors.As(err, &te) {
		status = te.status
	}
	if t.Error != nil {
		t.Error(t, status, err.Error())
	}
	return err
}

// classifyInputErr maps an internal/input failure to the Status the
// caller's Error callback should see: a decode failure is invalid data,
// everything else (bad header, short read, format mismatch) is bad
// input.
func classifyInputErr(err error) error {
	var de *input.DecodeError
	if xerrors.As(err, &de) {
		return wrapErr(StatusInvalidData, err)
	}
	return wrapErr(StatusBadInput, err)
}

func (r *Runner) execute(ctx context.Context, t *Task) error {
	in, err := os.Open(t.Input)
	if err != nil {
		return wrapErr(StatusBadInput, xerrors.Errorf("task: opening input: %w", err))
	}
	defer in.Close()

	fi, err := in.Stat()
	if err != nil {
		return wrapErr(StatusBadInput, xerrors.Errorf("task: stat input: %w", err))
	}

	decompress := t.Flags&TaskFlagDecompress != 0

	var poolSize int
	if decompress {
		// The source header's block size isn't known until Open parses
		// it; size generously for the largest block size any container
		// can declare rather than parse the header twice.
		poolSize = compress.MaxCompressedSize(container.MaxBlockSize)
	} else {
		blockSize := t.BlockSize
		if blockSize == 0 {
			blockSize = autoBlockSize(fi.Size())
		}
		poolSize = compress.MaxCompressedSize(int(blockSize))
	}
	p, err := r.bufferPool(poolSize)
	if err != nil {
		return wrapErr(StatusInvalidOption, err)
	}

	inp, err := input.Open(in, fi.Size(), p)
	if err != nil {
		return classifyInputErr(err)
	}
	defer inp.Close()

	blockSize := t.BlockSize
	if decompress {
		blockSize = inp.Info().BlockSize
	} else if blockSize == 0 {
		blockSize = autoBlockSize(fi.Size())
	}

	f, err := renameio.TempFile("", t.Output)
	if err != nil {
		return wrapErr(StatusBadOutput, xerrors.Errorf("task: creating output: %w", err))
	}
	defer f.Cleanup()

	if decompress {
		// The final size is known up front; preallocate so a full disk
		// surfaces as ENOSPC before any data is written rather than
		// partway through. Unsupported filesystems just skip the hint.
		if err := unix.Fallocate(int(f.Fd()), 0, 0, int64(inp.Info().UncompressedSize)); err != nil &&
			err != unix.ENOSYS && err != unix.EOPNOTSUPP {
			return wrapErr(StatusCannotWrite, xerrors.Errorf("task: preallocating output: %w", err))
		}
	}

	progress := func(srcPos, srcSize, dstPos uint64) {
		inp.Resume()
		if t.Progress != nil {
			t.Progress(t, StatusInProgress, int64(srcPos), int64(srcSize), int64(dstPos))
		}
	}

	out, err := output.New(f, p, output.Config{
		SrcSize:    inp.Info().UncompressedSize,
		BlockSize:  blockSize,
		Format:     t.Flags.ContainerFormat(),
		QueueSize:  r.queueSize(),
		Trials:     t.Flags.Trials(),
		Policy:     sector.CostPolicy{OrigMaxCostPercent: t.OrigMaxCostPercent, LZ4MaxCostPercent: t.LZ4MaxCostPercent},
		Workers:    r.threads(),
		Decompress: decompress,
		OnProgress: progress,
	})
	if err != nil {
		return wrapErr(StatusInvalidOption, xerrors.Errorf("task: %w", err))
	}
	defer out.Close()

	for {
		pos, data, done, err := inp.Next()
		if err == input.ErrPaused {
			time.Sleep(time.Millisecond)
			continue
		}
		if err != nil {
			return classifyInputErr(err)
		}
		if done {
			break
		}
		for out.QueueFull() {
			inp.Pause()
			if oerr := out.Err(); oerr != nil {
				return wrapErr(StatusCannotWrite, oerr)
			}
			time.Sleep(time.Millisecond)
		}
		if err := out.Enqueue(ctx, pos, data); err != nil {
			return wrapErr(StatusCannotWrite, err)
		}
	}

	out.Wait()
	if err := out.Finish(ctx); err != nil {
		return wrapErr(StatusCannotWrite, err)
	}
	if err := out.Err(); err != nil {
		return wrapErr(StatusCannotWrite, err)
	}
	if err := f.CloseAtomicallyReplace(); err != nil {
		return wrapErr(StatusCannotWrite, xerrors.Errorf("task: replacing output: %w", err))
	}

	if t.Progress != nil {
		total := int64(inp.Info().UncompressedSize)
		t.Progress(t, StatusSuccess, total, total, out.FileSize())
	}
	return nil
}
