package task

import (
	"context"
	"hash/crc32"
	"log"
	"os"

	"golang.org/x/xerrors"

	"github.com/dskinner-tools/psocso/internal/compress"
	"github.com/dskinner-tools/psocso/internal/container"
	"github.com/dskinner-tools/psocso/internal/input"
	"github.com/dskinner-tools/psocso/internal/pool"
)

// ChecksumTask computes the CRC-32 of a decoded image without writing
// any output (spec.md §4.7's --crc mode).
type ChecksumTask struct {
	Input string

	Progress func(t *ChecksumTask, pos, total int64)
	Result   func(t *ChecksumTask, crc uint32)
	Error    func(t *ChecksumTask, status Status, reason string)
}

// ChecksumRunner drives Input alone: no Output, no Sector trial pool.
// Input.Next already delivers sectors in strict logical order in this
// rendition, so folding them into the running CRC-32 as they arrive
// needs no out-of-order reorder buffer.
type ChecksumRunner struct {
	Log *log.Logger

	// pool is shared across every ChecksumTask this runner executes; its
	// size never changes (always compress.MaxCompressedSize of
	// container.MaxBlockSize), so unlike
	// Runner.pool it never needs SetBufferSize.
	pool *pool.BufferPool
}

// Run computes each task's checksum in order, continuing past a failing
// task the same way Runner.Run does.
func (r *ChecksumRunner) Run(ctx context.Context, tasks ...*ChecksumTask) error {
	var firstErr error
	for _, t := range tasks {
		if err := r.runOne(ctx, t); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if r.Log != nil {
				r.Log.Printf("checksum %s: %v", t.Input, err)
			}
		}
	}
	return firstErr
}

func (r *ChecksumRunner) runOne(ctx context.Context, t *ChecksumTask) error {
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

func (r *ChecksumRunner) execute(ctx context.Context, t *ChecksumTask) error {
	f, err := os.Open(t.Input)
	if err != nil {
		return wrapErr(StatusBadInput, xerrors.Errorf("checksum: opening input: %w", err))
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return wrapErr(StatusBadInput, xerrors.Errorf("checksum: stat input: %w", err))
	}

	if r.pool == nil {
		r.pool = pool.New(compress.MaxCompressedSize(container.MaxBlockSize))
	}
	inp, err := input.Open(f, fi.Size(), r.pool)
	if err != nil {
		return classifyInputErr(err)
	}
	defer inp.Close()

	total := int64(inp.Info().UncompressedSize)
	h := crc32.NewIEEE()
	for {
		if err := ctx.Err(); err != nil {
			return wrapErr(StatusBadInput, err)
		}
		pos, data, done, err := inp.Next()
		if err != nil {
			return classifyInputErr(err)
		}
		if done {
			break
		}
		h.Write(data)
		if t.Progress != nil {
			t.Progress(t, int64(pos)+int64(len(data)), total)
		}
	}

	if t.Result != nil {
		t.Result(t, h.Sum32())
	}
	return nil
}
