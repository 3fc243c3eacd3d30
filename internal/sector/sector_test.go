package sector

import (
	"context"
	"testing"

	"github.com/dskinner-tools/psocso/internal/compress"
	"github.com/dskinner-tools/psocso/internal/container"
	"github.com/dskinner-tools/psocso/internal/pool"
)

func newTestPool(blockSize int) *pool.BufferPool {
	size := compress.MaxCompressedSize(blockSize)
	if size < blockSize {
		size = blockSize
	}
	return pool.New(size)
}

func TestSectorCompressesRunOfZeros(t *testing.T) {
	const blockSize = 4096
	p := newTestPool(blockSize)
	trials := []compress.Trial{compress.NewZlibDefault(), compress.NewLZ4Default()}
	s := New(p, blockSize, container.FormatCSO1, trials, CostPolicy{})

	s.Reset(0)
	if err := s.Feed(0, make([]byte, 2048)); err != nil {
		t.Fatal(err)
	}
	if err := s.Feed(2048, make([]byte, 2048)); err != nil {
		t.Fatal(err)
	}
	if !s.Full() {
		t.Fatal("Full() = false after feeding a complete block")
	}
	if err := s.Run(context.Background(), true, 4); err != nil {
		t.Fatal(err)
	}
	raw, _, size, fmt := s.Best(1)
	if raw {
		t.Fatal("an all-zero block should compress, not be stored raw")
	}
	if size >= blockSize {
		t.Fatalf("compressed size %d not smaller than block size %d", size, blockSize)
	}
	if fmt != compress.Deflate && fmt != compress.LZ4 {
		t.Fatalf("unexpected winning format %v", fmt)
	}
	s.Release()
}

func TestSectorFallsBackToRawWhenIncompressible(t *testing.T) {
	const blockSize = 2048
	p := newTestPool(blockSize)
	s := New(p, blockSize, container.FormatCSO1, []compress.Trial{compress.NewZlibDefault()}, CostPolicy{})

	s.Reset(0)
	data := make([]byte, blockSize)
	x := uint32(2463534242)
	for i := range data {
		// xorshift32: pseudo-random bytes with no repeating period
		// inside the block, so deflate cannot shrink them.
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		data[i] = byte(x >> 24)
	}
	if err := s.Feed(0, data); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background(), true, 1); err != nil {
		t.Fatal(err)
	}
	raw, _, size, fmt := s.Best(1)
	if !raw {
		t.Fatalf("expected raw fallback, got compressed size %d fmt %v", size, fmt)
	}
	if size != blockSize {
		t.Fatalf("raw size = %d, want %d", size, blockSize)
	}
	s.Release()
}

func TestSectorFeedOutOfWindowFails(t *testing.T) {
	const blockSize = 4096
	p := newTestPool(blockSize)
	s := New(p, blockSize, container.FormatCSO1, nil, CostPolicy{})
	s.Reset(4096)
	if err := s.Feed(0, make([]byte, 2048)); err == nil {
		t.Fatal("Feed accepted a position outside the sector's window")
	}
}

func TestSectorDaxAlwaysKeepsCompressed(t *testing.T) {
	const blockSize = container.DaxFrameSize
	p := newTestPool(blockSize)
	s := New(p, blockSize, container.FormatDAX, []compress.Trial{compress.NewDaxDeflate()}, CostPolicy{})
	s.Reset(0)
	data := make([]byte, blockSize)
	for i := range data {
		data[i] = byte(i*2654435761 + 7)
	}
	if err := s.Feed(0, data); err != nil {
		t.Fatal(err)
	}
	if err := s.Run(context.Background(), true, 1); err != nil {
		t.Fatal(err)
	}
	raw, _, _, fmt := s.Best(1)
	if raw {
		t.Fatal("DAX cannot store a block raw; finalize_best must not discard the compressed result")
	}
	if fmt != compress.Deflate {
		t.Fatalf("fmt = %v, want Deflate", fmt)
	}
}
