package output

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/dskinner-tools/psocso/internal/compress"
	"github.com/dskinner-tools/psocso/internal/container"
	"github.com/dskinner-tools/psocso/internal/input"
	"github.com/dskinner-tools/psocso/internal/pool"
)

// fakeFile is an in-memory Writer + io.ReaderAt, standing in for the real
// *os.File-backed positioned writer internal/task provides.
type fakeFile struct {
	buf []byte
}

func (f *fakeFile) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[off:], p)
	return len(p), nil
}

func (f *fakeFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(f.buf)) {
		return 0, nil
	}
	n := copy(p, f.buf[off:])
	return n, nil
}

func runConvert(t *testing.T, src []byte, blockSize uint32, format container.Format, trials []compress.Trial, queueSize int) *fakeFile {
	t.Helper()
	p := pool.New(compress.MaxCompressedSize(int(blockSize)))
	f := &fakeFile{}
	out, err := New(f, p, Config{
		SrcSize:   uint64(len(src)),
		BlockSize: blockSize,
		Format:    format,
		QueueSize: queueSize,
		Trials:    trials,
		Workers:   2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	const secSize = 2048
	for off := 0; off < len(src); off += secSize {
		for out.QueueFull() {
			time.Sleep(time.Millisecond)
			if err := out.Err(); err != nil {
				t.Fatalf("Output.Err while waiting for a free sector: %v", err)
			}
		}
		end := off + secSize
		if end > len(src) {
			end = len(src)
		}
		if err := out.Enqueue(ctx, uint64(off), src[off:end]); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	out.Wait()
	if err := out.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := out.Err(); err != nil {
		t.Fatalf("Output.Err: %v", err)
	}
	return f
}

func TestOutputCSO1RoundTrip(t *testing.T) {
	src := make([]byte, 6*2048)
	for i := range src {
		src[i] = byte(i % 251)
	}
	trials := []compress.Trial{compress.NewZlibDefault()}
	f := runConvert(t, src, 4096, container.FormatCSO1, trials, 4)

	p := pool.New(compress.MaxCompressedSize(4096))
	in, err := input.Open(f, int64(len(f.buf)), p)
	if err != nil {
		t.Fatal(err)
	}
	if in.Info().Format != container.FormatCSO1 {
		t.Fatalf("Format = %v, want CSO1", in.Info().Format)
	}
	var got []byte
	for {
		_, data, done, err := in.Next()
		if err != nil {
			t.Fatal(err)
		}
		if done {
			break
		}
		got = append(got, data...)
	}
	if !bytes.Equal(got, src) {
		t.Fatal("round trip mismatch")
	}
}

func TestOutputDecompressModeTruncatesFinalBlock(t *testing.T) {
	src := make([]byte, 5000) // not a multiple of 2048
	for i := range src {
		src[i] = byte(i)
	}
	p := pool.New(compress.MaxCompressedSize(2048))
	f := &fakeFile{}
	out, err := New(f, p, Config{
		SrcSize:    uint64(len(src)),
		BlockSize:  2048,
		Format:     container.FormatISO,
		QueueSize:  2,
		Decompress: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for off := 0; off < len(src); off += 2048 {
		for out.QueueFull() {
			time.Sleep(time.Millisecond)
		}
		end := off + 2048
		if end > len(src) {
			end = len(src)
		}
		if err := out.Enqueue(ctx, uint64(off), src[off:end]); err != nil {
			t.Fatal(err)
		}
	}
	out.Wait()
	if err := out.Finish(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.buf) != len(src) {
		t.Fatalf("output size = %d, want %d (no header, no padding)", len(f.buf), len(src))
	}
	if !bytes.Equal(f.buf, src) {
		t.Fatal("decompressed bytes mismatch")
	}
}

func TestOutputIndexAlignmentInvariant(t *testing.T) {
	src := make([]byte, 8*4096)
	trials := []compress.Trial{compress.NewZlibDefault(), compress.NewLZ4Default()}
	f := runConvert(t, src, 4096, container.FormatCSO2, trials, 8)

	hdrBuf := f.buf[:container.HeaderSize]
	h, err := container.UnmarshalHeader(hdrBuf)
	if err != nil {
		t.Fatal(err)
	}
	sectors := container.Sectors(h.UncompressedSize, h.BlockSize)
	idxBuf := f.buf[container.HeaderSize : container.HeaderSize+4*(sectors+1)]
	idx, err := container.UnmarshalCsoIndex(idxBuf, h.Version, h.IndexShift, sectors)
	if err != nil {
		t.Fatal(err)
	}
	align := uint64(1) << h.IndexShift
	var prev uint64
	for i := 0; i <= int(sectors); i++ {
		off := idx.BlockOffset(i)
		if off < prev {
			t.Fatalf("index[%d] offset %d < previous %d", i, off, prev)
		}
		if off%align != 0 {
			t.Fatalf("index[%d] offset %d not aligned to %d", i, off, align)
		}
		prev = off
	}
}
