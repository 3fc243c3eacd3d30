package input

import (
	"bytes"
	"compress/flate"
	"testing"

	"github.com/dskinner-tools/psocso/internal/compress"
	"github.com/dskinner-tools/psocso/internal/container"
	"github.com/dskinner-tools/psocso/internal/pool"
)

func deflateRaw(t *testing.T, src []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(src); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func readAll(t *testing.T, in *Input) []byte {
	t.Helper()
	var out []byte
	for {
		_, data, done, err := in.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if done {
			break
		}
		out = append(out, data...)
	}
	return out
}

func TestInputReadsPlainISO(t *testing.T) {
	src := make([]byte, 3*2048)
	for i := range src {
		src[i] = byte(i)
	}
	p := pool.New(4096)
	in, err := Open(bytes.NewReader(src), int64(len(src)), p)
	if err != nil {
		t.Fatal(err)
	}
	if in.Info().Format != container.FormatISO {
		t.Fatalf("Format = %v, want ISO", in.Info().Format)
	}
	got := readAll(t, in)
	if !bytes.Equal(got, src) {
		t.Fatal("round trip mismatch")
	}
	in.Close()
}

func buildCSO1(t *testing.T, blockSize uint32, blocks [][]byte) []byte {
	t.Helper()
	var uncompressedSize uint64
	for _, b := range blocks {
		uncompressedSize += uint64(len(b))
	}
	idx := container.NewCsoIndex(1, 0, uint32(len(blocks)))
	var payload bytes.Buffer
	dataStart := uint64(container.HeaderSize) + 4*uint64(len(blocks)+1)
	pos := dataStart
	for i, b := range blocks {
		compressed := deflateRaw(t, b)
		raw := len(compressed) >= len(b)
		idx.SetBlock(i, pos, raw)
		var out []byte
		if raw {
			out = b
		} else {
			out = compressed
		}
		payload.Write(out)
		pos += uint64(len(out))
	}
	idx.Entries[len(blocks)] = container.MakeIndexEntry(pos, 0, false)

	h := &container.Header{
		Magic:            [4]byte{'C', 'I', 'S', 'O'},
		HeaderSize:       container.HeaderSize,
		UncompressedSize: uncompressedSize,
		BlockSize:        blockSize,
		Version:          1,
		IndexShift:       0,
	}
	var out bytes.Buffer
	out.Write(h.Marshal())
	out.Write(idx.Marshal())
	out.Write(payload.Bytes())
	return out.Bytes()
}

func TestInputReadsCSO1RoundTrip(t *testing.T) {
	block := make([]byte, 4096)
	file := buildCSO1(t, 4096, [][]byte{block, block})
	p := pool.New(compress.MaxCompressedSize(4096))
	in, err := Open(bytes.NewReader(file), int64(len(file)), p)
	if err != nil {
		t.Fatal(err)
	}
	if in.Info().Format != container.FormatCSO1 {
		t.Fatalf("Format = %v, want CSO1", in.Info().Format)
	}
	got := readAll(t, in)
	want := append(append([]byte{}, block...), block...)
	if !bytes.Equal(got, want) {
		t.Fatal("round trip mismatch")
	}
	in.Close()
}

func TestInputPauseBlocksNext(t *testing.T) {
	src := make([]byte, 2048)
	p := pool.New(4096)
	in, err := Open(bytes.NewReader(src), int64(len(src)), p)
	if err != nil {
		t.Fatal(err)
	}
	in.Pause()
	if _, _, _, err := in.Next(); err != ErrPaused {
		t.Fatalf("Next while paused = %v, want ErrPaused", err)
	}
	in.Resume()
	if _, _, done, err := in.Next(); err != nil || done {
		t.Fatalf("Next after resume: done=%v err=%v", done, err)
	}
	in.Close()
}
