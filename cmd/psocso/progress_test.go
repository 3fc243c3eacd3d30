package main

import (
	"bytes"
	"testing"

	"github.com/dskinner-tools/psocso/internal/task"
)

func TestTruncate(t *testing.T) {
	short := "game.iso"
	if got := truncate(short); got != short {
		t.Errorf("truncate(%q) = %q, want unchanged", short, got)
	}

	long := "/very/long/path/to/a/game/image/that/is/definitely/over/38/chars.iso"
	got := truncate(long)
	if len(got) != 38 {
		t.Errorf("truncate(%q) = %q (len %d), want len 38", long, got, len(got))
	}
	if got[:3] != "..." {
		t.Errorf("truncate(%q) = %q, want \"...\" prefix", long, got)
	}
}

func TestPrinterQuietSuppressesOutput(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, true)

	tk := &task.Task{Input: "game.iso"}
	p.progress(tk, task.StatusSuccess, 100, 100, 50)
	p.taskError(tk, task.StatusBadInput, "boom")

	if buf.Len() != 0 {
		t.Fatalf("quiet printer wrote %q, want nothing", buf.String())
	}
}

func TestPrinterNonTTYSkipsProgressButKeepsErrors(t *testing.T) {
	var buf bytes.Buffer
	p := newPrinter(&buf, false)

	tk := &task.Task{Input: "game.iso"}
	p.progress(tk, task.StatusInProgress, 10, 100, 5)
	if buf.Len() != 0 {
		t.Fatalf("non-tty printer wrote progress %q, want nothing", buf.String())
	}

	p.taskError(tk, task.StatusBadInput, "boom")
	if !bytes.Contains(buf.Bytes(), []byte("boom")) {
		t.Fatalf("error output %q missing reason", buf.String())
	}
}
