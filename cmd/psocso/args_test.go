package main

import (
	"testing"

	"github.com/dskinner-tools/psocso/internal/container"
	"github.com/dskinner-tools/psocso/internal/task"
)

func TestDefaultOutput(t *testing.T) {
	cases := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"game.iso", "game.cso", true},
		{"game.ISO", "game.cso", true},
		{"game.cso", "game.iso", true},
		{"game.zso", "game.iso", true},
		{"game.dax", "game.iso", true},
		{"game.bin", "", false},
	}
	for _, c := range cases {
		got, ok := defaultOutput(c.in)
		if ok != c.wantOK || (ok && got != c.want) {
			t.Errorf("defaultOutput(%q) = (%q, %v), want (%q, %v)", c.in, got, ok, c.want, c.wantOK)
		}
	}
}

func TestResolveDerivesOutputsAndFlags(t *testing.T) {
	a := &arguments{
		inputs: []string{"a.iso", "b.iso"},
		format: container.FormatCSO1,
	}
	tasks, err := a.resolve()
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[0].output != "a.cso" || tasks[1].output != "b.cso" {
		t.Fatalf("outputs = %q, %q", tasks[0].output, tasks[1].output)
	}
	want := task.DefaultFlags(container.FormatCSO1)
	if tasks[0].flags != want {
		t.Fatalf("flags = %#x, want %#x", tasks[0].flags, want)
	}
}

func TestResolveRejectsOutputsWithCRC(t *testing.T) {
	a := &arguments{
		inputs:  []string{"a.iso"},
		outputs: []string{"a.cso"},
		crc:     true,
	}
	if _, err := a.resolve(); err == nil {
		t.Fatal("resolve should reject -o combined with -crc")
	}
}

func TestResolveRejectsUnresolvableOutput(t *testing.T) {
	a := &arguments{inputs: []string{"game.bin"}}
	if _, err := a.resolve(); err == nil {
		t.Fatal("resolve should reject an input with no derivable output")
	}
}

func TestResolveRejectsNoInputs(t *testing.T) {
	a := &arguments{}
	if _, err := a.resolve(); err == nil {
		t.Fatal("resolve should reject an empty input list")
	}
}

func TestResolveAppliesUseAndSmallest(t *testing.T) {
	a := &arguments{
		inputs:   []string{"a.iso"},
		format:   container.FormatCSO1,
		use:      []string{"lz4"},
		smallest: true,
	}
	tasks, err := a.resolve()
	if err != nil {
		t.Fatal(err)
	}
	f := tasks[0].flags
	if f&task.TaskFlagNoLZ4Default != 0 || f&task.TaskFlagNoLZ4HC != 0 {
		t.Fatalf("--use lz4 did not enable lz4: %#x", f)
	}
	if f&task.TaskFlagForceAll == 0 {
		t.Fatalf("--smallest did not set ForceAll: %#x", f)
	}
}

func TestResolveExplicitOutputsOverrideDerivation(t *testing.T) {
	a := &arguments{
		inputs:  []string{"a.iso", "b.iso"},
		outputs: []string{"custom.cso"},
	}
	tasks, err := a.resolve()
	if err != nil {
		t.Fatal(err)
	}
	if tasks[0].output != "custom.cso" {
		t.Fatalf("output[0] = %q, want custom.cso", tasks[0].output)
	}
	if tasks[1].output != "b.cso" {
		t.Fatalf("output[1] = %q, want b.cso (derived)", tasks[1].output)
	}
}

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in   string
		want container.Format
		ok   bool
	}{
		{"", container.FormatCSO1, true},
		{"cso1", container.FormatCSO1, true},
		{"cso2", container.FormatCSO2, true},
		{"zso", container.FormatZSO, true},
		{"bogus", container.FormatCSO1, false},
	}
	for _, c := range cases {
		got, err := parseFormat(c.in)
		if (err == nil) != c.ok {
			t.Errorf("parseFormat(%q) error = %v, want ok=%v", c.in, err, c.ok)
		}
		if err == nil && got != c.want {
			t.Errorf("parseFormat(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestSplitMethodArgs(t *testing.T) {
	rest, use, no, only, err := splitMethodArgs([]string{
		"--use-lz4", "game.iso", "--no-zlib", "-o", "game.cso", "--only-7zdeflate",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(use) != 1 || use[0] != "lz4" {
		t.Fatalf("use = %v, want [lz4]", use)
	}
	if len(no) != 1 || no[0] != "zlib" {
		t.Fatalf("no = %v, want [zlib]", no)
	}
	if len(only) != 1 || only[0] != "7zdeflate" {
		t.Fatalf("only = %v, want [7zdeflate]", only)
	}
	wantRest := []string{"game.iso", "-o", "game.cso"}
	if len(rest) != len(wantRest) {
		t.Fatalf("rest = %v, want %v", rest, wantRest)
	}
	for i := range wantRest {
		if rest[i] != wantRest[i] {
			t.Fatalf("rest = %v, want %v", rest, wantRest)
		}
	}
}

func TestSplitMethodArgsRejectsUnknownMethod(t *testing.T) {
	if _, _, _, _, err := splitMethodArgs([]string{"--use-bogus"}); err == nil {
		t.Fatal("splitMethodArgs should reject an unknown method")
	}
}

func TestSplitMethodArgsStopsAtDoubleDash(t *testing.T) {
	rest, use, _, _, err := splitMethodArgs([]string{"--use-lz4", "--", "--use-zlib"})
	if err != nil {
		t.Fatal(err)
	}
	if len(use) != 1 || use[0] != "lz4" {
		t.Fatalf("use = %v, want [lz4]", use)
	}
	wantRest := []string{"--", "--use-zlib"}
	if len(rest) != len(wantRest) || rest[0] != wantRest[0] || rest[1] != wantRest[1] {
		t.Fatalf("rest = %v, want %v (no method parsing after --)", rest, wantRest)
	}
}

func TestParseBlockSize(t *testing.T) {
	if n, err := parseBlockSize(""); err != nil || n != 0 {
		t.Fatalf("parseBlockSize(\"\") = (%d, %v), want (0, nil)", n, err)
	}
	if n, err := parseBlockSize("4096"); err != nil || n != 4096 {
		t.Fatalf("parseBlockSize(4096) = (%d, %v), want (4096, nil)", n, err)
	}
	if _, err := parseBlockSize("not-a-number"); err == nil {
		t.Fatal("parseBlockSize should reject non-numeric input")
	}
}
