package main

import (
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/dskinner-tools/psocso/internal/container"
	"github.com/dskinner-tools/psocso/internal/task"
	"golang.org/x/xerrors"
)

// arguments mirrors the original CLI's Arguments struct: flags are parsed
// into separate fields first and composed into a final TaskFlags value by
// resolve, so the composition order (format default, --use, --no, --only,
// --fast, --smallest) stays in one place. use/no/only hold the method
// names splitMethodArgs pulled out of --use-<method>/--no-<method>/
// --only-<method> before flag.Parse ran.
type arguments struct {
	inputs  []string
	outputs []string

	threads   int
	blockSize uint32
	format    container.Format

	use, no, only []string

	fast     bool
	smallest bool
	crc      bool
}

// defaultOutput derives an output path from an input path's extension when
// -o/--out wasn't given: a raw ISO gets a .cso sibling (matching the
// original CLI, which always names auto-derived outputs .cso regardless of
// --format); a recognized compressed extension gets a .iso sibling. This
// extends the original CLI, which only ever derived .iso -> .cso and had no
// way to ask for the reverse conversion from the command line.
func defaultOutput(in string) (string, bool) {
	ext := strings.ToLower(filepath.Ext(in))
	stem := strings.TrimSuffix(in, filepath.Ext(in))
	switch ext {
	case ".iso":
		return stem + ".cso", true
	case ".cso", ".ciso", ".zso", ".dax":
		return stem + ".iso", true
	default:
		return "", false
	}
}

func parseFormat(s string) (container.Format, error) {
	switch s {
	case "cso1", "":
		return container.FormatCSO1, nil
	case "cso2":
		return container.FormatCSO2, nil
	case "zso":
		return container.FormatZSO, nil
	default:
		return container.FormatCSO1, xerrors.Errorf("unknown format %q, expecting cso1, cso2, or zso", s)
	}
}

// resolvedTask is one input/output pair plus the TaskFlags composed for
// it, ready to hand to task.Runner or task.ChecksumRunner.
type resolvedTask struct {
	input, output string
	flags         task.TaskFlags
}

// resolve validates args and derives the final per-task flags, following
// original_source/cli/cli.cpp's validate_args: thread-count default,
// output-path derivation for --crc-less runs, then flag composition in
// the fixed order format-default -> --use -> --no -> --only -> --fast ->
// --smallest. The format bits come from the format default; no later step
// changes them.
func (a *arguments) resolve() ([]resolvedTask, error) {
	if a.threads == 0 {
		a.threads = runtime.NumCPU()
	}

	if len(a.inputs) < len(a.outputs) {
		return nil, xerrors.New("too many output files")
	}

	if a.crc {
		if len(a.outputs) != 0 {
			return nil, xerrors.New("output files not used with --crc")
		}
	} else {
		for i := len(a.outputs); i < len(a.inputs); i++ {
			in := a.inputs[i]
			out, ok := defaultOutput(in)
			if !ok {
				return nil, xerrors.Errorf("no output specified for %q and its extension does not imply one", in)
			}
			a.outputs = append(a.outputs, out)
		}
		if len(a.inputs) != len(a.outputs) {
			return nil, xerrors.New("too few output files")
		}
	}

	if len(a.inputs) == 0 {
		return nil, xerrors.New("no input files")
	}

	flags := task.DefaultFlags(a.format)
	for _, m := range a.use {
		var err error
		if flags, err = flags.WithUse(m); err != nil {
			return nil, err
		}
	}
	for _, m := range a.no {
		var err error
		if flags, err = flags.WithNo(m); err != nil {
			return nil, err
		}
	}
	if len(a.only) > 0 {
		var err error
		if flags, err = flags.WithOnly(a.only...); err != nil {
			return nil, err
		}
	}
	if a.fast {
		flags = flags.FastFlags()
	}
	if a.smallest {
		flags = flags.SmallestFlags()
	}

	tasks := make([]resolvedTask, len(a.inputs))
	for i, in := range a.inputs {
		out := ""
		if !a.crc {
			out = a.outputs[i]
		}
		tasks[i] = resolvedTask{input: in, output: out, flags: flags}
	}
	return tasks, nil
}

func parseBlockSize(s string) (uint32, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, xerrors.Errorf("invalid --block value %q: %w", s, err)
	}
	return uint32(n), nil
}
