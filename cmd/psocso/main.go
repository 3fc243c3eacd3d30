// Command psocso converts PSP disc images between the raw ISO layout and
// the CSO v1, CSO v2, ZSO and DAX compressed containers, or prints the
// CRC-32 of an image's decoded content with -crc. It is a thin shell
// around internal/task: flag parsing, progress printing and argv-to-Task
// translation live here, everything else lives in the library packages.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dskinner-tools/psocso/internal/container"
	"github.com/dskinner-tools/psocso/internal/task"
	"golang.org/x/xerrors"
)

const versionString = "psocso v0.1.0"

var (
	debug     = flag.Bool("debug", false, "format errors with additional detail")
	threads   = flag.Int("threads", 0, "number of trial/decompress worker threads (0 = detected CPU count)")
	blockArg  = flag.String("block", "", "block size in bytes (default 2048, or 16384 for inputs over 2 GiB)")
	formatArg = flag.String("format", "cso1", "output container format: cso1, cso2, or zso")
	quiet     = flag.Bool("quiet", false, "suppress status output")
	crc       = flag.Bool("crc", false, "print CRC-32 checksums (rejects -o, ignores method flags)")
	fast      = flag.Bool("fast", false, "use only basic zlib or lz4 for fastest result")
	smallest  = flag.Bool("smallest", false, "set the force-all task flag (does not change which trials run)")
	version   = flag.Bool("version", false, "print version and exit")

	outputs stringsFlag
)

func init() {
	flag.Var(&outputs, "out", "output path, one per input in order (alias -o)")
	flag.Var(&outputs, "o", "output path, one per input in order")
	flag.Usage = usage
}

func usage() {
	fmt.Fprintln(os.Stderr, versionString)
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] input.iso [-o output.cso] ...\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Multiple files may be specified. Inputs can be iso, cso, zso or dax files.")
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
	fmt.Fprintln(os.Stderr, "   --use-METHOD    Enable a compression method (zlib, zopfli, 7zdeflate, lz4, lz4brute)")
	fmt.Fprintln(os.Stderr, "   --no-METHOD     Disable a compression method")
	fmt.Fprintln(os.Stderr, "   --only-METHOD   Disable every method except the named one(s)")
}

// knownMethods is the set of names --use-/--no-/--only- accept, matching
// original_source/cli/cli.cpp's has_arg_method.
var knownMethods = map[string]bool{
	"zlib": true, "zopfli": true, "7zdeflate": true, "7zip": true,
	"lz4": true, "lz4brute": true,
}

// methodArgName recognizes --use-<method>, --no-<method> and
// --only-<method>, returning the method name and which list it belongs
// to. Go's flag package has no notion of a flag name suffix, so these are
// picked off argv before flag.Parse sees the rest, mirroring cli.cpp's
// has_arg_method prefix match.
func methodArgName(arg string) (name, kind string, ok bool) {
	switch {
	case strings.HasPrefix(arg, "--use-"):
		return arg[len("--use-"):], "use", true
	case strings.HasPrefix(arg, "--no-"):
		return arg[len("--no-"):], "no", true
	case strings.HasPrefix(arg, "--only-"):
		return arg[len("--only-"):], "only", true
	default:
		return "", "", false
	}
}

// splitMethodArgs pulls every --use-/--no-/--only- argument out of argv,
// returning the method names it found (grouped by list) and the
// remaining arguments for flag.Parse. Everything at or after a bare "--"
// terminator is passed through untouched, since cli.cpp treats it as the
// start of the positional input list.
func splitMethodArgs(argv []string) (rest, use, no, only []string, err error) {
	stop := false
	for _, a := range argv {
		if stop {
			rest = append(rest, a)
			continue
		}
		if a == "--" {
			stop = true
			rest = append(rest, a)
			continue
		}
		name, kind, ok := methodArgName(a)
		if !ok {
			rest = append(rest, a)
			continue
		}
		if !knownMethods[name] {
			return nil, nil, nil, nil, xerrors.Errorf("unknown method %q in %s", name, a)
		}
		switch kind {
		case "use":
			use = append(use, name)
		case "no":
			no = append(no, name)
		case "only":
			only = append(only, name)
		}
	}
	return rest, use, no, only, nil
}

// stringsFlag is a repeatable flag.Value collecting -o/--out values.
type stringsFlag []string

func (s *stringsFlag) String() string { return "" }
func (s *stringsFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// sniffFormat peeks at path's first four bytes to decide whether it is
// already a compressed container, the way internal/input does on open.
// The CLI needs this answer before input.Open runs, to choose whether the
// Task decompresses or encodes.
func sniffFormat(path string) (container.Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return container.FormatISO, err
	}
	defer f.Close()
	buf := make([]byte, 4)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return container.FormatISO, err
	}
	return container.DetectFingerprint(buf[:n]), nil
}

func funcmain() error {
	rest, use, no, only, err := splitMethodArgs(os.Args[1:])
	if err != nil {
		flag.Usage()
		return err
	}
	if err := flag.CommandLine.Parse(rest); err != nil {
		return err
	}

	if *version {
		fmt.Println(versionString)
		return nil
	}

	format, err := parseFormat(*formatArg)
	if err != nil {
		return err
	}
	blockSize, err := parseBlockSize(*blockArg)
	if err != nil {
		return err
	}

	args := &arguments{
		inputs:    flag.Args(),
		outputs:   []string(outputs),
		threads:   *threads,
		blockSize: blockSize,
		format:    format,
		use:       use,
		no:        no,
		only:      only,
		fast:      *fast,
		smallest:  *smallest,
		crc:       *crc,
	}

	resolved, err := args.resolve()
	if err != nil {
		flag.Usage()
		return err
	}

	ctx, canc := interruptibleContext()
	defer canc()

	p := newPrinter(os.Stderr, *quiet)
	onShutdown(func() error {
		if p.tty {
			fmt.Fprint(os.Stderr, ansiResetLine)
		}
		return nil
	})

	if args.crc {
		cr := &task.ChecksumRunner{}
		tasks := make([]*task.ChecksumTask, len(resolved))
		for i, rt := range resolved {
			tasks[i] = &task.ChecksumTask{
				Input:    rt.input,
				Progress: p.checksumProgress,
				Result:   p.checksumResult,
				Error:    p.checksumError,
			}
		}
		if err := cr.Run(ctx, tasks...); err != nil {
			return err
		}
		return runShutdown()
	}

	runner := &task.Runner{Threads: args.threads, QueueSize: 8}
	tasks := make([]*task.Task, len(resolved))
	for i, rt := range resolved {
		flags := rt.flags
		if detected, ferr := sniffFormat(rt.input); ferr == nil && detected != container.FormatISO {
			flags |= task.TaskFlagDecompress
		}
		tasks[i] = &task.Task{
			Input:     rt.input,
			Output:    rt.output,
			BlockSize: args.blockSize,
			Flags:     flags,
			Progress:  p.progress,
			Error:     p.taskError,
		}
	}
	if err := runner.Run(ctx, tasks...); err != nil {
		return err
	}

	return runShutdown()
}

func main() {
	if err := funcmain(); err != nil {
		if *debug {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(1)
	}
}
