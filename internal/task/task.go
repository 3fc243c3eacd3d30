// Package task ties internal/input and internal/output together into the
// unit of work a caller actually schedules: one source path, one
// destination path, a method selection, and the callbacks that report
// progress and failure. Runner drives the pull/push loop between the two
// packages; ChecksumRunner drives Input alone for the CRC-only path.
package task

import (
	"github.com/dskinner-tools/psocso/internal/compress"
	"github.com/dskinner-tools/psocso/internal/container"
	"golang.org/x/xerrors"
)

// TaskFlags is the method-selection bitfield, composed from a per-format
// default and any --use/--no/--only/--fast/--smallest overrides before a
// Task runs.
type TaskFlags uint32

const (
	TaskFlagNoZlibDefault TaskFlags = 1 << iota // disable the single default-level zlib deflate trial
	TaskFlagNoZlibBrute                         // disable the filtered/huffman-only/RLE deflate group
	TaskFlagNoZopfli                            // disable the high-effort deflate trial standing in for Zopfli
	TaskFlagNo7Zip                               // disable the 7-zip-deflate trial
	TaskFlagForceAll                             // set by SmallestFlags; Trials, internal/sector and internal/output do not read it
	TaskFlagFmtZSO                               // target format is ZSO rather than CSO
	TaskFlagFmtCSO2                              // target format is CSO v2 rather than CSO v1
	TaskFlagNoLZ4Default                         // disable the default-effort LZ4 trial
	TaskFlagNoLZ4HC                               // disable LZ4-HC entirely
	TaskFlagNoLZ4HCBrute                         // when LZ4-HC is enabled, sweep one level instead of all five

	// TaskFlagDecompress marks a Task as converting a compressed container
	// back to a raw ISO rather than encoding one. It has no CLI-exposed
	// bit position upstream, so it is assigned the next free bit above the
	// stable method-selection table.
	TaskFlagDecompress
)

const (
	TaskFlagNoZlib = TaskFlagNoZlibDefault | TaskFlagNoZlibBrute
	TaskFlagNoLZ4  = TaskFlagNoLZ4Default | TaskFlagNoLZ4HC | TaskFlagNoLZ4HCBrute
	TaskFlagNoAll  = TaskFlagNoZlib | TaskFlagNoZopfli | TaskFlagNo7Zip | TaskFlagNoLZ4
)

// DefaultFlags returns the per-format default method selection, before
// any --use/--no/--only/--fast/--smallest override is applied. CSO v1
// cannot carry an LZ4 block, ZSO cannot carry a deflate block, so each
// format's defaults disable the family its container can't represent.
func DefaultFlags(format container.Format) TaskFlags {
	switch format {
	case container.FormatCSO2:
		return TaskFlagNoZopfli | TaskFlagNoLZ4HCBrute | TaskFlagFmtCSO2
	case container.FormatZSO:
		return TaskFlagNoZlib | TaskFlagNo7Zip | TaskFlagNoZopfli | TaskFlagNoLZ4HCBrute | TaskFlagFmtZSO
	default:
		return TaskFlagNoZopfli | TaskFlagNoLZ4
	}
}

// methodFlags maps a CLI method name to the bit(s) that disable it.
func methodFlags(method string) (TaskFlags, error) {
	switch method {
	case "zlib":
		return TaskFlagNoZlib, nil
	case "zopfli":
		return TaskFlagNoZopfli, nil
	case "7zdeflate", "7zip":
		return TaskFlagNo7Zip, nil
	case "lz4":
		return TaskFlagNoLZ4Default | TaskFlagNoLZ4HC, nil
	case "lz4brute":
		return TaskFlagNoLZ4HCBrute, nil
	default:
		return 0, xerrors.Errorf("task: unknown method %q", method)
	}
}

// WithUse clears the bit(s) that disable method, enabling it.
func (f TaskFlags) WithUse(method string) (TaskFlags, error) {
	bits, err := methodFlags(method)
	if err != nil {
		return f, err
	}
	return f &^ bits, nil
}

// WithNo sets the bit(s) that disable method.
func (f TaskFlags) WithNo(method string) (TaskFlags, error) {
	bits, err := methodFlags(method)
	if err != nil {
		return f, err
	}
	return f | bits, nil
}

// WithOnly disables every method, then re-enables the named ones. Calling
// it more than once does not accumulate: each call disables everything
// again, so only the last call's methods stay enabled. The CLI passes
// every --only name in a single call.
func (f TaskFlags) WithOnly(methods ...string) (TaskFlags, error) {
	f |= TaskFlagNoAll
	for _, m := range methods {
		bits, err := methodFlags(m)
		if err != nil {
			return f, err
		}
		f &^= bits
	}
	return f, nil
}

// FastFlags disables every high-effort trial, leaving only the
// default-level zlib and LZ4 trials.
func (f TaskFlags) FastFlags() TaskFlags {
	return f | TaskFlagNoZlibBrute | TaskFlagNoZopfli | TaskFlagNo7Zip | TaskFlagNoLZ4HCBrute | TaskFlagNoLZ4HC
}

// SmallestFlags sets TaskFlagForceAll and leaves every method bit as it
// is. No component reads TaskFlagForceAll, so it changes neither the
// trial set nor the raw-storage fallback.
func (f TaskFlags) SmallestFlags() TaskFlags {
	return f | TaskFlagForceAll
}

// ContainerFormat reports the output container format selected by f's
// FMT bits. Absence of both format bits means CSO v1.
func (f TaskFlags) ContainerFormat() container.Format {
	switch {
	case f&TaskFlagFmtZSO != 0:
		return container.FormatZSO
	case f&TaskFlagFmtCSO2 != 0:
		return container.FormatCSO2
	default:
		return container.FormatCSO1
	}
}

// Trials returns the enabled compressor trials in the order
// internal/sector should run them: zlib-default, then the
// filtered/huffman-only/RLE group, Zopfli, 7-zip-deflate, then the LZ4
// family. ZSO's LZ4 family is exactly one trial, NewLZ4Frame: ZSO blocks
// are full LZ4 frames (internal/input's DecompressLZ4Frame expects the
// frame magic and block descriptor), not the raw LZ4 blocks
// NewLZ4Default/NewLZ4HC produce for CSO v2. The LZ4-default and LZ4-HC
// bits still gate the frame trial (it is skipped only when both are
// set), so --no-lz4 and --only-<other> disable LZ4 output for a ZSO task.
func (f TaskFlags) Trials() []compress.Trial {
	var trials []compress.Trial
	if f&TaskFlagNoZlibDefault == 0 {
		trials = append(trials, compress.NewZlibDefault())
	}
	if f&TaskFlagNoZlibBrute == 0 {
		trials = append(trials, compress.NewZlibFiltered(), compress.NewZlibHuffmanOnly(), compress.NewZlibRLE())
	}
	if f&TaskFlagNoZopfli == 0 {
		trials = append(trials, compress.NewZopfli())
	}
	if f&TaskFlagNo7Zip == 0 {
		trials = append(trials, compress.NewSevenZipDeflate())
	}

	lz4Disabled := f&TaskFlagNoLZ4Default != 0 && f&TaskFlagNoLZ4HC != 0
	if f.ContainerFormat() == container.FormatZSO {
		if !lz4Disabled {
			trials = append(trials, compress.NewLZ4Frame())
		}
		return trials
	}

	if f&TaskFlagNoLZ4HC == 0 {
		if f&TaskFlagNoLZ4HCBrute == 0 {
			for _, lvl := range compress.BruteHCLevels {
				trials = append(trials, compress.NewLZ4HC(lvl))
			}
		} else {
			trials = append(trials, compress.NewLZ4HC(compress.HCLevel16))
		}
	}
	if f&TaskFlagNoLZ4Default == 0 {
		trials = append(trials, compress.NewLZ4Default())
	}
	return trials
}

// Status classifies why a Task stopped, for both the progress and error
// callbacks.
type Status int

const (
	StatusInProgress Status = iota
	StatusSuccess
	StatusBadInput
	StatusBadOutput
	StatusInvalidData
	StatusCannotWrite
	StatusInvalidOption
)

func (s Status) String() string {
	switch s {
	case StatusInProgress:
		return "in progress"
	case StatusSuccess:
		return "success"
	case StatusBadInput:
		return "bad input"
	case StatusBadOutput:
		return "bad output"
	case StatusInvalidData:
		return "invalid data"
	case StatusCannotWrite:
		return "cannot write"
	case StatusInvalidOption:
		return "invalid option"
	default:
		return "unknown status"
	}
}

// taskError pairs a Status with the underlying cause, so the Runner's
// error-handling path and its caller's Error callback agree on why a
// Task stopped.
type taskError struct {
	status Status
	err    error
}

func (e *taskError) Error() string { return e.err.Error() }
func (e *taskError) Unwrap() error { return e.err }

func wrapErr(status Status, err error) error {
	if err == nil {
		return nil
	}
	return &taskError{status: status, err: err}
}

// Task is one source-to-destination conversion.
type Task struct {
	Input, Output string

	BlockSize uint32
	Flags     TaskFlags

	OrigMaxCostPercent float64
	LZ4MaxCostPercent  float64

	Progress func(t *Task, status Status, pos, total, written int64)
	Error    func(t *Task, status Status, reason string)
}
