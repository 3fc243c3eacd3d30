package main

import (
	"fmt"
	"io"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/dskinner-tools/psocso/internal/task"
)

// ansiResetLine clears the current terminal line and returns the cursor to
// column 0, matching original_source/cli/cli.cpp's ANSI_RESET_LINE.
const ansiResetLine = "\033[2K\033[0G"

// printer renders Task/ChecksumTask progress the way the original CLI's
// uv_tty-based status line does: a redrawn single line when stderr is a
// terminal. When it is not, progress and "Complete" lines are not printed;
// checksum results and error lines still are. With -quiet nothing is
// printed, error lines included.
type printer struct {
	out   io.Writer
	quiet bool
	tty   bool

	next    time.Time
	lastPos int64
}

func newPrinter(out io.Writer, quiet bool) *printer {
	tty := false
	if f, ok := out.(interface{ Fd() uintptr }); ok {
		tty = isatty.IsTerminal(f.Fd())
	}
	return &printer{out: out, quiet: quiet, tty: tty}
}

// truncate shortens path the way the original CLI does for its status
// line: anything over 38 characters keeps only its last 35, prefixed with
// "...".
func truncate(path string) string {
	if len(path) <= 38 {
		return path
	}
	return "..." + path[len(path)-35:]
}

const progressInterval = 50 * time.Millisecond

func (p *printer) progress(t *task.Task, status task.Status, pos, total, written int64) {
	if p.quiet || !p.tty {
		return
	}
	var line string
	switch status {
	case task.StatusInProgress:
		now := time.Now()
		if now.Before(p.next) {
			return
		}
		percent := float64(pos) * 100.0 / float64(total)
		ratio := 0.0
		if pos > 0 {
			ratio = float64(written) * 100.0 / float64(pos)
		}
		speed := 0.0
		if diff := pos - p.lastPos; diff > 0 {
			speed = (float64(diff) / 1024.0 / 1024.0) * (1000.0 / float64(progressInterval/time.Millisecond))
		}
		line = fmt.Sprintf("%3.0f%%, ratio=%3.0f%%, speed=%5.2f MB/s", percent, ratio, speed)
		p.next = now.Add(progressInterval)
		p.lastPos = pos
	case task.StatusSuccess:
		line = "Complete\n"
	default:
		return
	}
	fmt.Fprintf(p.out, "%s%s: %s", ansiResetLine, truncate(t.Input), line)
}

func (p *printer) taskError(t *task.Task, status task.Status, reason string) {
	if p.quiet {
		return
	}
	prefix := ""
	if p.tty {
		prefix = ansiResetLine
	}
	fmt.Fprintf(p.out, "%sError while processing %s: %s\n", prefix, t.Input, reason)
}

func (p *printer) checksumProgress(t *task.ChecksumTask, pos, total int64) {
	if p.quiet || !p.tty {
		return
	}
	now := time.Now()
	if now.Before(p.next) {
		return
	}
	percent := float64(pos) * 100.0 / float64(total)
	fmt.Fprintf(p.out, "%s%s: %3.0f%%", ansiResetLine, truncate(t.Input), percent)
	p.next = now.Add(progressInterval)
}

func (p *printer) checksumResult(t *task.ChecksumTask, crc uint32) {
	if p.quiet {
		return
	}
	prefix := ""
	if p.tty {
		prefix = ansiResetLine
	}
	fmt.Fprintf(p.out, "%s%s: %08x\n", prefix, t.Input, crc)
}

func (p *printer) checksumError(t *task.ChecksumTask, status task.Status, reason string) {
	if p.quiet {
		return
	}
	prefix := ""
	if p.tty {
		prefix = ansiResetLine
	}
	fmt.Fprintf(p.out, "%sError while processing %s: %s\n", prefix, t.Input, reason)
}
