package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"

	"github.com/MimeLyc/storyreel/internal/jobs"
)

const barWidth = 20

// progressPrinter renders tracker snapshots. On a terminal it redraws one
// line in place; otherwise it prints a line per distinct update.
type progressPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	tty  bool
	last string
	open bool
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, tty: isTerminal(w)}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (p *progressPrinter) update(job jobs.Job) {
	line := formatProgress(job)
	p.mu.Lock()
	defer p.mu.Unlock()
	if line == "" || line == p.last {
		return
	}
	p.last = line
	if p.tty {
		fmt.Fprintf(p.w, "\r\033[K%s", line)
		p.open = true
		return
	}
	fmt.Fprintln(p.w, line)
}

// finish ends an in-place line so later output starts on its own line.
func (p *progressPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.open {
		fmt.Fprintln(p.w)
		p.open = false
	}
}

func formatProgress(job jobs.Job) string {
	switch job.State {
	case jobs.StateIdle:
		return ""
	case jobs.StateSubmitting:
		return job.Message
	default:
		return fmt.Sprintf("%s %3d%% %s: %s", progressBar(job.Progress), job.Progress, job.Label, job.Message)
	}
}

func progressBar(percent int) string {
	percent = max(0, min(100, percent))
	filled := percent * barWidth / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", barWidth-filled) + "]"
}
