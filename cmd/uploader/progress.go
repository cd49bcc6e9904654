package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"vodforge/internal/uploader"
)

const defaultBarWidth = 40

// progressPrinter redraws a bar in place on a terminal and prints one line
// per whole percent otherwise.
type progressPrinter struct {
	w       io.Writer
	tty     bool
	width   int
	last    int
	written bool
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	p := &progressPrinter{w: w, width: defaultBarWidth, last: -1}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.tty = true
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 40 {
			p.width = min(cols-30, 60)
		}
	}
	return p
}

func (p *progressPrinter) Update(progress uploader.Progress) {
	if progress.Total <= 0 {
		return
	}
	percent := int(progress.Fraction() * 100)
	p.written = true
	if p.tty {
		filled := p.width * progress.Completed / progress.Total
		fmt.Fprintf(p.w, "\r[%s%s] %3d%% %d/%d chunks",
			strings.Repeat("=", filled), strings.Repeat(" ", p.width-filled),
			percent, progress.Completed, progress.Total)
		return
	}
	if percent == p.last {
		return
	}
	p.last = percent
	fmt.Fprintf(p.w, "%d%% (%d/%d chunks)\n", percent, progress.Completed, progress.Total)
}

// Done ends the in-place bar line.
func (p *progressPrinter) Done() {
	if p.tty && p.written {
		fmt.Fprintln(p.w)
	}
}
