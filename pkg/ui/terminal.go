// Package ui prints the command line's human facing output.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Banner is printed by long running commands on start
const Banner = `
  ┌─┐┌─┐┬ ┬┌┬┐┌─┐ ┌┬┐┌─┐┌┬┐┬┌─┐┌─┐┌─┐┌┬┐┌─┐
  │ ┬├─┤ │ │ │ ├┤  │││├┤  │││├─┤│ ┬├─┤ │ ├┤
  └─┘┴ ┴ ┴ ┴ └─┘ ┴ ┴└─┘─┴┘┴┴ ┴└─┘┴ ┴ ┴ └─┘
`

const (
	cyan    = "\033[36m"
	yellow  = "\033[33m"
	red     = "\033[31m"
	green   = "\033[32m"
	magenta = "\033[35m"
	dim     = "\033[2m"
	reset   = "\033[0m"
)

// Printer writes colored status lines. Color is only emitted when the
// output is a terminal and NO_COLOR is unset.
type Printer struct {
	out   io.Writer
	err   io.Writer
	color bool
	quiet bool
}

// New creates a printer for out (status lines) and errOut (errors)
func New(out, errOut io.Writer, noColor bool) *Printer {
	return &Printer{
		out:   out,
		err:   errOut,
		color: !noColor && os.Getenv("NO_COLOR") == "" && isTerminal(out),
	}
}

// Stdout is a printer on the process streams
func Stdout(noColor bool) *Printer {
	return New(os.Stdout, os.Stderr, noColor)
}

// SetQuiet suppresses everything but errors
func (p *Printer) SetQuiet(quiet bool) {
	p.quiet = quiet
}

func (p *Printer) paint(code, s string) string {
	if !p.color {
		return s
	}
	return code + s + reset
}

// Logo prints the banner
func (p *Printer) Logo() {
	if p.quiet {
		return
	}
	fmt.Fprint(p.out, p.paint(cyan, Banner))
}

// Error prints msg and an optional detail to the error stream
func (p *Printer) Error(msg string, detail ...interface{}) {
	fmt.Fprintln(p.err, p.paint(red, withDetail(msg, detail)))
}

// Warning prints msg and an optional detail in yellow
func (p *Printer) Warning(msg string, detail ...interface{}) {
	if p.quiet {
		return
	}
	fmt.Fprintln(p.out, p.paint(yellow, withDetail(msg, detail)))
}

// Success prints msg in green
func (p *Printer) Success(msg string) {
	if p.quiet {
		return
	}
	fmt.Fprintln(p.out, p.paint(green, msg))
}

// Info prints a label/value pair
func (p *Printer) Info(label, value string) {
	if p.quiet {
		return
	}
	fmt.Fprintf(p.out, "%s: %s\n", p.paint(cyan, label), p.paint(yellow, value))
}

// Highlight prints msg in magenta
func (p *Printer) Highlight(msg string) {
	if p.quiet {
		return
	}
	fmt.Fprintln(p.out, p.paint(magenta, msg))
}

// List prints an indented bullet per item, dimmed
func (p *Printer) List(items []string) {
	if p.quiet {
		return
	}
	for _, it := range items {
		fmt.Fprintf(p.out, "  - %s\n", p.paint(dim, it))
	}
}

// Plain prints unformatted text
func (p *Printer) Plain(format string, args ...interface{}) {
	if p.quiet {
		return
	}
	fmt.Fprintf(p.out, format, args...)
}

func withDetail(msg string, detail []interface{}) string {
	if len(detail) == 0 {
		return msg
	}
	d := strings.TrimSpace(fmt.Sprintf("%v", detail[0]))
	if d == "" {
		return msg
	}
	return msg + ": " + d
}

type fder interface {
	Fd() uintptr
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(fder)
	return ok && term.IsTerminal(int(f.Fd()))
}
