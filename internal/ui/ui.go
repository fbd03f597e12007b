// Package ui decides how CLI commands render results: pretty tables on
// an interactive terminal, line-oriented JSON on pipes and in CI.
package ui

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
)

// Mode selects the output rendering.
type Mode int

const (
	// ModeAuto picks table on a TTY, JSON otherwise.
	ModeAuto Mode = iota
	// ModeJSON always emits JSON.
	ModeJSON
	// ModePlain always emits tables without detection.
	ModePlain
)

// Printer renders command results to one writer.
type Printer struct {
	out  io.Writer
	mode Mode
}

// NewPrinter builds a printer. A nil writer defaults to stdout.
func NewPrinter(out io.Writer, mode Mode) *Printer {
	if out == nil {
		out = os.Stdout
	}
	return &Printer{out: out, mode: mode}
}

// JSON reports whether the printer emits JSON.
func (p *Printer) JSON() bool {
	switch p.mode {
	case ModeJSON:
		return true
	case ModePlain:
		return false
	}
	return !IsTTY(p.out) || DetectCI()
}

// Object renders one value, as indented JSON or as key-value lines.
func (p *Printer) Object(v any) error {
	if p.JSON() {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(p.out, string(data))
	return err
}

// Table renders rows under a header, or one JSON object per row when
// the output is not a terminal.
func (p *Printer) Table(header []string, rows [][]string) error {
	if p.JSON() {
		enc := json.NewEncoder(p.out)
		for _, row := range rows {
			obj := make(map[string]string, len(header))
			for i, h := range header {
				if i < len(row) {
					obj[strings.ToLower(h)] = row[i]
				}
			}
			if err := enc.Encode(obj); err != nil {
				return err
			}
		}
		return nil
	}

	tw := tabwriter.NewWriter(p.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// Line prints one formatted line.
func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// IsTTY checks if the writer is an interactive terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectCI checks for a CI environment.
func DetectCI() bool {
	for _, v := range []string{"CI", "GITHUB_ACTIONS", "GITLAB_CI", "JENKINS_URL", "TRAVIS"} {
		if _, exists := os.LookupEnv(v); exists {
			return true
		}
	}
	return false
}
