package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
)

// printer writes colored CLI output to a command's stdout.
type printer struct {
	out io.Writer

	success *color.Color
	failure *color.Color
	warning *color.Color
	info    *color.Color
	muted   *color.Color
	label   *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:     out,
		success: color.New(color.FgGreen),
		failure: color.New(color.FgRed),
		warning: color.New(color.FgYellow),
		info:    color.New(color.FgCyan),
		muted:   color.New(color.FgHiBlack),
		label:   color.New(color.Bold),
	}
}

func (p *printer) Success(format string, args ...any) {
	p.success.Fprint(p.out, "✓ ")
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) Failure(format string, args ...any) {
	p.failure.Fprint(p.out, "✗ ")
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) Warning(format string, args ...any) {
	p.warning.Fprint(p.out, "! ")
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) Info(format string, args ...any) {
	p.info.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) Muted(format string, args ...any) {
	p.muted.Fprintf(p.out, format+"\n", args...)
}

// Field prints an aligned "label  value" row.
func (p *printer) Field(label string, value string) {
	p.label.Fprintf(p.out, "%-10s", label)
	fmt.Fprintln(p.out, value)
}

func (p *printer) Println(line string) {
	fmt.Fprintln(p.out, line)
}
