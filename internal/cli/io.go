package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// IO handles command output. Per-file outcomes are colored when stdout is
// a terminal; failures are counted and summarized on stderr by Finish.
type IO struct {
	out      io.Writer
	errOut   io.Writer
	success  *color.Color
	failure  *color.Color
	failures int
}

// NewIO creates a new IO instance.
func NewIO(out, errOut io.Writer) *IO {
	o := &IO{
		out:     out,
		errOut:  errOut,
		success: color.New(color.FgGreen),
		failure: color.New(color.FgRed),
	}

	if isTerminal(out) {
		o.success.EnableColor()
		o.failure.EnableColor()
	} else {
		o.DisableColor()
	}

	return o
}

// DisableColor turns off colored output.
func (o *IO) DisableColor() {
	o.success.DisableColor()
	o.failure.DisableColor()
}

// Println writes to stdout.
func (o *IO) Println(a ...any) {
	_, _ = fmt.Fprintln(o.out, a...)
}

// Printf writes formatted output to stdout.
func (o *IO) Printf(format string, a ...any) {
	_, _ = fmt.Fprintf(o.out, format, a...)
}

// ErrPrintln writes to stderr.
func (o *IO) ErrPrintln(a ...any) {
	_, _ = fmt.Fprintln(o.errOut, a...)
}

// Success writes a success line to stdout.
func (o *IO) Success(format string, a ...any) {
	_, _ = o.success.Fprintln(o.out, fmt.Sprintf(format, a...))
}

// Failure writes a failure line to stdout, in order with the progress
// output around it, and counts it for Finish.
func (o *IO) Failure(format string, a ...any) {
	o.failures++
	_, _ = o.failure.Fprintln(o.out, fmt.Sprintf(format, a...))
}

// Failures returns the number of failure lines written so far.
func (o *IO) Failures() int {
	return o.failures
}

// Finish repeats the failure count on stderr so it survives piping stdout
// through head or tail.
func (o *IO) Finish() {
	if o.failures > 0 {
		_, _ = fmt.Fprintf(o.errOut, "warning: %d problem(s) reported above; see stdout for details\n", o.failures)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
