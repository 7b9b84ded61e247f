// Package tools runs the external trace, retrieval and stripping tools.
//
// Each tool is an opaque executable. Output is consumed line by line and
// the process always runs to completion before the call returns.
package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ErrToolFailed wraps a non-zero exit of an external tool.
var ErrToolFailed = errors.New("tool failed")

// Exec is the shared sub-process runner of all tools.
type Exec struct {
	// Env is the base environment for child processes.
	// Nil means the current process environment.
	Env []string

	// Echo receives the command line ("> cmd args") before each run and any
	// output lines a tool chooses to pass through. Nil discards.
	Echo func(line string)

	Logger log.Logger
}

// run starts name with args and feeds every stdout line to fn. extraEnv
// entries ("KEY=value") replace same-named entries of the base environment.
func (e *Exec) run(ctx context.Context, name string, args []string, extraEnv []string, fn func(line string)) error {
	e.echo("> " + CommandLine(name, args...))

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = e.environ(extraEnv)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	start := time.Now()

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if fn != nil {
			fn(strings.TrimRight(scanner.Text(), "\r"))
		}
	}

	scanErr := scanner.Err()
	waitErr := cmd.Wait()

	level.Debug(e.logger()).Log(
		"msg", "tool finished",
		"tool", name,
		"duration", time.Since(start),
		"err", waitErr,
		"stderr", strings.TrimSpace(stderr.String()),
	)

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return fmt.Errorf("%w: %s exited with %d", ErrToolFailed, name, exitErr.ExitCode())
		}

		return fmt.Errorf("%s: %w", name, waitErr)
	}

	if scanErr != nil {
		return fmt.Errorf("read %s output: %w", name, scanErr)
	}

	return nil
}

func (e *Exec) echo(line string) {
	if e.Echo != nil {
		e.Echo(line)
	}
}

func (e *Exec) logger() log.Logger {
	if e.Logger == nil {
		return log.NewNopLogger()
	}

	return e.Logger
}

func (e *Exec) environ(extra []string) []string {
	if len(extra) == 0 {
		return e.Env
	}

	base := e.Env
	if base == nil {
		base = os.Environ()
	}

	return MergeEnv(base, extra...)
}

// MergeEnv returns base with every "KEY=value" of overrides applied.
// Keys compare case-insensitively, as on Windows.
func MergeEnv(base []string, overrides ...string) []string {
	out := make([]string, 0, len(base)+len(overrides))

	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")

		overridden := false

		for _, o := range overrides {
			okey, _, _ := strings.Cut(o, "=")
			if strings.EqualFold(key, okey) {
				overridden = true

				break
			}
		}

		if !overridden {
			out = append(out, kv)
		}
	}

	return append(out, overrides...)
}

// CommandLine formats name and args for display, quoting arguments that
// contain spaces.
func CommandLine(name string, args ...string) string {
	parts := make([]string, 0, len(args)+1)

	for _, s := range append([]string{name}, args...) {
		if s == "" || strings.ContainsAny(s, " \t") {
			s = `"` + s + `"`
		}

		parts = append(parts, s)
	}

	return strings.Join(parts, " ")
}
