package tools

import (
	"context"

	"github.com/calvinalkan/stripsyms/internal/symbols"
)

// SymbolPathEnv is the environment variable the Windows symbol engine
// reads its search path from.
const SymbolPathEnv = "_NT_SYMBOL_PATH"

// Xperf drives the trace tool.
type Xperf struct {
	Path   string
	Parser *symbols.Parser
	Exec   *Exec
}

// DebugIDArgs returns the arguments of the "dump symcache actions with debug
// identifiers" mode.
func DebugIDArgs(trace string) []string {
	return []string{"-i", trace, "-tle", "-tti", "-a", "symcache", "-dbgid"}
}

// BuildArgs returns the arguments of the cache build mode.
func BuildArgs(trace string) []string {
	return []string{"-i", trace, "-symbols", "-tle", "-tti", "-a", "symcache", "-build"}
}

// ScanRefs dumps the debug records of trace and returns the target
// references in output order. Duplicate records are kept.
func (x *Xperf) ScanRefs(ctx context.Context, trace string) ([]symbols.Ref, error) {
	var refs []symbols.Ref

	err := x.Exec.run(ctx, x.Path, DebugIDArgs(trace), nil, func(line string) {
		if ref, ok := x.Parser.ParseDebugID(line); ok {
			refs = append(refs, ref)
		}
	})
	if err != nil {
		return refs, err
	}

	return refs, nil
}

// BuildSymcache runs the cache build over trace with symbolPath as the only
// symbol search path. Output is discarded; the effect is the cache files
// written by the tool. The calling process environment is not modified.
func (x *Xperf) BuildSymcache(ctx context.Context, trace, symbolPath string) error {
	return x.Exec.run(ctx, x.Path, BuildArgs(trace), []string{SymbolPathEnv + "=" + symbolPath}, nil)
}

// BuildCommand returns the cache build command line for display.
func (x *Xperf) BuildCommand(trace string) string {
	return CommandLine(x.Path, BuildArgs(trace)...)
}
