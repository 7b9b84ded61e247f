// Package cli implements the stripsyms command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/stripsyms/internal/config"
	"github.com/calvinalkan/stripsyms/internal/fs"
	"github.com/calvinalkan/stripsyms/internal/pipeline"
	"github.com/calvinalkan/stripsyms/internal/symbols"
	"github.com/calvinalkan/stripsyms/internal/tools"
)

// LockFileName is created in the symcache directory to keep concurrent
// runs apart.
const LockFileName = ".stripsyms.lock"

// Run is the main entry point. Returns exit code.
//
// Pipeline problems never produce a non-zero exit; only invalid flags or
// configuration do.
func Run(_ io.Reader, out io.Writer, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if sigCh != nil {
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	o := NewIO(out, errOut)

	if len(args) > 0 {
		args = args[1:]
	}

	return RootCmd(env).Run(ctx, o, args)
}

type rootFlags struct {
	workDir     string
	configPath  string
	symcacheDir string
	toolsDir    string
	xperf       string
	verbose     bool
	noColor     bool
	printConfig bool
}

// RootCmd returns the stripsyms command.
func RootCmd(env map[string]string) *Command {
	var f rootFlags

	flags := flag.NewFlagSet("stripsyms", flag.ContinueOnError)
	flags.StringVarP(&f.workDir, "cwd", "C", "", "Run as if started in <dir>")
	flags.StringVarP(&f.configPath, "config", "c", "", "Use specified config file")
	flags.StringVar(&f.symcacheDir, "symcache-dir", "", "Directory the trace tool writes .symcache files to")
	flags.StringVar(&f.toolsDir, "tools-dir", "", "Directory containing RetrieveSymbols.exe and pdbcopy.exe")
	flags.StringVar(&f.xperf, "xperf", "", "Trace tool to run")
	flags.BoolVarP(&f.verbose, "verbose", "v", false, "Log tool invocations to stderr")
	flags.BoolVar(&f.noColor, "no-color", false, "Disable colored output")
	flags.BoolVar(&f.printConfig, "print-config", false, "Show resolved configuration and exit")

	cmd := &Command{
		Flags: flags,
		Usage: "[flags] <trace.etl>",
		Short: "Pre-build symcache files for Chrome from stripped PDBs",
		Long: `Scans an ETW trace for chrome.dll and chrome_child.dll, downloads their PDBs
from the Chromium symbol server (or uses locally built ones), strips private
symbols with pdbcopy and has xperf convert the stripped PDBs into .symcache
files. Loading full Chrome PDBs in WPA can otherwise take 10-20 minutes.

Does nothing unless _NT_SYMBOL_PATH contains the Chromium symbol server.`,
	}

	cmd.Exec = func(ctx context.Context, o *IO, args []string) error {
		if f.noColor || env["NO_COLOR"] != "" {
			o.DisableColor()
		}

		if len(args) == 0 && !f.printConfig {
			cmd.PrintHelp(o)

			return nil
		}

		workDir := f.workDir
		if workDir == "" {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("cannot get working directory: %w", err)
			}

			workDir = wd
		}

		cfg, err := config.Load(config.LoadInput{
			WorkDir:       workDir,
			ExecutableDir: executableDir(),
			ConfigPath:    f.configPath,
			Overrides: config.Config{
				SymcacheDir: f.symcacheDir,
				ToolsDir:    f.toolsDir,
				Xperf:       f.xperf,
			},
			Env: env,
		})
		if err != nil {
			return err
		}

		if f.printConfig {
			return execPrintConfig(o, &cfg)
		}

		logger := newLogger(o.errOut, f.verbose)

		trace := args[0]
		if !filepath.IsAbs(trace) {
			trace = filepath.Join(workDir, trace)
		}

		execStrip(ctx, o, cfg, env, trace, logger)
		o.Finish()

		return nil
	}

	return cmd
}

func execStrip(ctx context.Context, o *IO, cfg config.Config, env map[string]string, trace string, logger log.Logger) {
	fsys := fs.NewReal()

	gate := pipeline.GateConfig{
		SymbolPath:    env[tools.SymbolPathEnv],
		Marker:        cfg.SymbolServerMarker,
		ToolsDir:      cfg.ToolsDir,
		ThirdPartyDir: cfg.ThirdPartyDir,
		SupportFiles:  cfg.SupportFiles,
		RetrievePath:  cfg.RetrievePath(),
		StripPath:     cfg.StripPath(),
	}

	if !pipeline.Gate(fsys, gate, o, logger) {
		return
	}

	lock, err := lockSymcache(fsys, cfg.SymcacheDir)

	switch {
	case errors.Is(err, fs.ErrLocked):
		o.Println("Another stripsyms run is using " + cfg.SymcacheDir + ". Nothing to do.")

		return
	case err != nil:
		level.Warn(logger).Log("msg", "running without lock", "dir", cfg.SymcacheDir, "err", err)
	default:
		defer lock.Close()
	}

	parser := symbols.NewParser(cfg.Targets)
	ex := &tools.Exec{
		Env:    environ(env),
		Echo:   func(line string) { o.Println(line) },
		Logger: logger,
	}

	p := &pipeline.Pipeline{
		FS:          fsys,
		Trace:       &tools.Xperf{Path: cfg.Xperf, Parser: parser, Exec: ex},
		Retriever:   &tools.Retriever{Path: cfg.RetrievePath(), Parser: parser, Exec: ex},
		Stripper:    &tools.Stripper{Path: cfg.StripPath(), Exec: ex},
		Out:         o,
		Logger:      logger,
		SymcacheDir: cfg.SymcacheDir,
		TempDir:     cfg.TempDir,
	}

	res := p.Run(ctx, trace)

	level.Debug(logger).Log(
		"msg", "run finished",
		"refs", res.Refs,
		"uncached", res.Uncached,
		"generated", len(res.Generated),
		"failed", len(res.Failed)+len(res.Missing),
		"retained", res.Retained,
	)
}

func lockSymcache(fsys fs.FS, dir string) (fs.Locker, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	return fsys.Lock(filepath.Join(dir, LockFileName))
}

func newLogger(w io.Writer, verbose bool) log.Logger {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	filter := level.AllowWarn()
	if verbose {
		filter = level.AllowDebug()
	}

	return level.NewFilter(logger, filter)
}

// environ converts env back into the "KEY=value" form child processes get.
// A nil map means the current process environment.
func environ(env map[string]string) []string {
	if env == nil {
		return nil
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}

	sort.Strings(out)

	return out
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}

	return filepath.Dir(exe)
}
