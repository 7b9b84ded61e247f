package pipeline

import (
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/calvinalkan/stripsyms/internal/fs"
)

// GateConfig describes the environment checked before any work is done.
type GateConfig struct {
	SymbolPath    string // current _NT_SYMBOL_PATH
	Marker        string // substring identifying the symbol server
	ToolsDir      string
	ThirdPartyDir string
	SupportFiles  []string
	RetrievePath  string
	StripPath     string
}

// Gate reports whether a run is needed and possible. It stages missing
// support files next to the tools as a side effect, but only once the
// symbol path shows the symbol server is in use.
//
// A false result is not an error: the reason has been printed to out.
func Gate(fsys fs.FS, cfg GateConfig, out Reporter, logger log.Logger) bool {
	if !strings.Contains(cfg.SymbolPath, cfg.Marker) {
		out.Printf("%s is not in _NT_SYMBOL_PATH. No symbol stripping needed.\n", cfg.Marker)

		return false
	}

	Stage(fsys, cfg.ToolsDir, cfg.ThirdPartyDir, cfg.SupportFiles, logger)

	if ok, _ := fsys.Exists(cfg.StripPath); !ok {
		out.Printf("%s not found. No symbol stripping is possible.\n", filepath.Base(cfg.StripPath))

		return false
	}

	if ok, _ := fsys.Exists(cfg.RetrievePath); !ok {
		out.Printf("%s not found. No symbol retrieval is possible.\n", filepath.Base(cfg.RetrievePath))

		return false
	}

	return true
}

// Stage copies each of files from thirdPartyDir into toolsDir unless it is
// already there. Existing files are never overwritten. Copy failures are
// logged and skipped; the tool checks in [Gate] catch what matters.
// Returns the number of files copied.
func Stage(fsys fs.FS, toolsDir, thirdPartyDir string, files []string, logger log.Logger) int {
	staged := 0

	for _, name := range files {
		dst := filepath.Join(toolsDir, name)

		if ok, _ := fsys.Exists(dst); ok {
			continue
		}

		src := filepath.Join(thirdPartyDir, name)

		if err := fsys.CopyFileAtomic(src, dst); err != nil {
			level.Warn(logger).Log("msg", "cannot stage support file", "src", src, "dst", dst, "err", err)

			continue
		}

		level.Debug(logger).Log("msg", "staged support file", "src", src, "dst", dst)

		staged++
	}

	return staged
}
