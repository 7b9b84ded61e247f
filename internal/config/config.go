// Package config loads stripsyms configuration from JSONC files, the
// environment and command line overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrEmptyValue         = errors.New("value cannot be empty")
)

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	SymbolServerMarker string   `json:"symbol_server_marker,omitempty"`
	Targets            []string `json:"targets,omitempty"`
	SymcacheDir        string   `json:"symcache_dir,omitempty"`
	ToolsDir           string   `json:"tools_dir,omitempty"`
	ThirdPartyDir      string   `json:"third_party_dir,omitempty"`
	SupportFiles       []string `json:"support_files,omitempty"`
	Xperf              string   `json:"xperf,omitempty"`
	RetrieveTool       string   `json:"retrieve_tool,omitempty"`
	StripTool          string   `json:"strip_tool,omitempty"`
	TempDir            string   `json:"temp_dir,omitempty"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global   string // Path to global config if loaded, empty otherwise
	Explicit string // Path to -c/--config file if given, empty otherwise
}

const (
	// DefaultMarker identifies the Chromium symbol server in _NT_SYMBOL_PATH.
	DefaultMarker = "chromium-browser-symsrv"

	// DefaultSymcacheDir is used when _NT_SYMCACHE_PATH is not set.
	DefaultSymcacheDir = `c:\symcache`

	// SymcachePathEnv overrides the default cache directory, matching the
	// variable the trace tool itself honors.
	SymcachePathEnv = "_NT_SYMCACHE_PATH"
)

// Default returns the default configuration for env. Directory defaults
// that depend on the executable location are filled in by [Load].
func Default(env map[string]string) Config {
	symcache := env[SymcachePathEnv]
	if symcache == "" {
		symcache = DefaultSymcacheDir
	}

	return Config{
		SymbolServerMarker: DefaultMarker,
		Targets:            []string{"chrome.dll", "chrome_child.dll"},
		SymcacheDir:        symcache,
		SupportFiles:       []string{"pdbcopy.exe", "dbghelp.dll", "symsrv.dll"},
		Xperf:              "xperf",
		RetrieveTool:       "RetrieveSymbols.exe",
		StripTool:          "pdbcopy.exe",
	}
}

// globalConfigPath returns the path to the global config file.
// Uses $XDG_CONFIG_HOME, then %APPDATA%, then ~/.config.
// Returns empty string if none is set.
func globalConfigPath(env map[string]string) string {
	if xdgConfig := env["XDG_CONFIG_HOME"]; xdgConfig != "" {
		return filepath.Join(xdgConfig, "stripsyms", "config.json")
	}

	if appData := env["APPDATA"]; appData != "" {
		return filepath.Join(appData, "stripsyms", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "stripsyms", "config.json")
	}

	return ""
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDir       string            // base for relative paths; os.Getwd() if empty
	ExecutableDir string            // default tools_dir
	ConfigPath    string            // -c/--config flag value
	Overrides     Config            // non-zero fields win over files
	Env           map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config
// 3. Explicit config file via ConfigPath (if non-empty)
// 4. CLI overrides.
//
// Directory settings in the returned Config are absolute.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default(input.Env)

	if path := globalConfigPath(input.Env); path != "" {
		globalCfg, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, globalCfg)
			cfg.Sources.Global = path
		}
	}

	if input.ConfigPath != "" {
		path := input.ConfigPath
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("%w: %s", ErrConfigFileNotFound, input.ConfigPath)
		}

		fileCfg, _, err := loadFile(path, true)
		if err != nil {
			return Config{}, err
		}

		cfg = merge(cfg, fileCfg)
		cfg.Sources.Explicit = path
	}

	cfg = merge(cfg, input.Overrides)

	if cfg.ToolsDir == "" {
		cfg.ToolsDir = input.ExecutableDir
	}

	if cfg.ToolsDir == "" {
		cfg.ToolsDir = workDir
	}

	cfg.ToolsDir = absolute(workDir, cfg.ToolsDir)

	if cfg.ThirdPartyDir == "" {
		cfg.ThirdPartyDir = filepath.Join(cfg.ToolsDir, "..", "third_party")
	}

	cfg.ThirdPartyDir = absolute(workDir, cfg.ThirdPartyDir)

	if cfg.TempDir != "" {
		cfg.TempDir = absolute(workDir, cfg.TempDir)
	}

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// RetrievePath returns the path of the retrieval tool. Relative names are
// looked up in ToolsDir.
func (c Config) RetrievePath() string {
	return c.toolPath(c.RetrieveTool)
}

// StripPath returns the path of the stripping tool. Relative names are
// looked up in ToolsDir.
func (c Config) StripPath() string {
	return c.toolPath(c.StripTool)
}

func (c Config) toolPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}

	return filepath.Join(c.ToolsDir, name)
}

// Format renders the effective configuration as key=value lines.
func (c Config) Format() string {
	lines := []string{
		"symbol_server_marker=" + c.SymbolServerMarker,
		"targets=" + strings.Join(c.Targets, ","),
		"symcache_dir=" + c.SymcacheDir,
		"tools_dir=" + c.ToolsDir,
		"third_party_dir=" + c.ThirdPartyDir,
		"support_files=" + strings.Join(c.SupportFiles, ","),
		"xperf=" + c.Xperf,
		"retrieve_tool=" + c.RetrieveTool,
		"strip_tool=" + c.StripTool,
	}

	if c.TempDir != "" {
		lines = append(lines, "temp_dir="+c.TempDir)
	}

	return strings.Join(lines, "\n")
}

// absolute resolves path against workDir. symcache_dir does not go through
// here: it is usually a drive path like c:\symcache and is used as given.
func absolute(workDir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}

	return filepath.Join(workDir, path)
}

// loadFile loads a config file. If mustExist is false, missing files return
// zero config. Returns the config, whether the file was loaded, and any error.
func loadFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !mustExist {
			return Config{}, false, nil
		}

		return Config{}, false, fmt.Errorf("%w: %s", ErrConfigFileRead, path)
	}

	cfg, err := parse(data)
	if err != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return cfg, true, nil
}

func parse(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	// Explicitly empty strings are mistakes, not "use the default".
	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	for key, val := range raw {
		if str, ok := val.(string); ok && str == "" {
			return Config{}, fmt.Errorf("%s: %w", key, ErrEmptyValue)
		}
	}

	return cfg, nil
}

func merge(base, overlay Config) Config {
	if overlay.SymbolServerMarker != "" {
		base.SymbolServerMarker = overlay.SymbolServerMarker
	}

	if len(overlay.Targets) > 0 {
		base.Targets = overlay.Targets
	}

	if overlay.SymcacheDir != "" {
		base.SymcacheDir = overlay.SymcacheDir
	}

	if overlay.ToolsDir != "" {
		base.ToolsDir = overlay.ToolsDir
	}

	if overlay.ThirdPartyDir != "" {
		base.ThirdPartyDir = overlay.ThirdPartyDir
	}

	if len(overlay.SupportFiles) > 0 {
		base.SupportFiles = overlay.SupportFiles
	}

	if overlay.Xperf != "" {
		base.Xperf = overlay.Xperf
	}

	if overlay.RetrieveTool != "" {
		base.RetrieveTool = overlay.RetrieveTool
	}

	if overlay.StripTool != "" {
		base.StripTool = overlay.StripTool
	}

	if overlay.TempDir != "" {
		base.TempDir = overlay.TempDir
	}

	return base
}

func validate(cfg Config) error {
	required := map[string]string{
		"symbol_server_marker": cfg.SymbolServerMarker,
		"symcache_dir":         cfg.SymcacheDir,
		"xperf":                cfg.Xperf,
		"retrieve_tool":        cfg.RetrieveTool,
		"strip_tool":           cfg.StripTool,
	}

	for key, val := range required {
		if val == "" {
			return fmt.Errorf("%s: %w", key, ErrEmptyValue)
		}
	}

	for _, t := range cfg.Targets {
		if t == "" {
			return fmt.Errorf("targets: %w", ErrEmptyValue)
		}
	}

	if len(cfg.Targets) == 0 {
		return fmt.Errorf("targets: %w", ErrEmptyValue)
	}

	return nil
}
