// Package pipeline converts the target PDBs referenced by a trace into
// symcache files built from stripped copies.
//
// A run is strictly sequential: scan the trace, fetch and strip each
// uncached PDB into its own temp directory, build the cache once with only
// those directories on the symbol path, then verify and clean up.
package pipeline

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/calvinalkan/stripsyms/internal/fs"
	"github.com/calvinalkan/stripsyms/internal/symbols"
)

// TraceTool is the trace analysis tool.
type TraceTool interface {
	ScanRefs(ctx context.Context, trace string) ([]symbols.Ref, error)
	BuildSymcache(ctx context.Context, trace, symbolPath string) error
	// BuildCommand returns the cache build command line, for display.
	BuildCommand(trace string) string
}

// Retriever fetches a full PDB and returns its local path.
type Retriever interface {
	Retrieve(ctx context.Context, ref symbols.Ref) (string, error)
}

// Stripper writes a copy of src without private symbols to dst.
type Stripper interface {
	Strip(ctx context.Context, src, dst string) error
}

// Pipeline holds the collaborators of a run.
type Pipeline struct {
	FS        fs.FS
	Trace     TraceTool
	Retriever Retriever
	Stripper  Stripper
	Out       Reporter
	Logger    log.Logger

	// SymcacheDir is where the trace tool writes .symcache files.
	SymcacheDir string
	// TempDir is the parent of the per-PDB directories; empty means the
	// OS default.
	TempDir string
}

// Pending is a stripped PDB waiting for the cache build.
type Pending struct {
	Ref       symbols.Ref
	TempDir   string // holds exactly the stripped PDB
	CacheFile string // expected .symcache path
}

// Result summarizes a run.
type Result struct {
	// Refs counts target references in the trace, Uncached those without
	// a cache file.
	Refs     int
	Uncached int

	// Failed holds references that could not be fetched or stripped.
	Failed  []symbols.Ref
	Pending []Pending
	// Local holds locally built PDBs used as fallback.
	Local   []string

	Generated []string
	Missing   []string

	// Retained is true when temp directories were kept for a manual rerun.
	Retained bool
}

// OK reports whether every uncached reference ended up in the cache.
func (r Result) OK() bool {
	return len(r.Failed) == 0 && len(r.Missing) == 0 && !r.Retained
}

// Run processes trace. Failures are reported to [Pipeline.Out] and
// recorded in the Result; they never abort the run.
func (p *Pipeline) Run(ctx context.Context, trace string) Result {
	var res Result

	p.Out.Println("Pre-translating symbols from stripped PDBs to avoid 10-15 minute translation times.")

	refs, err := p.Trace.ScanRefs(ctx, trace)
	if err != nil {
		p.Out.Failure("Error: scanning %s failed: %v", trace, err)
	}

	res.Refs = len(refs)

	for _, ref := range refs {
		if ctx.Err() != nil {
			break
		}

		cacheFile := ref.CacheFile(p.SymcacheDir)

		if ok, _ := p.FS.Exists(cacheFile); ok {
			level.Debug(p.logger()).Log("msg", "symcache exists", "file", cacheFile)

			continue
		}

		res.Uncached++

		p.Out.Printf("Found uncached reference to %s\n", ref)

		entry, local, ok := p.fetch(ctx, ref, cacheFile)
		if local != "" {
			res.Local = append(res.Local, local)
		}

		if !ok {
			res.Failed = append(res.Failed, ref)

			continue
		}

		res.Pending = append(res.Pending, entry)
	}

	if len(res.Pending) == 0 {
		if res.Uncached > 0 {
			p.Out.Println("No PDBs copied, nothing to do.")
		} else {
			p.Out.Println("No uncached PDBs found, nothing to do.")
		}

		return res
	}

	dirs := lo.Map(res.Pending, func(e Pending, _ int) string { return e.TempDir })
	symbolPath := strings.Join(dirs, string(filepath.ListSeparator))

	if ctx.Err() != nil {
		p.Out.Failure("Interrupted before the symcache build.")
		p.retain(trace, symbolPath)

		res.Retained = true

		return res
	}

	p.Out.Printf("Stripped PDBs are in %s. Converting to symcache files now.\n", symbolPath)

	if err := p.regenerate(ctx, trace, symbolPath, res.Local); err != nil {
		p.Out.Failure("Error: symcache build failed: %v", err)
	}

	for _, e := range res.Pending {
		if ok, _ := p.FS.Exists(e.CacheFile); ok {
			p.Out.Success("%s generated.", e.CacheFile)
			res.Generated = append(res.Generated, e.CacheFile)
		} else {
			p.Out.Failure("Error: %s not generated.", e.CacheFile)
			res.Missing = append(res.Missing, e.CacheFile)
		}
	}

	if len(res.Missing) > 0 {
		p.retain(trace, symbolPath)

		res.Retained = true

		return res
	}

	for _, dir := range dirs {
		if err := p.FS.RemoveAll(dir); err != nil {
			level.Debug(p.logger()).Log("msg", "cannot remove temp dir", "dir", dir, "err", err)
		}
	}

	return res
}

// fetch retrieves and strips one PDB. local is the trace-reported path when
// it was used as fallback, so the caller can hide it during the build.
func (p *Pipeline) fetch(ctx context.Context, ref symbols.Ref, cacheFile string) (Pending, string, bool) {
	var local string

	src, err := p.Retriever.Retrieve(ctx, ref)
	if err != nil {
		level.Debug(p.logger()).Log("msg", "retrieval failed", "pdb", ref.PDBName(), "err", err)

		if ok, _ := p.FS.Exists(ref.Path); ok {
			src = ref.Path
			local = ref.Path
		}
	}

	if src == "" {
		p.Out.Failure("Failed to retrieve symbols for %s. Check for the retrieval tool and support files.", ref.PDBName())

		return Pending{}, local, false
	}

	dir, err := p.FS.MkdirTemp(p.TempDir, "stripsyms-")
	if err != nil {
		p.Out.Failure("Error: cannot create temp dir: %v", err)

		return Pending{}, local, false
	}

	dst := filepath.Join(dir, symbols.BaseName(src))

	p.Out.Printf("Copying PDB to %s\n", dst)

	if err := p.Stripper.Strip(ctx, src, dst); err != nil {
		p.Out.Failure("Error: stripping %s failed: %v", src, err)
		_ = p.FS.RemoveAll(dir)

		return Pending{}, local, false
	}

	info, err := p.FS.Stat(dst)
	if err != nil {
		p.Out.Failure("Error: stripping %s produced no output.", src)
		_ = p.FS.RemoveAll(dir)

		return Pending{}, local, false
	}

	level.Debug(p.logger()).Log("msg", "stripped pdb", "dst", dst, "size", humanize.Bytes(uint64(info.Size())))

	return Pending{Ref: ref, TempDir: dir, CacheFile: cacheFile}, local, true
}

// regenerate builds the cache with local PDBs renamed out of the way. The
// renames are reverted before it returns, whatever the build did.
func (p *Pipeline) regenerate(ctx context.Context, trace, symbolPath string, local []string) error {
	guard := Protect(p.FS, local, p.Out)

	defer func() {
		if err := guard.Restore(); err != nil {
			p.Out.Failure("Error: cannot restore renamed PDBs: %v", err)
		}
	}()

	return p.Trace.BuildSymcache(ctx, trace, symbolPath)
}

func (p *Pipeline) retain(trace, symbolPath string) {
	p.Out.Println("Retaining stripped PDBs to allow rerunning the symcache build:")
	p.Out.Printf("  set _NT_SYMBOL_PATH=%s\n", symbolPath)
	p.Out.Printf("  %s\n", p.Trace.BuildCommand(trace))
}

func (p *Pipeline) logger() log.Logger {
	if p.Logger == nil {
		return log.NewNopLogger()
	}

	return p.Logger
}
