package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/stripsyms/internal/fs"
	"github.com/calvinalkan/stripsyms/internal/pipeline"
	"github.com/calvinalkan/stripsyms/internal/symbols"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type fakeTrace struct {
	refs        []symbols.Ref
	scanErr     error
	build       func(symbolPath string) error
	scans       int
	symbolPaths []string
}

func (f *fakeTrace) ScanRefs(context.Context, string) ([]symbols.Ref, error) {
	f.scans++

	return f.refs, f.scanErr
}

func (f *fakeTrace) BuildSymcache(_ context.Context, _ string, symbolPath string) error {
	f.symbolPaths = append(f.symbolPaths, symbolPath)

	if f.build == nil {
		return nil
	}

	return f.build(symbolPath)
}

func (f *fakeTrace) BuildCommand(trace string) string {
	return "xperf -i " + trace + " -build"
}

type fakeRetriever struct {
	paths map[string]string // GUID -> retrieved path
	calls []symbols.Ref
}

func (f *fakeRetriever) Retrieve(_ context.Context, ref symbols.Ref) (string, error) {
	f.calls = append(f.calls, ref)

	if p, ok := f.paths[ref.GUID]; ok {
		return p, nil
	}

	return "", errors.New("symbol file not retrieved")
}

type stripCall struct{ src, dst string }

type fakeStripper struct {
	calls []stripCall
	err   error
}

func (f *fakeStripper) Strip(_ context.Context, src, dst string) error {
	f.calls = append(f.calls, stripCall{src: src, dst: dst})

	if f.err != nil {
		return f.err
	}

	return os.WriteFile(dst, []byte("stripped "+src), 0o644)
}

type capture struct {
	lines []string
}

func (c *capture) Println(a ...any) {
	c.lines = append(c.lines, strings.TrimSuffix(fmt.Sprintln(a...), "\n"))
}

func (c *capture) Printf(format string, a ...any) {
	c.lines = append(c.lines, strings.TrimSuffix(fmt.Sprintf(format, a...), "\n"))
}

func (c *capture) Success(format string, a ...any) {
	c.lines = append(c.lines, "ok: "+fmt.Sprintf(format, a...))
}

func (c *capture) Failure(format string, a ...any) {
	c.lines = append(c.lines, "fail: "+fmt.Sprintf(format, a...))
}

func (c *capture) String() string {
	return strings.Join(c.lines, "\n")
}

// -----------------------------------------------------------------------------
// Harness
// -----------------------------------------------------------------------------

type harness struct {
	dir      string
	symcache string
	tmp      string
	rec      *fs.Recorder
	trace    *fakeTrace
	ret      *fakeRetriever
	strip    *fakeStripper
	out      *capture
	p        *pipeline.Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	h := &harness{
		dir:      dir,
		symcache: filepath.Join(dir, "symcache"),
		tmp:      filepath.Join(dir, "tmp"),
		rec:      fs.NewRecorder(fs.NewReal()),
		trace:    &fakeTrace{},
		ret:      &fakeRetriever{paths: map[string]string{}},
		strip:    &fakeStripper{},
		out:      &capture{},
	}

	for _, d := range []string{h.symcache, h.tmp} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}

	h.p = &pipeline.Pipeline{
		FS:          h.rec,
		Trace:       h.trace,
		Retriever:   h.ret,
		Stripper:    h.strip,
		Out:         h.out,
		SymcacheDir: h.symcache,
		TempDir:     h.tmp,
	}

	t.Cleanup(func() {
		if t.Failed() {
			t.Logf("output:\n%s\nfs trace:\n%s", h.out, h.rec)
		}
	})

	return h
}

// generate makes the fake build write cache files for refs.
func (h *harness) generate(refs ...symbols.Ref) {
	h.trace.build = func(string) error {
		for _, ref := range refs {
			if err := os.WriteFile(ref.CacheFile(h.symcache), []byte("symcache"), 0o644); err != nil {
				return err
			}
		}

		return nil
	}
}

func (h *harness) tempDirs(t *testing.T) []string {
	t.Helper()

	entries, err := os.ReadDir(h.tmp)
	require.NoError(t, err)

	var dirs []string
	for _, e := range entries {
		dirs = append(dirs, filepath.Join(h.tmp, e.Name()))
	}

	return dirs
}

func ref(binary, guid string) symbols.Ref {
	return symbols.Ref{Binary: binary, GUID: guid, Age: "1", Path: `C:\b\out\Release\` + binary + ".pdb"}
}

func exists(t *testing.T, path string) bool {
	t.Helper()

	_, err := os.Stat(path)
	if err == nil {
		return true
	}

	require.True(t, os.IsNotExist(err), "stat %s: %v", path, err)

	return false
}

// -----------------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------------

func Test_Run_Skips_Refs_When_Symcache_Exists(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	chrome := ref("chrome.dll", "BE90")
	h.trace.refs = []symbols.Ref{chrome}
	require.NoError(t, os.WriteFile(chrome.CacheFile(h.symcache), []byte("cached"), 0o644))

	res := h.p.Run(context.Background(), "trace.etl")

	assert.Empty(t, h.ret.calls)
	assert.Empty(t, h.strip.calls)
	assert.Empty(t, h.trace.symbolPaths)
	assert.Equal(t, 1, res.Refs)
	assert.Equal(t, 0, res.Uncached)
	assert.Contains(t, h.out.String(), "No uncached PDBs found, nothing to do.")
}

func Test_Run_Strips_Retrieved_PDB_Into_Fresh_Temp_Dir(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	chrome := ref("chrome.dll", "BE90")
	child := ref("chrome_child.dll", "AB12")
	h.trace.refs = []symbols.Ref{chrome, child}
	h.ret.paths["BE90"] = filepath.Join(h.dir, "symbols", "chrome.dll.pdb")
	h.ret.paths["AB12"] = filepath.Join(h.dir, "symbols", "chrome_child.dll.pdb")
	h.generate(chrome, child)

	res := h.p.Run(context.Background(), "trace.etl")

	require.Len(t, h.strip.calls, 2)

	seen := map[string]bool{}

	for i, call := range h.strip.calls {
		want := h.ret.paths[h.trace.refs[i].GUID]
		assert.Equal(t, want, call.src)

		dir := filepath.Dir(call.dst)
		assert.Equal(t, h.tmp, filepath.Dir(dir), "temp dir must be created under the configured parent")
		assert.Equal(t, filepath.Base(want), filepath.Base(call.dst))
		assert.False(t, seen[dir], "temp dir %s reused", dir)

		seen[dir] = true
	}

	assert.Equal(t, 2, h.rec.Count("mkdirtemp"))
	assert.True(t, res.OK(), "result: %+v", res)
	assert.Len(t, res.Generated, 2)
}

func Test_Run_Removes_Temp_Dirs_When_All_Generated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	chrome := ref("chrome.dll", "BE90")
	h.trace.refs = []symbols.Ref{chrome}
	h.ret.paths["BE90"] = filepath.Join(h.dir, "chrome.dll.pdb")
	h.generate(chrome)

	res := h.p.Run(context.Background(), "trace.etl")

	require.Len(t, res.Pending, 1)
	assert.False(t, exists(t, res.Pending[0].TempDir))
	assert.Empty(t, h.tempDirs(t))
	assert.False(t, res.Retained)
	assert.Contains(t, h.out.String(), "ok: "+chrome.CacheFile(h.symcache)+" generated.")
}

func Test_Run_Passes_Only_Temp_Dirs_As_Symbol_Path(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	a, b := ref("chrome.dll", "AAAA"), ref("chrome.dll", "BBBB")
	h.trace.refs = []symbols.Ref{a, b}
	h.ret.paths["AAAA"] = filepath.Join(h.dir, "a", "chrome.dll.pdb")
	h.ret.paths["BBBB"] = filepath.Join(h.dir, "b", "chrome.dll.pdb")
	h.generate(a, b)

	res := h.p.Run(context.Background(), "trace.etl")

	require.Len(t, res.Pending, 2)
	require.Len(t, h.trace.symbolPaths, 1)

	want := res.Pending[0].TempDir + string(filepath.ListSeparator) + res.Pending[1].TempDir
	assert.Equal(t, want, h.trace.symbolPaths[0])
}

func Test_Run_Marks_Failed_When_Retrieval_Fails_And_No_Local_PDB(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.trace.refs = []symbols.Ref{ref("chrome.dll", "BE90")}

	res := h.p.Run(context.Background(), "trace.etl")

	assert.Len(t, res.Failed, 1)
	assert.Zero(t, h.rec.Count("mkdirtemp"))
	assert.Empty(t, h.strip.calls)
	assert.Empty(t, h.trace.symbolPaths)
	assert.Contains(t, h.out.String(), "fail: Failed to retrieve symbols for chrome.dll.pdb")
	assert.Contains(t, h.out.String(), "No PDBs copied, nothing to do.")
}

func Test_Run_Continues_After_Failed_Entry(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	missing, good := ref("chrome.dll", "DEAD"), ref("chrome_child.dll", "BEEF")
	h.trace.refs = []symbols.Ref{missing, good}
	h.ret.paths["BEEF"] = filepath.Join(h.dir, "chrome_child.dll.pdb")
	h.generate(good)

	res := h.p.Run(context.Background(), "trace.etl")

	if diff := cmp.Diff([]symbols.Ref{missing}, res.Failed); diff != "" {
		t.Fatalf("failed mismatch (-want +got):\n%s", diff)
	}

	assert.Len(t, res.Generated, 1)
	assert.Len(t, h.strip.calls, 1)
}

func Test_Run_Removes_Temp_Dir_When_Strip_Fails(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.trace.refs = []symbols.Ref{ref("chrome.dll", "BE90")}
	h.ret.paths["BE90"] = filepath.Join(h.dir, "chrome.dll.pdb")
	h.strip.err = errors.New("pdbcopy: access denied")

	res := h.p.Run(context.Background(), "trace.etl")

	assert.Len(t, res.Failed, 1)
	assert.Empty(t, res.Pending)
	assert.Empty(t, h.tempDirs(t))
	assert.Empty(t, h.trace.symbolPaths)
}

func Test_Run_Uses_Local_PDB_And_Hides_It_During_Build(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	local := filepath.Join(h.dir, "out", "chrome.dll.pdb")
	require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
	require.NoError(t, os.WriteFile(local, []byte("full pdb"), 0o644))

	chrome := symbols.Ref{Binary: "chrome.dll", GUID: "BE90", Age: "3", Path: local}
	h.trace.refs = []symbols.Ref{chrome}

	var hiddenDuringBuild, movedDuringBuild bool

	h.trace.build = func(string) error {
		hiddenDuringBuild = !exists(t, local)
		movedDuringBuild = exists(t, local+pipeline.LocalSuffix)

		return os.WriteFile(chrome.CacheFile(h.symcache), nil, 0o644)
	}

	res := h.p.Run(context.Background(), "trace.etl")

	require.Len(t, h.strip.calls, 1)
	assert.Equal(t, local, h.strip.calls[0].src)
	assert.True(t, hiddenDuringBuild, "local PDB visible during build")
	assert.True(t, movedDuringBuild, "local PDB not renamed with suffix")
	assert.True(t, exists(t, local), "local PDB not restored")
	assert.False(t, exists(t, local+pipeline.LocalSuffix))
	assert.Equal(t, []string{local}, res.Local)
	assert.True(t, res.OK())
}

func Test_Run_Retains_Temp_Dirs_And_Restores_Local_PDBs_When_Symcache_Missing(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		name     string
		buildErr error
	}{
		{name: "build succeeds without output"},
		{name: "build fails", buildErr: errors.New("xperf exited with 1")},
	} {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			local := filepath.Join(h.dir, "out", "chrome_child.dll.pdb")
			require.NoError(t, os.MkdirAll(filepath.Dir(local), 0o755))
			require.NoError(t, os.WriteFile(local, []byte("full pdb"), 0o644))

			retrieved := ref("chrome.dll", "AAAA")
			localRef := symbols.Ref{Binary: "chrome_child.dll", GUID: "BBBB", Age: "1", Path: local}

			// The local reference appears twice; it must be renamed once.
			h.trace.refs = []symbols.Ref{retrieved, localRef, localRef}
			h.ret.paths["AAAA"] = filepath.Join(h.dir, "chrome.dll.pdb")
			h.trace.build = func(string) error {
				if err := os.WriteFile(retrieved.CacheFile(h.symcache), nil, 0o644); err != nil {
					return err
				}

				return tt.buildErr
			}

			res := h.p.Run(context.Background(), "trace.etl")

			assert.True(t, res.Retained)
			assert.Equal(t, []string{localRef.CacheFile(h.symcache), localRef.CacheFile(h.symcache)}, res.Missing)
			assert.Len(t, h.tempDirs(t), 3)

			for _, e := range res.Pending {
				assert.True(t, exists(t, e.TempDir), "temp dir %s removed", e.TempDir)
			}

			var out, in int

			for _, e := range h.rec.Events() {
				if e.Op != "rename" || e.Err != nil {
					continue
				}

				switch {
				case e.Path == local && e.Dest == local+pipeline.LocalSuffix:
					out++
				case e.Path == local+pipeline.LocalSuffix && e.Dest == local:
					in++
				}
			}

			assert.Equal(t, 1, out, "renames out")
			assert.Equal(t, 1, in, "renames back")
			assert.True(t, exists(t, local))
			assert.Contains(t, h.out.String(), "Retaining stripped PDBs")
			assert.Contains(t, h.out.String(), "xperf -i trace.etl -build")
		})
	}
}

func Test_Run_Is_Idempotent_When_Everything_Cached(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	chrome, child := ref("chrome.dll", "AAAA"), ref("chrome_child.dll", "BBBB")
	h.trace.refs = []symbols.Ref{chrome, child}
	h.ret.paths["AAAA"] = filepath.Join(h.dir, "chrome.dll.pdb")
	h.ret.paths["BBBB"] = filepath.Join(h.dir, "chrome_child.dll.pdb")
	h.generate(chrome, child)

	first := h.p.Run(context.Background(), "trace.etl")
	require.True(t, first.OK())

	h.ret.calls, h.strip.calls, h.trace.symbolPaths = nil, nil, nil
	mkdirs := h.rec.Count("mkdirtemp")

	second := h.p.Run(context.Background(), "trace.etl")

	assert.Empty(t, h.ret.calls)
	assert.Empty(t, h.strip.calls)
	assert.Empty(t, h.trace.symbolPaths)
	assert.Equal(t, mkdirs, h.rec.Count("mkdirtemp"))
	assert.Zero(t, second.Uncached)
}

func Test_Run_Reports_Scan_Failure_And_Keeps_Parsed_Refs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	chrome := ref("chrome.dll", "BE90")
	h.trace.refs = []symbols.Ref{chrome}
	h.trace.scanErr = errors.New("tool failed: xperf exited with 2")
	h.ret.paths["BE90"] = filepath.Join(h.dir, "chrome.dll.pdb")
	h.generate(chrome)

	res := h.p.Run(context.Background(), "trace.etl")

	assert.Contains(t, h.out.String(), "fail: Error: scanning trace.etl failed")
	assert.Len(t, res.Generated, 1)
}

func Test_Run_Retains_Temp_Dirs_When_Interrupted(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.trace.refs = []symbols.Ref{ref("chrome.dll", "BE90")}
	h.ret.paths["BE90"] = filepath.Join(h.dir, "chrome.dll.pdb")

	ctx, cancel := context.WithCancel(context.Background())
	h.p.Stripper = stripThen{h.strip, cancel}

	res := h.p.Run(ctx, "trace.etl")

	assert.True(t, res.Retained)
	assert.Empty(t, h.trace.symbolPaths)
	assert.Len(t, h.tempDirs(t), 1)
}

// stripThen strips and then runs fn, e.g. to cancel the run.
type stripThen struct {
	s  *fakeStripper
	fn func()
}

func (st stripThen) Strip(ctx context.Context, src, dst string) error {
	err := st.s.Strip(ctx, src, dst)
	st.fn()

	return err
}
