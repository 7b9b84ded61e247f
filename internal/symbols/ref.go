// Package symbols holds the symbol reference model and the adapters that
// read the text output of the trace and retrieval tools.
package symbols

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Ref is one debug-info record of a target binary found in a trace.
type Ref struct {
	// Binary is the target name that matched the line, e.g. "chrome.dll".
	Binary string
	// GUID is the PDB signature with dashes removed.
	GUID string
	// Age is the PDB age exactly as the trace tool printed it.
	Age string
	// Path is the PDB path recorded in the binary at build time.
	Path string
}

// PDBName returns the file part of [Ref.Path]. Both separators are
// accepted since the trace tool always reports Windows paths.
func (r Ref) PDBName() string {
	return BaseName(r.Path)
}

// CacheName returns the module name the trace tool uses for the cache file:
// the PDB name without its ".pdb" extension, or [Ref.Binary] when the path
// does not name a PDB.
func (r Ref) CacheName() string {
	name := r.PDBName()

	if stem, ok := cutSuffixFold(name, ".pdb"); ok && stem != "" {
		return stem
	}

	return r.Binary
}

// CacheFile returns the path of the .symcache file the trace tool writes
// for r inside dir.
func (r Ref) CacheFile(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%s%sv2.symcache", r.CacheName(), r.GUID, r.Age))
}

func (r Ref) String() string {
	return fmt.Sprintf("%s: %s - %s", r.PDBName(), r.GUID, r.Age)
}

// BaseName returns the last element of a Windows or slash separated path.
func BaseName(path string) string {
	if i := strings.LastIndexAny(path, `\/`); i >= 0 {
		return path[i+1:]
	}

	return path
}

func cutSuffixFold(s, suffix string) (string, bool) {
	if len(s) < len(suffix) || !strings.EqualFold(s[len(s)-len(suffix):], suffix) {
		return s, false
	}

	return s[:len(s)-len(suffix)], true
}
