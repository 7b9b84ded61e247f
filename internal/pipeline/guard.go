package pipeline

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/calvinalkan/stripsyms/internal/fs"
)

// LocalSuffix is appended to locally built PDBs while the cache is built,
// so the trace tool cannot find them by their recorded path.
const LocalSuffix = "x"

// RenameGuard holds locally built PDBs renamed out of the way.
// [RenameGuard.Restore] must run on every exit path; use it with defer.
type RenameGuard struct {
	fs      fs.FS
	renamed []string
}

// Protect renames every distinct path to path+[LocalSuffix]. A path that
// cannot be renamed is reported and left alone; only successful renames
// are reverted by Restore.
func Protect(fsys fs.FS, paths []string, out Reporter) *RenameGuard {
	g := &RenameGuard{fs: fsys}

	for _, path := range lo.Uniq(paths) {
		tmp := path + LocalSuffix

		out.Printf("Renaming %s to %s to stop unstripped PDBs from being used.\n", path, tmp)

		if err := fsys.Rename(path, tmp); err != nil {
			out.Failure("Error: cannot rename %s: %v", path, err)

			continue
		}

		g.renamed = append(g.renamed, path)
	}

	return g
}

// Renamed returns the original paths currently renamed.
func (g *RenameGuard) Renamed() []string {
	return append([]string(nil), g.renamed...)
}

// Restore renames every protected file back. It is safe to call more than
// once. All restores are attempted; failures are returned together.
func (g *RenameGuard) Restore() error {
	var errs *multierror.Error

	for _, path := range g.renamed {
		if err := g.fs.Rename(path+LocalSuffix, path); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("restore %s: %w", path, err))
		}
	}

	g.renamed = nil

	return errs.ErrorOrNil()
}
