package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/calvinalkan/stripsyms/internal/symbols"
)

// ErrNotRetrieved is returned when the retrieval tool printed no result path.
var ErrNotRetrieved = errors.New("symbol file not retrieved")

// Retriever drives RetrieveSymbols.exe.
type Retriever struct {
	Path   string
	Parser *symbols.Parser
	Exec   *Exec
}

// Retrieve fetches the PDB for ref and returns its local path. Tool output
// is echoed line by line.
func (r *Retriever) Retrieve(ctx context.Context, ref symbols.Ref) (string, error) {
	var found string

	runErr := r.Exec.run(ctx, r.Path, []string{ref.GUID, ref.Age, ref.PDBName()}, nil, func(line string) {
		r.Exec.echo(line)

		if path, ok := r.Parser.ParseRetrieved(line); ok {
			found = path
		}
	})

	// The result line is authoritative; the exit status only matters when
	// nothing was found.
	if found != "" {
		return found, nil
	}

	if runErr != nil {
		return "", fmt.Errorf("%w: %w", ErrNotRetrieved, runErr)
	}

	return "", ErrNotRetrieved
}
