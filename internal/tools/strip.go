package tools

import "context"

// Stripper drives pdbcopy.exe.
type Stripper struct {
	Path string
	Exec *Exec
}

// Strip writes a copy of src without private symbols to dst. Tool output is
// echoed line by line.
func (s *Stripper) Strip(ctx context.Context, src, dst string) error {
	return s.Exec.run(ctx, s.Path, []string{src, dst, "-p"}, nil, s.Exec.echo)
}
