package symbols

import (
	"strings"

	"github.com/grafana/regexp"
)

// Typical dbgid output:
//
//	"[RSDS] PdbSig: {be90dbc6-fe31-4842-9c72-7e2ea88f0adf}; Age: 1; Pdb: C:\b\build\src\out\Release\chrome.dll.pdb"
var dbgidRe = regexp.MustCompile(
	`"\[RSDS\] PdbSig: \{([0-9A-Fa-f]{8}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{4}-[0-9A-Fa-f]{12})\}; Age: ([^;]+); Pdb: (.*)"`,
)

var retrievedRe = regexp.MustCompile(`^Found symbol file - placed it in (.+)$`)

// Parser extracts symbol references from the trace tool's dbgid dump and
// result paths from the retrieval tool's output.
//
// Both formats are undocumented tool output. Lines that do not match are
// ignored rather than reported.
type Parser struct {
	targets []string
}

// NewParser returns a Parser that only accepts dbgid lines mentioning one of
// targets.
func NewParser(targets []string) *Parser {
	return &Parser{targets: append([]string(nil), targets...)}
}

// Targets returns the binary names the parser filters on.
func (p *Parser) Targets() []string {
	return append([]string(nil), p.targets...)
}

// ParseDebugID parses one line of the dbgid dump. ok is false for lines that
// name no target or do not carry an RSDS record.
func (p *Parser) ParseDebugID(line string) (Ref, bool) {
	binary := p.matchTarget(line)
	if binary == "" {
		return Ref{}, false
	}

	m := dbgidRe.FindStringSubmatch(line)
	if m == nil {
		return Ref{}, false
	}

	return Ref{
		Binary: binary,
		GUID:   strings.ReplaceAll(m[1], "-", ""),
		Age:    strings.TrimSpace(m[2]),
		Path:   strings.TrimSpace(m[3]),
	}, true
}

// ParseRetrieved returns the local path from a retrieval success line.
func (p *Parser) ParseRetrieved(line string) (string, bool) {
	m := retrievedRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", false
	}

	return strings.TrimSpace(m[1]), true
}

func (p *Parser) matchTarget(line string) string {
	for _, t := range p.targets {
		if strings.Contains(line, t) {
			return t
		}
	}

	return ""
}
