package search

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/fyrsmithlabs/guardrail/internal/catalog"
	"github.com/fyrsmithlabs/guardrail/internal/finding"
)

// CatalogEngine matches the pattern catalog line by line.
type CatalogEngine struct {
	Catalog *catalog.Catalog
}

// NewCatalogEngine wraps a catalog.
func NewCatalogEngine(c *catalog.Catalog) *CatalogEngine {
	return &CatalogEngine{Catalog: c}
}

func (e *CatalogEngine) Name() string { return "catalog" }

func (e *CatalogEngine) ScanFile(rel string, content []byte, emit func(catalog.Match)) error {
	return e.Catalog.MatchReader(rel, bytes.NewReader(content), emit)
}

// GitleaksPrefix namespaces pattern ids produced by the gitleaks rule set.
const GitleaksPrefix = "gitleaks."

// GitleaksEngine runs the gitleaks default rule set as an additional
// high-confidence source. Its findings carry ids of the form
// "gitleaks.<rule-id>".
type GitleaksEngine struct {
	mu       sync.Mutex
	detector *detect.Detector
	catalog  *catalog.Catalog
}

// NewGitleaksEngine loads the gitleaks default configuration. The catalog,
// when set, supplies fixture and test-path exclusions and the allowlist.
func NewGitleaksEngine(c *catalog.Catalog) (*GitleaksEngine, error) {
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load gitleaks config: %w", err)
	}
	return &GitleaksEngine{detector: d, catalog: c}, nil
}

func (e *GitleaksEngine) Name() string { return "gitleaks" }

func (e *GitleaksEngine) ScanFile(rel string, content []byte, emit func(catalog.Match)) error {
	raw := string(content)

	e.mu.Lock()
	results := e.detector.DetectString(raw)
	e.mu.Unlock()

	if len(results) == 0 {
		return nil
	}
	lines := strings.Split(raw, "\n")

	for _, f := range results {
		text := f.Secret
		if text == "" {
			text = f.Match
		}
		needle := text
		if i := strings.IndexByte(needle, '\n'); i >= 0 {
			needle = needle[:i]
		}
		line := resolveLine(lines, f.StartLine, needle)
		if line == 0 {
			continue
		}

		tier := finding.ConfidenceHigh
		if e.catalog != nil {
			if e.catalog.IsAllowed(text) {
				continue
			}
			if e.catalog.IsFixture(text) && e.catalog.IsTestPath(rel) {
				tier = finding.ConfidenceLow
			}
		}

		col := strings.Index(lines[line-1], needle)
		if col < 0 {
			col = 0
		}
		emit(catalog.Match{
			PatternID: GitleaksPrefix + f.RuleID,
			Category:  catalog.CategorySecrets,
			Tier:      tier,
			Location:  finding.Location{Path: rel, Line: line, Column: col},
			Text:      text,
		})
	}
	return nil
}

// resolveLine maps a gitleaks line hint to a 1-indexed line that actually
// contains text. The hint is tried as both 0- and 1-indexed before falling
// back to a search. Returns 0 when text is not found.
func resolveLine(lines []string, hint int, text string) int {
	for _, candidate := range []int{hint + 1, hint} {
		if candidate >= 1 && candidate <= len(lines) && strings.Contains(lines[candidate-1], text) {
			return candidate
		}
	}
	for i, l := range lines {
		if strings.Contains(l, text) {
			return i + 1
		}
	}
	return 0
}
