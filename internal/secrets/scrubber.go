package secrets

import (
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/catalog"
	"github.com/fyrsmithlabs/guardrail/internal/finding"
)

// Scrubber detects and redacts secrets from content.
type Scrubber interface {
	// Scrub redacts secrets from the content.
	Scrub(content string) *Result

	// Check detects secrets without redacting.
	Check(content string) *Result
}

// scrubber redacts catalog matches line by line.
type scrubber struct {
	catalog *catalog.Catalog
	path    string
	logger  *zap.Logger
}

// redaction tracks a byte range to replace within one line.
type redaction struct {
	start, end int
}

// Option configures a Scrubber.
type Option func(*scrubber)

// WithPath sets the path the catalog sees for scrubbed content. Test-path
// fixture rules apply to it like they do to files.
func WithPath(path string) Option {
	return func(s *scrubber) { s.path = path }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *scrubber) { s.logger = l }
}

// New creates a Scrubber backed by cat. A nil catalog uses the built-in
// patterns.
func New(cat *catalog.Catalog, opts ...Option) Scrubber {
	if cat == nil {
		cat = catalog.Default()
	}
	s := &scrubber{catalog: cat, path: "<output>", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Scrub redacts secrets from the content.
func (s *scrubber) Scrub(content string) *Result {
	return s.run(content, true)
}

// Check detects secrets without redacting.
func (s *scrubber) Check(content string) *Result {
	return s.run(content, false)
}

func (s *scrubber) run(content string, redact bool) *Result {
	start := time.Now()
	result := &Result{Scrubbed: content, ByRule: make(map[string]int)}
	if content == "" {
		return result
	}

	lines := strings.SplitAfter(content, "\n")
	changed := false
	for i, line := range lines {
		var redactions []redaction
		for _, m := range s.catalog.MatchLine(s.path, i+1, strings.TrimRight(line, "\r\n")) {
			if m.Category != catalog.CategorySecrets || m.Tier == finding.ConfidenceLow {
				continue
			}
			result.Findings = append(result.Findings, Finding{RuleID: m.PatternID, Line: i + 1, Column: m.Location.Column})
			result.ByRule[m.PatternID]++
			redactions = append(redactions, redaction{
				start: m.Location.Column,
				end:   m.Location.Column + len(m.Text),
			})
		}
		if redact && len(redactions) > 0 {
			lines[i] = apply(line, mergeRedactions(redactions))
			changed = true
		}
	}
	if changed {
		result.Scrubbed = strings.Join(lines, "")
	}
	if result.HasFindings() {
		s.logger.Debug("secrets scrubbed",
			zap.Int("count", len(result.Findings)),
			zap.Strings("rules", result.RuleIDs()),
		)
	}
	result.Duration = time.Since(start)
	return result
}

// apply replaces merged redactions in reverse order so earlier offsets stay
// valid.
func apply(line string, merged []redaction) string {
	for i := len(merged) - 1; i >= 0; i-- {
		r := merged[i]
		if r.start < 0 || r.end > len(line) || r.start >= r.end {
			continue
		}
		line = line[:r.start] + finding.Mask(line[r.start:r.end]) + line[r.end:]
	}
	return line
}

// mergeRedactions sorts by start and merges overlapping ranges.
func mergeRedactions(redactions []redaction) []redaction {
	sort.Slice(redactions, func(i, j int) bool {
		return redactions[i].start < redactions[j].start
	})
	merged := []redaction{redactions[0]}
	for _, r := range redactions[1:] {
		last := &merged[len(merged)-1]
		if r.start <= last.end {
			if r.end > last.end {
				last.end = r.end
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
