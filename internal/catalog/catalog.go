// Package catalog holds the severity-tiered detection patterns and the
// exclusion rules that mark known test fixtures.
//
// A Catalog is immutable once built. Matching is a pure function of the
// catalog and the input line, so a single Catalog may be shared by any
// number of scan workers.
package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/ignore"
)

var (
	// ErrInvalidPattern indicates a pattern definition failed validation.
	ErrInvalidPattern = errors.New("invalid pattern")

	// ErrDuplicatePattern indicates two patterns share an id.
	ErrDuplicatePattern = errors.New("duplicate pattern id")
)

// maxLineBytes bounds a single scanned line. A longer line fails the file
// with a read error.
const maxLineBytes = 1 << 20

// Pattern is one detection rule.
type Pattern struct {
	// ID is the stable pattern identifier stored on every finding.
	ID string `toml:"id" json:"id"`

	// Tier is the confidence tier: high, medium or low.
	Tier finding.Confidence `toml:"tier" json:"tier"`

	// Expression is the regular expression. When it has a capture group,
	// group 1 is the matched text; otherwise the whole match is.
	Expression string `toml:"expression" json:"expression"`

	// Keywords prefilter lines: at least one must appear (case-insensitive)
	// before the expression runs.
	Keywords []string `toml:"keywords" json:"keywords,omitempty"`

	// Description is the human-readable explanation.
	Description string `toml:"description" json:"description"`

	// Category is the remediation category. Empty means CategorySecrets.
	Category string `toml:"category" json:"category"`

	// Provider keys into the provider table for revocation guidance.
	Provider string `toml:"provider" json:"provider,omitempty"`
}

// Exclusions is the low-tier list used to recognize test fixtures.
type Exclusions struct {
	// Literals are fixture values. Matching is case-insensitive substring.
	Literals []string `toml:"literals"`

	// TestPaths are gitignore-style patterns for test-designated paths.
	TestPaths []string `toml:"test_paths"`
}

// Allowlist removes matches entirely: paths are never scanned and matched
// text satisfying a regex is dropped.
type Allowlist struct {
	Paths   []string `toml:"paths"`
	Regexes []string `toml:"regexes"`
}

// Match is a single pattern hit.
type Match struct {
	PatternID string
	Category  string
	Tier      finding.Confidence
	Location  finding.Location
	Text      string
}

type compiledPattern struct {
	Pattern
	re       *regexp.Regexp
	keywords []string
}

// Catalog is an immutable set of compiled patterns plus exclusions.
type Catalog struct {
	patterns   []*compiledPattern
	byID       map[string]*compiledPattern
	literals   []string
	testPaths  *ignore.Matcher
	allowPaths []*regexp.Regexp
	allowText  []*regexp.Regexp
}

// Options configures New.
type Options struct {
	Patterns   []Pattern
	Exclusions Exclusions
	Allowlist  Allowlist
}

// New validates and compiles a catalog. Any invalid pattern fails the
// whole catalog.
func New(opts Options) (*Catalog, error) {
	c := &Catalog{
		patterns: make([]*compiledPattern, 0, len(opts.Patterns)),
		byID:     make(map[string]*compiledPattern, len(opts.Patterns)),
	}

	for i, p := range opts.Patterns {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: pattern %d: id is required", ErrInvalidPattern, i)
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePattern, p.ID)
		}
		if p.Expression == "" {
			return nil, fmt.Errorf("%w: %s: expression is required", ErrInvalidPattern, p.ID)
		}
		if !p.Tier.Valid() {
			return nil, fmt.Errorf("%w: %s: unknown tier %q", ErrInvalidPattern, p.ID, p.Tier)
		}
		re, err := regexp.Compile(p.Expression)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidPattern, p.ID, err)
		}
		if p.Category == "" {
			p.Category = CategorySecrets
		}
		cp := &compiledPattern{Pattern: p, re: re}
		for _, kw := range p.Keywords {
			cp.keywords = append(cp.keywords, strings.ToLower(kw))
		}
		c.patterns = append(c.patterns, cp)
		c.byID[p.ID] = cp
	}

	for _, lit := range opts.Exclusions.Literals {
		if lit != "" {
			c.literals = append(c.literals, strings.ToLower(lit))
		}
	}
	testPaths, err := ignore.NewMatcher(opts.Exclusions.TestPaths...)
	if err != nil {
		return nil, fmt.Errorf("%w: test paths: %v", ErrInvalidPattern, err)
	}
	c.testPaths = testPaths

	for _, expr := range opts.Allowlist.Paths {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: allowlist path %q: %v", ErrInvalidPattern, expr, err)
		}
		c.allowPaths = append(c.allowPaths, re)
	}
	for _, expr := range opts.Allowlist.Regexes {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: allowlist regex %q: %v", ErrInvalidPattern, expr, err)
		}
		c.allowText = append(c.allowText, re)
	}

	return c, nil
}

// DefaultOptions returns the built-in patterns and exclusions.
func DefaultOptions() Options {
	return Options{
		Patterns:   DefaultPatterns(),
		Exclusions: DefaultExclusions(),
	}
}

// Default returns the built-in catalog. It panics if a built-in pattern
// does not compile.
func Default() *Catalog {
	c, err := New(DefaultOptions())
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in patterns: %v", err))
	}
	return c
}

// Patterns returns a copy of the pattern definitions in catalog order.
func (c *Catalog) Patterns() []Pattern {
	out := make([]Pattern, len(c.patterns))
	for i, p := range c.patterns {
		out[i] = p.Pattern
	}
	return out
}

// Lookup returns the pattern with the given id.
func (c *Catalog) Lookup(id string) (Pattern, bool) {
	p, ok := c.byID[id]
	if !ok {
		return Pattern{}, false
	}
	return p.Pattern, true
}

// IsTestPath reports whether path is test-designated. path is slash or
// OS separated and relative to the corpus root.
func (c *Catalog) IsTestPath(path string) bool {
	return c.testPaths.Match(path)
}

// IsFixture reports whether text contains a known fixture literal.
func (c *Catalog) IsFixture(text string) bool {
	lower := strings.ToLower(text)
	for _, lit := range c.literals {
		if strings.Contains(lower, lit) {
			return true
		}
	}
	return false
}

// Skips reports whether path is allowlisted and must not be scanned.
func (c *Catalog) Skips(path string) bool {
	path = filepath.ToSlash(path)
	for _, re := range c.allowPaths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// IsAllowed reports whether matched text is allowlisted.
func (c *Catalog) IsAllowed(text string) bool {
	for _, re := range c.allowText {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// MatchLine runs every pattern against one line. lineNo is 1-indexed.
// A fixture literal inside a test path lowers the match to the low tier.
func (c *Catalog) MatchLine(path string, lineNo int, line string) []Match {
	var lower string
	var matches []Match

	for _, p := range c.patterns {
		if len(p.keywords) > 0 {
			if lower == "" {
				lower = strings.ToLower(line)
			}
			if !containsAny(lower, p.keywords) {
				continue
			}
		}

		for _, loc := range p.re.FindAllStringSubmatchIndex(line, -1) {
			start, end := loc[0], loc[1]
			if len(loc) >= 4 && loc[2] >= 0 {
				start, end = loc[2], loc[3]
			}
			text := line[start:end]
			if c.IsAllowed(text) {
				continue
			}

			tier := p.Tier
			if tier != finding.ConfidenceLow && c.IsFixture(text) && c.IsTestPath(path) {
				tier = finding.ConfidenceLow
			}

			matches = append(matches, Match{
				PatternID: p.ID,
				Category:  p.Category,
				Tier:      tier,
				Location:  finding.Location{Path: path, Line: lineNo, Column: start},
				Text:      text,
			})
		}
	}
	return matches
}

// MatchReader streams r line by line and calls emit for each match.
func (c *Catalog) MatchReader(path string, r io.Reader, emit func(Match)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		for _, m := range c.MatchLine(path, lineNo, scanner.Text()) {
			emit(m)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s at line %d: %w", path, lineNo+1, err)
	}
	return nil
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
