// Package ignore reads gitignore-style files and reports which corpus paths
// the scanner must skip. Matching follows git's own rules, including
// negation and anchored patterns.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// DefaultFiles are the ignore files read from a corpus root, in order.
var DefaultFiles = []string{".gitignore", ".guardrailignore"}

// DefaultFallback applies when the corpus has no ignore files at all.
var DefaultFallback = []string{"node_modules/", "vendor/", "dist/"}

// alwaysExcluded is never scanned, whatever the ignore files say.
var alwaysExcluded = []string{".git/"}

// Parser reads gitignore-style files.
type Parser struct {
	// Files is the list of ignore file names looked up in the corpus root.
	Files []string

	// Fallback is used when none of Files exist.
	Fallback []string
}

// NewParser creates a parser for the given ignore file names.
func NewParser(files, fallback []string) *Parser {
	return &Parser{Files: files, Fallback: fallback}
}

// Load parses the ignore files under root into a Matcher.
func (p *Parser) Load(root string) (*Matcher, error) {
	lines, err := p.ParseProject(root)
	if err != nil {
		return nil, err
	}
	return NewMatcher(lines...)
}

// ParseProject reads every ignore file under root and returns the combined
// pattern lines. Without any ignore file, the fallback lines are returned.
func (p *Parser) ParseProject(root string) ([]string, error) {
	var lines []string
	found := false

	for _, name := range p.Files {
		fileLines, err := parseFile(filepath.Join(root, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		lines = append(lines, fileLines...)
		found = true
	}

	if !found {
		lines = append(lines, p.Fallback...)
	}
	return deduplicate(lines), nil
}

// Matcher reports whether a corpus-relative path is ignored.
type Matcher struct {
	lines   []string
	matcher gitignore.Matcher
}

// NewMatcher builds a Matcher from gitignore pattern lines. Later lines
// take precedence, as in git. The .git directory is always excluded.
func NewMatcher(lines ...string) (*Matcher, error) {
	all := deduplicate(append(append([]string{}, alwaysExcluded...), lines...))

	patterns := make([]gitignore.Pattern, 0, len(all))
	for _, line := range all {
		if err := Validate(line); err != nil {
			return nil, err
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}
	return &Matcher{lines: all, matcher: gitignore.NewMatcher(patterns)}, nil
}

// Validate reports whether line is a usable pattern.
func Validate(line string) error {
	glob := strings.Trim(strings.TrimPrefix(line, "!"), "/")
	for _, part := range strings.Split(glob, "/") {
		if _, err := filepath.Match(part, ""); err != nil {
			return fmt.Errorf("invalid ignore pattern %q: %w", line, err)
		}
	}
	return nil
}

// Match reports whether the file rel (relative to the corpus root) is ignored.
func (m *Matcher) Match(rel string) bool {
	return m.match(rel, false)
}

// MatchDir reports whether a whole directory can be skipped.
func (m *Matcher) MatchDir(rel string) bool {
	return m.match(rel, true)
}

func (m *Matcher) match(rel string, isDir bool) bool {
	if m == nil {
		return false
	}
	parts := Split(rel)
	if len(parts) == 0 {
		return false
	}
	return m.matcher.Match(parts, isDir)
}

// Lines returns the pattern lines in precedence order.
func (m *Matcher) Lines() []string {
	return append([]string(nil), m.lines...)
}

// Split turns a relative path into the element list gitignore matching uses.
func Split(rel string) []string {
	rel = strings.Trim(filepath.ToSlash(filepath.Clean(rel)), "/")
	if rel == "" || rel == "." {
		return nil
	}
	return strings.Split(rel, "/")
}

func parseFile(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := parseLine(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// parseLine returns "" for comments and blank lines.
func parseLine(line string) string {
	line = strings.TrimRight(line, " \t\r")
	if line == "" || strings.HasPrefix(line, "#") {
		return ""
	}
	return line
}

func deduplicate(lines []string) []string {
	seen := make(map[string]bool, len(lines))
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	return out
}
