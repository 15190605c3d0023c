package sanitize

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Validation errors.
var (
	// ErrPathTraversal indicates a path escapes its root.
	ErrPathTraversal = errors.New("path escapes project root")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrNotDirectory indicates a project root that is not a directory.
	ErrNotDirectory = errors.New("project root is not a directory")

	// ErrInvalidProjectID indicates the project ID format is invalid.
	ErrInvalidProjectID = errors.New("invalid project ID format")
)

var identifierPattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateRoot resolves a project root to an absolute, existing directory.
func ValidateRoot(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("failed to stat project root: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}
	return abs, nil
}

// ValidateRelPath cleans a path given relative to root (or absolute inside
// root) and returns it relative to root in slash form.
func ValidateRelPath(root, path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	rel, err := filepath.Rel(root, filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	return filepath.ToSlash(rel), nil
}

// ValidateProjectID checks that id is already a sanitized identifier.
func ValidateProjectID(id string) error {
	if !identifierPattern.MatchString(id) {
		return fmt.Errorf("%w: %q must be lowercase alphanumeric with underscores (1-64 chars)", ErrInvalidProjectID, id)
	}
	return nil
}
