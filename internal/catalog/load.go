package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ProjectFile is the per-project extension file at the corpus root.
const ProjectFile = ".guardrail.toml"

// ErrInvalidTOML indicates an extension file could not be parsed.
var ErrInvalidTOML = errors.New("invalid TOML format")

// File is the on-disk extension format:
//
//	[[patterns]]
//	id = "internal_token"
//	tier = "high"
//	expression = 'itk_[a-z0-9]{32}'
//
//	[exclusions]
//	literals = ["sample-token"]
//
//	[allowlist]
//	paths = ['^docs/']
type File struct {
	Patterns   []Pattern  `toml:"patterns"`
	Exclusions Exclusions `toml:"exclusions"`
	Allowlist  Allowlist  `toml:"allowlist"`
}

// Load builds a catalog from the built-in set extended by the project file
// under root and an optional user file. Missing files are ignored; a file
// that exists but does not parse or compile fails the load.
func Load(root, userPath string) (*Catalog, error) {
	opts := DefaultOptions()

	var paths []string
	if root != "" {
		paths = append(paths, filepath.Join(root, ProjectFile))
	}
	if userPath != "" {
		paths = append(paths, userPath)
	}

	for _, path := range paths {
		ext, err := loadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		opts.Patterns = append(opts.Patterns, ext.Patterns...)
		opts.Exclusions.Literals = append(opts.Exclusions.Literals, ext.Exclusions.Literals...)
		opts.Exclusions.TestPaths = append(opts.Exclusions.TestPaths, ext.Exclusions.TestPaths...)
		opts.Allowlist.Paths = append(opts.Allowlist.Paths, ext.Allowlist.Paths...)
		opts.Allowlist.Regexes = append(opts.Allowlist.Regexes, ext.Allowlist.Regexes...)
	}

	c, err := New(opts)
	if err != nil {
		return nil, fmt.Errorf("loading catalog: %w", err)
	}
	return c, nil
}

func loadFile(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	return &f, nil
}
