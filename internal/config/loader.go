package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix starts every environment override.
	EnvPrefix = "GUARDRAIL_"

	// ProjectFile is the optional per-project config at the root.
	ProjectFile = ".guardrail.yaml"
)

// Options locates configuration files.
type Options struct {
	// Path is the user config file. Empty means DefaultPath().
	Path string

	// Root is the project root searched for ProjectFile. Empty skips it.
	Root string
}

// DefaultPath returns ~/.config/guardrail/config.yaml.
func DefaultPath() (string, error) {
	dir, err := userDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// DefaultStateDir is where the file store keeps records when store.path is
// unset: ~/.config/guardrail/state.
func DefaultStateDir() (string, error) {
	dir, err := userDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state"), nil
}

func userDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "guardrail"), nil
}

// Load reads configuration.
//
// Precedence (highest to lowest):
//  1. GUARDRAIL_* environment variables (GUARDRAIL_SCAN_WORKERS -> scan.workers)
//  2. the user file, which must be 0600 or 0400 and live under
//     ~/.config/guardrail/ or /etc/guardrail/
//  3. the project file <root>/.guardrail.yaml
//  4. Default()
//
// Files larger than 1MB are rejected. Missing files are skipped.
func Load(opts Options) (*Config, error) {
	k := koanf.New(".")

	if opts.Root != "" {
		if err := loadFile(k, filepath.Join(opts.Root, ProjectFile), false); err != nil {
			return nil, err
		}
	}

	path := opts.Path
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return nil, err
		}
	}
	if err := validateConfigPath(path); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	if err := loadFile(k, path, true); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envKey maps GUARDRAIL_STORE_REDIS_URL to store.redis_url: the first
// segment names the section, the rest is the field.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// loadFile merges a YAML file into k. The file is opened once and checked
// through the descriptor to avoid a TOCTOU race.
func loadFile(k *koanf.Koanf, path string, private bool) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info, private); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// validateConfigPath checks that the user file is in an allowed directory,
// following symlinks when the path exists.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		absPath = resolved
	}

	dir, err := userDir()
	if err != nil {
		return err
	}
	for _, allowed := range []string{dir, "/etc/guardrail"} {
		if resolved, err := filepath.EvalSymlinks(allowed); err == nil {
			allowed = resolved
		}
		rel, err := filepath.Rel(allowed, absPath)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/guardrail/ or /etc/guardrail/")
}

// validateConfigFileProperties checks size, and permissions for private
// files, which may hold credentials.
func validateConfigFileProperties(info os.FileInfo, private bool) error {
	if info.IsDir() {
		return fmt.Errorf("is a directory")
	}
	if private && runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm != 0o600 && perm != 0o400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
