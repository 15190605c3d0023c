// Package sanitize turns user-supplied project names and paths into safe
// identifiers for store keys and file names.
//
// Project identifiers must match ^[a-z0-9_]{1,64}$ so they can be used
// unchanged as a Redis key segment and as a file name.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const (
	// MaxIdentifierLength is the maximum length of a project identifier.
	MaxIdentifierLength = 64

	// hashSuffixLength is len("_") plus 8 hex characters.
	hashSuffixLength = 9

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "default"
)

// Identifier lowercases s, replaces every character outside [a-z0-9_] with
// an underscore, collapses and trims underscores, and truncates long
// results with a hash suffix so distinct inputs stay distinct.
//
//	"github.com/acme/api" -> "github_com_acme_api"
//	"My Project!"         -> "my_project"
//	"" or "!!!"           -> "default"
func Identifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := true
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	out := strings.TrimRight(b.String(), "_")
	if out == "" {
		return DefaultIdentifier
	}
	if len(out) > MaxIdentifierLength {
		out = truncateWithHash(out)
	}
	return out
}

// ProjectID derives a project identifier from an explicit name or, when
// name is empty, from the base name of the project root.
func ProjectID(name, root string) string {
	if name != "" {
		return Identifier(name)
	}
	if root == "" {
		return DefaultIdentifier
	}
	return Identifier(filepath.Base(filepath.Clean(root)))
}

// Key joins a prefix, a sanitized project id and a suffix with colons,
// e.g. Key("guardrail", "acme", "record") -> "guardrail:acme:record".
func Key(prefix, project, suffix string) string {
	parts := []string{Identifier(project)}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	if suffix != "" {
		parts = append(parts, suffix)
	}
	return strings.Join(parts, ":")
}

func truncateWithHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	return strings.TrimRight(s[:MaxIdentifierLength-hashSuffixLength], "_") + suffix
}
