package emergency

import (
	"fmt"
	"path"
	"strings"

	"github.com/fyrsmithlabs/guardrail/internal/catalog"
)

// History describes whether the leaked file is part of committed history.
type History int

// History values.
const (
	HistoryUnknown History = iota
	HistoryTracked
	HistoryUntracked
)

// Briefing is the text shown when an Emergency becomes active.
type Briefing struct {
	Emergency *Emergency
	Provider  catalog.Provider
	Guard     string
	History   History
	Queued    int
}

// String renders the briefing.
func (b Briefing) String() string {
	e := b.Emergency
	var sb strings.Builder

	sb.WriteString("EMERGENCY: possible leaked credential. All other remediation is paused.\n")
	fmt.Fprintf(&sb, "  Location: %s\n", e.Location)
	fmt.Fprintf(&sb, "  Pattern:  %s (%s)\n", e.PatternID, e.Masked)
	fmt.Fprintf(&sb, "  Provider: %s\n", b.Provider.Name)
	sb.WriteString("Required actions:\n")

	revoke := "  1. Revoke the credential at " + b.Provider.Name
	if b.Provider.RevokeURL != "" {
		revoke += ": " + b.Provider.RevokeURL
	}
	sb.WriteString(revoke + "\n")
	fmt.Fprintf(&sb, "  2. Remove it from %s and load it from the environment or a secret manager.\n", e.Location.Path)

	switch b.History {
	case HistoryTracked:
		fmt.Fprintf(&sb, "  3. Rewrite history: %s is committed, so the credential is in git history.\n", e.Location.Path)
	case HistoryUntracked:
		fmt.Fprintf(&sb, "  3. No history rewrite needed: %s is not committed.\n", e.Location.Path)
	default:
		sb.WriteString("  3. If the file was ever committed, rewrite history to purge the credential.\n")
	}
	fmt.Fprintf(&sb, "  4. Add a prevention guard: %s\n", b.Guard)

	if b.Queued > 0 {
		fmt.Fprintf(&sb, "%d more emergency(ies) queued.\n", b.Queued)
	}
	return sb.String()
}

// PreventionGuard suggests how to keep the file from leaking again.
// Credential files get an ignore rule; source files get a pre-commit audit.
func PreventionGuard(p string) string {
	base := strings.ToLower(path.Base(p))
	ext := path.Ext(base)

	switch {
	case base == ".env" || strings.HasPrefix(base, ".env."),
		ext == ".pem", ext == ".key", ext == ".p12", ext == ".pfx",
		strings.HasPrefix(base, "id_rsa"), strings.HasPrefix(base, "id_ed25519"),
		strings.HasPrefix(base, "credentials"):
		return fmt.Sprintf("add %q to .gitignore and commit a template without values", p)
	}
	return fmt.Sprintf("add a pre-commit hook that runs `guardrail audit --files %s`", p)
}
