// Package prompt is the interactive channel: the only way the engine asks
// the user anything or shows them text.
//
// Three implementations are provided:
//   - Terminal: line-based questions on a reader/writer pair, styled with lipgloss
//   - Scripted: answers replayed from a YAML file, with a transcript
//   - Policy: fixed answers for non-interactive hosts
//
// Questions have no timeout. Cancelling the context is the only way to stop
// a blocked question, and callers treat that as the user walking away.
package prompt

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

var (
	// ErrClosed indicates the input stream ended.
	ErrClosed = errors.New("prompt channel closed")

	// ErrNoAnswer indicates a non-interactive channel has no answer for a question.
	ErrNoAnswer = errors.New("no answer available")
)

// Channel asks questions and displays text.
type Channel interface {
	// AskYesNo asks a yes/no question.
	AskYesNo(ctx context.Context, prompt string) (bool, error)

	// AskChoice asks the user to pick one of options and returns it verbatim.
	AskChoice(ctx context.Context, prompt string, options []string) (string, error)

	// Display shows text.
	Display(ctx context.Context, text string) error
}

// ParseYesNo interprets a yes/no answer.
func ParseYesNo(answer string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes", "true", "1":
		return true, true
	case "n", "no", "false", "0":
		return false, true
	}
	return false, false
}

// ResolveChoice maps an answer to one of options. It accepts the option
// text (case-insensitive), its 1-based number, or an unambiguous prefix.
func ResolveChoice(answer string, options []string) (string, bool) {
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return "", false
	}

	for _, opt := range options {
		if strings.EqualFold(opt, answer) {
			return opt, true
		}
	}

	if n, err := strconv.Atoi(answer); err == nil {
		if n >= 1 && n <= len(options) {
			return options[n-1], true
		}
		return "", false
	}

	lower := strings.ToLower(answer)
	match := ""
	for _, opt := range options {
		if strings.HasPrefix(strings.ToLower(opt), lower) {
			if match != "" {
				return "", false
			}
			match = opt
		}
	}
	return match, match != ""
}
