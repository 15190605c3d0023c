package prompt

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Policy answers without a human. AskChoice returns the first preference
// that is among the offered options.
type Policy struct {
	Preferences []string
	YesNo       bool
	Out         io.Writer
}

// NewPolicy creates a non-interactive channel. Display output goes to out
// when it is not nil.
func NewPolicy(out io.Writer, preferences ...string) *Policy {
	return &Policy{Preferences: preferences, Out: out}
}

// AskYesNo implements Channel.
func (p *Policy) AskYesNo(ctx context.Context, _ string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.YesNo, nil
}

// AskChoice implements Channel.
func (p *Policy) AskChoice(ctx context.Context, prompt string, options []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	for _, pref := range p.Preferences {
		for _, opt := range options {
			if strings.EqualFold(pref, opt) {
				return opt, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q offers %v", ErrNoAnswer, prompt, options)
}

// Display implements Channel.
func (p *Policy) Display(_ context.Context, text string) error {
	if p.Out == nil {
		return nil
	}
	_, err := fmt.Fprintln(p.Out, text)
	return err
}
