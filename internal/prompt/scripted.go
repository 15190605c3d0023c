package prompt

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Exchange is one recorded question and its answer.
type Exchange struct {
	Prompt  string   `yaml:"prompt"`
	Options []string `yaml:"options,omitempty"`
	Answer  string   `yaml:"answer"`
}

// AnswersFile is the YAML layout read by LoadScripted:
//
//	answers:
//	  - real
//	  - fix now
//	  - verify
type AnswersFile struct {
	Answers []string `yaml:"answers"`
}

// Scripted replays answers in order. It is used for unattended runs
// driven by an answers file and in tests.
type Scripted struct {
	mu         sync.Mutex
	answers    []string
	transcript []Exchange
	displayed  []string
}

// NewScripted creates a channel that answers in order.
func NewScripted(answers ...string) *Scripted {
	return &Scripted{answers: answers}
}

// LoadScripted reads an answers file.
func LoadScripted(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read answers file: %w", err)
	}
	var f AnswersFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse answers file %s: %w", path, err)
	}
	return NewScripted(f.Answers...), nil
}

func (s *Scripted) next(ctx context.Context, prompt string, options []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.answers) == 0 {
		return "", fmt.Errorf("%w: %q", ErrNoAnswer, prompt)
	}
	answer := s.answers[0]
	s.answers = s.answers[1:]
	s.transcript = append(s.transcript, Exchange{Prompt: prompt, Options: options, Answer: answer})
	return answer, nil
}

// AskYesNo implements Channel.
func (s *Scripted) AskYesNo(ctx context.Context, prompt string) (bool, error) {
	answer, err := s.next(ctx, prompt, nil)
	if err != nil {
		return false, err
	}
	v, ok := ParseYesNo(answer)
	if !ok {
		return false, fmt.Errorf("scripted answer %q to %q is not yes/no", answer, prompt)
	}
	return v, nil
}

// AskChoice implements Channel.
func (s *Scripted) AskChoice(ctx context.Context, prompt string, options []string) (string, error) {
	answer, err := s.next(ctx, prompt, options)
	if err != nil {
		return "", err
	}
	choice, ok := ResolveChoice(answer, options)
	if !ok {
		return "", fmt.Errorf("scripted answer %q to %q is not one of %v", answer, prompt, options)
	}
	return choice, nil
}

// Display implements Channel.
func (s *Scripted) Display(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayed = append(s.displayed, text)
	return nil
}

// Transcript returns every question asked so far.
func (s *Scripted) Transcript() []Exchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Exchange(nil), s.transcript...)
}

// Displayed returns every displayed text so far.
func (s *Scripted) Displayed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.displayed...)
}

// Remaining returns the number of unused answers.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.answers)
}
