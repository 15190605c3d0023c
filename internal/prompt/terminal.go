package prompt

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var (
	questionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	optionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	hintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
)

// Terminal is a line-based channel over a reader and writer, normally
// stdin and stdout.
type Terminal struct {
	out io.Writer

	in    *bufio.Reader
	once  sync.Once
	lines chan string
	err   error
}

// NewTerminal creates a terminal channel.
func NewTerminal(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{
		in:    bufio.NewReader(in),
		out:   out,
		lines: make(chan string),
	}
}

func (t *Terminal) pump() {
	defer close(t.lines)
	for {
		line, err := t.in.ReadString('\n')
		if line != "" || err == nil {
			t.lines <- strings.TrimRight(line, "\r\n")
		}
		if err != nil {
			if err != io.EOF {
				t.err = err
			}
			return
		}
	}
}

func (t *Terminal) readLine(ctx context.Context) (string, error) {
	t.once.Do(func() { go t.pump() })

	select {
	case line, ok := <-t.lines:
		if !ok {
			if t.err != nil {
				return "", fmt.Errorf("%w: %v", ErrClosed, t.err)
			}
			return "", ErrClosed
		}
		return line, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AskYesNo implements Channel. Invalid answers are asked again.
func (t *Terminal) AskYesNo(ctx context.Context, prompt string) (bool, error) {
	for {
		fmt.Fprintf(t.out, "%s %s ", questionStyle.Render(prompt), hintStyle.Render("[y/n]"))
		line, err := t.readLine(ctx)
		if err != nil {
			return false, err
		}
		if v, ok := ParseYesNo(line); ok {
			return v, nil
		}
		fmt.Fprintln(t.out, hintStyle.Render("Please answer y or n."))
	}
}

// AskChoice implements Channel. Invalid answers are asked again.
func (t *Terminal) AskChoice(ctx context.Context, prompt string, options []string) (string, error) {
	for {
		fmt.Fprintln(t.out, questionStyle.Render(prompt))
		for i, opt := range options {
			fmt.Fprintf(t.out, "  %s %s\n", optionStyle.Render(fmt.Sprintf("%d)", i+1)), opt)
		}
		fmt.Fprint(t.out, hintStyle.Render("> "))

		line, err := t.readLine(ctx)
		if err != nil {
			return "", err
		}
		if choice, ok := ResolveChoice(line, options); ok {
			return choice, nil
		}
		fmt.Fprintln(t.out, hintStyle.Render(fmt.Sprintf("Choose one of: %s", strings.Join(options, ", "))))
	}
}

// Display implements Channel.
func (t *Terminal) Display(_ context.Context, text string) error {
	_, err := fmt.Fprintln(t.out, text)
	return err
}
