// Guardrail finds secrets and policy violations in a project and walks the
// operator through remediating them one category at a time, committing each
// verified fix.
//
// Usage:
//
//	guardrail audit [path] [--files a,b] [--format text|json|yaml] [--watch]
//	guardrail remediate [path]
//	guardrail continue [path]
//	guardrail status [path] [--json]
//	guardrail abandon [path]
//	guardrail serve [path]
//	guardrail mcp [path]
//
// Exit codes: 0 clean, 1 residual violations, 2 aborted.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

// globalFlags are shared by every command.
type globalFlags struct {
	configPath     string
	project        string
	answers        string
	nonInteractive bool
	logLevel       string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	os.Exit(exitCodeOf(err))
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "guardrail",
		Short: "Find and remediate leaked secrets and policy violations",
		Long: `guardrail scans a project for credentials and code-policy violations,
triages what it finds, and remediates confirmed violations one category at a
time. Every fix is verified by a re-scan and the project's tests before it is
committed, and a session can be resumed after any interruption.

Leaked credentials (P0) interrupt everything else until they are revoked and
removed.`,
		Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "user config file (default ~/.config/guardrail/config.yaml)")
	pf.StringVar(&flags.project, "project", "", "project id (default: base name of the project root)")
	pf.StringVar(&flags.answers, "answers", "", "YAML file of scripted answers")
	pf.BoolVar(&flags.nonInteractive, "non-interactive", false, "answer questions from triage.policy instead of the terminal")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	root.MarkFlagsMutuallyExclusive("answers", "non-interactive")

	root.AddCommand(
		newAuditCmd(flags),
		newRemediateCmd(flags),
		newContinueCmd(flags),
		newStatusCmd(flags),
		newAbandonCmd(flags),
		newServeCmd(flags),
		newMCPCmd(flags),
	)
	return root
}

// exitError carries a process exit code out of a command. A nil err means
// the command already reported everything it had to say.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
		}
		return ee.code
	}
	fmt.Fprintln(os.Stderr, "Error:", err)
	return 2
}
