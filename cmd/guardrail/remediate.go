package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/guardrail/internal/remediation"
)

func newRemediateCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "remediate [path]",
		Short: "Start or continue a remediation session",
		Long: `Audit the project, then remediate confirmed violations one category at
a time. Each category is isolated, fixed by you, verified by a re-scan and
the configured test command, and committed on its own.

A leaked credential interrupts the session until it is revoked and removed.
If a session is already active for the project it is continued.

Exits 0 when no violations remain, 1 when some do, and 2 when a required
collaborator (git, the test command, the store) failed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, global, args, false)
		},
	}
}

func newContinueCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "continue [path]",
		Short: "Resume the persisted remediation session",
		Long: `Resume the project's active session from its last checkpoint. Committed
categories are never repeated. Fails when no session is active.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, global, args, true)
		},
	}
}

func newAbandonCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "abandon [path]",
		Short: "Abandon the active remediation session",
		Long: `Mark the project's active session abandoned and release its lease.
Commits already made are kept. Refused while a credential emergency is open.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), global, args)
			if err != nil {
				return &exitError{code: remediation.ExitAborted, err: err}
			}
			ctx := a.Context(cmd.Context())
			defer a.Close(ctx)

			ch, err := a.channel(cmd.InOrStdin(), cmd.OutOrStdout())
			if err != nil {
				return &exitError{code: remediation.ExitAborted, err: err}
			}
			eng, err := a.engine(ch)
			if err != nil {
				return &exitError{code: remediation.ExitAborted, err: err}
			}
			if err := eng.Abandon(ctx); err != nil {
				if isNotFound(err) {
					return &exitError{code: remediation.ExitAborted, err: fmt.Errorf("no active session for %s", a.projectID)}
				}
				return &exitError{code: remediation.ExitCode(nil, err), err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session for %s abandoned\n", a.projectID)
			return nil
		},
	}
}

func runSession(cmd *cobra.Command, global *globalFlags, args []string, resume bool) error {
	a, err := newApp(cmd.Context(), global, args)
	if err != nil {
		return &exitError{code: remediation.ExitAborted, err: err}
	}
	ctx := a.Context(cmd.Context())
	defer a.Close(ctx)

	out := cmd.OutOrStdout()
	ch, err := a.channel(cmd.InOrStdin(), out)
	if err != nil {
		return &exitError{code: remediation.ExitAborted, err: err}
	}
	eng, err := a.engine(ch)
	if err != nil {
		return &exitError{code: remediation.ExitAborted, err: err}
	}

	var outcome *remediation.Outcome
	if resume {
		outcome, err = eng.Resume(ctx)
		if isNotFound(err) {
			return &exitError{code: remediation.ExitAborted, err: fmt.Errorf("no active session for %s; run guardrail remediate", a.projectID)}
		}
	} else {
		outcome, err = eng.Start(ctx)
	}

	writeOutcome(out, outcome)
	code := remediation.ExitCode(outcome, err)
	if err != nil {
		return &exitError{code: code, err: describeFailure(err)}
	}
	if code != remediation.ExitClean {
		return &exitError{code: code}
	}
	return nil
}

func writeOutcome(w io.Writer, out *remediation.Outcome) {
	if out == nil {
		return
	}
	fmt.Fprintf(w, "\nsession %s: %s\n", out.SessionID, out.Status)
	if len(out.Committed) > 0 {
		fmt.Fprintf(w, "  committed: %s\n", strings.Join(out.Committed, ", "))
	}
	if len(out.Skipped) > 0 {
		fmt.Fprintf(w, "  skipped:   %s\n", strings.Join(out.Skipped, ", "))
	}
	if len(out.Residual) > 0 {
		fmt.Fprintf(w, "  residual:  %d violation(s)\n", len(out.Residual))
		for _, f := range out.Residual {
			fmt.Fprintf(w, "    %s:%d %s [%s] %s\n", f.Location.Path, f.Location.Line, f.PatternID, f.Severity, f.Masked)
		}
	}
	for _, e := range out.ScanErrors {
		fmt.Fprintf(w, "  scan error: %s\n", e)
	}
}

// describeFailure appends the failure report to collaborator failures so
// the operator sees the checkpoint and whether anything was reverted.
func describeFailure(err error) error {
	var cu *remediation.CollaboratorUnavailable
	if errors.As(err, &cu) && cu.Report.SessionID != "" {
		return fmt.Errorf("%w\n%s", err, cu.Report)
	}
	return err
}
