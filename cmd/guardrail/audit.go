package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guardrail/internal/audit"
	"github.com/fyrsmithlabs/guardrail/internal/logging"
	"github.com/fyrsmithlabs/guardrail/internal/remediation"
	"github.com/fyrsmithlabs/guardrail/internal/sanitize"
	"github.com/fyrsmithlabs/guardrail/internal/watch"
)

type auditFlags struct {
	files  []string
	format string
	watch  bool
}

func newAuditCmd(global *globalFlags) *cobra.Command {
	flags := &auditFlags{}
	cmd := &cobra.Command{
		Use:   "audit [path]",
		Short: "Scan a project and report violations",
		Long: `Scan the project at path (default: current directory), triage every
finding and print a redacted report. Only masked previews of matched text
are ever printed.

Exits 1 when confirmed violations remain.

Examples:
  # Audit the current project
  guardrail audit

  # Audit two files and print JSON
  guardrail audit --files config/prod.env,app/main.py --format json

  # Re-audit files as they change
  guardrail audit --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAudit(cmd, global, flags, args)
		},
	}
	cmd.Flags().StringSliceVar(&flags.files, "files", nil, "comma-separated files to scan instead of the whole project")
	cmd.Flags().StringVar(&flags.format, "format", "text", "report format: text, json or yaml")
	cmd.Flags().BoolVar(&flags.watch, "watch", false, "keep running and re-audit changed files")
	return cmd
}

func runAudit(cmd *cobra.Command, global *globalFlags, flags *auditFlags, args []string) error {
	format, err := audit.ParseFormat(flags.format)
	if err != nil {
		return &exitError{code: remediation.ExitAborted, err: err}
	}

	a, err := newApp(cmd.Context(), global, args)
	if err != nil {
		return &exitError{code: remediation.ExitAborted, err: err}
	}
	ctx := a.Context(cmd.Context())
	defer a.Close(ctx)

	paths := make([]string, 0, len(flags.files))
	for _, f := range flags.files {
		rel, err := sanitize.ValidateRelPath(a.root, f)
		if err != nil {
			return &exitError{code: remediation.ExitAborted, err: err}
		}
		paths = append(paths, rel)
	}

	// Structured reports own stdout; questions go to stderr.
	out := cmd.OutOrStdout()
	promptOut := out
	if format != audit.FormatText {
		promptOut = cmd.ErrOrStderr()
	}
	ch, err := a.channel(cmd.InOrStdin(), promptOut)
	if err != nil {
		return &exitError{code: remediation.ExitAborted, err: err}
	}
	auditor := a.auditor(ch)

	report, err := auditAndWrite(ctx, auditor, paths, out, format)
	if err != nil {
		return &exitError{code: remediation.ExitCode(nil, err), err: err}
	}

	if flags.watch {
		report, err = watchAndAudit(ctx, a, auditor, out, format, report)
		if err != nil {
			return &exitError{code: remediation.ExitAborted, err: err}
		}
	}

	if len(report.Open()) > 0 {
		return &exitError{code: remediation.ExitResidual}
	}
	return nil
}

func auditAndWrite(ctx context.Context, auditor *audit.Auditor, paths []string, out io.Writer, format audit.Format) (*audit.Report, error) {
	report, err := auditor.Run(ctx, paths)
	if err != nil {
		return nil, err
	}
	if err := report.Write(out, format); err != nil {
		return nil, fmt.Errorf("failed to write report: %w", err)
	}
	return report, nil
}

// watchAndAudit re-audits each batch of changed files until ctx is done and
// returns the latest report.
func watchAndAudit(ctx context.Context, a *app, auditor *audit.Auditor, out io.Writer, format audit.Format, last *audit.Report) (*audit.Report, error) {
	w, err := watch.New(a.root,
		watch.WithIgnore(a.ignore),
		watch.WithLogger(a.logger.Underlying().Named("watch")),
	)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx)
	logger.Info(ctx, "watching for changes", zap.String("root", a.root))

	err = w.Run(ctx, func(ctx context.Context, batch []string) error {
		report, err := auditAndWrite(ctx, auditor, batch, out, format)
		if err != nil {
			return err
		}
		last = report
		return nil
	})
	return last, err
}
