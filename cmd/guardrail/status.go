package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/guardrail/internal/remediation"
)

func newStatusCmd(global *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status [path]",
		Short: "Show the project's remediation session",
		Long: `Show the project's session: its status and branch, every category with
its state and commit, open emergencies, and residual findings.

Examples:
  guardrail status
  guardrail status --json ./services/api`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), global, args)
			if err != nil {
				return &exitError{code: remediation.ExitAborted, err: err}
			}
			ctx := a.Context(cmd.Context())
			defer a.Close(ctx)

			out := cmd.OutOrStdout()
			report, err := remediation.LoadStatus(ctx, a.store, a.projectID)
			if isNotFound(err) {
				fmt.Fprintf(out, "no audit or session recorded for %s\n", a.projectID)
				return nil
			}
			if err != nil {
				return &exitError{code: remediation.ExitAborted, err: err}
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			_, err = fmt.Fprint(out, report.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}
