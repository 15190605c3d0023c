package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	httpserver "github.com/fyrsmithlabs/guardrail/internal/http"
	"github.com/fyrsmithlabs/guardrail/internal/mcp"
	"github.com/fyrsmithlabs/guardrail/internal/prompt"
	"github.com/fyrsmithlabs/guardrail/internal/remediation"
)

func newServeCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [path]",
		Short: "Serve session status and metrics over HTTP",
		Long: `Start the read-only status API:

  GET /health
  GET /metrics
  GET /api/v1/projects/:project/session

The listen address comes from http.host and http.port (default
127.0.0.1:9191). Stops on SIGINT or SIGTERM.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), global, args)
			if err != nil {
				return &exitError{code: remediation.ExitAborted, err: err}
			}
			ctx := a.Context(cmd.Context())
			defer a.Close(ctx)

			if err := serveHTTP(ctx, a); err != nil {
				return &exitError{code: remediation.ExitAborted, err: err}
			}
			return nil
		},
	}
}

func serveHTTP(ctx context.Context, a *app) error {
	zl := a.logger.Underlying().Named("http")
	srv, err := httpserver.NewServer(a.store, zl,
		&httpserver.Config{Host: a.cfg.HTTP.Host, Port: a.cfg.HTTP.Port},
		httpserver.WithTelemetryHealth(a.tel.Health),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info(ctx, "status server listening", zap.String("addr", srv.Addr()))
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout.Duration())
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return fmt.Errorf("failed to shut down status server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newMCPCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp [path]",
		Short: "Serve the project over MCP on stdio",
		Long: `Run a Model Context Protocol server on stdin/stdout exposing the audit,
session_status and tool_search tools for the project at path.

Questions raised while auditing are answered from triage.policy; the server
never waits on a terminal. Logs go to stderr.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), global, args)
			if err != nil {
				return &exitError{code: remediation.ExitAborted, err: err}
			}
			ctx := a.Context(cmd.Context())
			defer a.Close(ctx)

			// stdout carries the protocol
			ch := prompt.NewPolicy(os.Stderr, a.cfg.Triage.Policy...)
			srv, err := mcp.NewServer(&mcp.Config{
				Name:      "guardrail",
				Version:   version,
				ProjectID: a.projectID,
				Logger:    a.logger.Underlying().Named("mcp"),
			}, a.auditor(ch), a.store)
			if err != nil {
				return &exitError{code: remediation.ExitAborted, err: err}
			}
			if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
				return &exitError{code: remediation.ExitAborted, err: err}
			}
			return nil
		},
	}
}
