package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/guardrail/internal/config"
	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/remediation"
	"github.com/fyrsmithlabs/guardrail/internal/session"
	"github.com/fyrsmithlabs/guardrail/internal/telemetry"
)

const leakedKey = "AKIA1234567890ABCDEF"

// isolate points HOME and the record store at temp dirs.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GUARDRAIL_STORE_PATH", t.TempDir())
}

func writeProject(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(bytes.NewReader(nil))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"audit", "remediate", "continue", "status", "abandon", "serve", "mcp"} {
		assert.Contains(t, names, want)
	}
	for _, flag := range []string{"config", "project", "answers", "non-interactive", "log-level"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestExitCodeOf(t *testing.T) {
	assert.Equal(t, 0, exitCodeOf(nil))
	assert.Equal(t, 1, exitCodeOf(&exitError{code: 1}))
	assert.Equal(t, 2, exitCodeOf(&exitError{code: 2, err: errors.New("vcs unavailable")}))
	assert.Equal(t, 2, exitCodeOf(errors.New("unknown flag")))
}

func TestApplyFlags(t *testing.T) {
	cfg := config.Default()
	cfg.Triage.NonInteractive = true
	applyFlags(cfg, &globalFlags{project: "acme", logLevel: "debug", answers: "a.yaml"})
	assert.Equal(t, "acme", cfg.Project)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "a.yaml", cfg.Triage.Answers)
	assert.False(t, cfg.Triage.NonInteractive)

	cfg = config.Default()
	cfg.Triage.Answers = "from-file.yaml"
	applyFlags(cfg, &globalFlags{nonInteractive: true})
	assert.True(t, cfg.Triage.NonInteractive)
	assert.Empty(t, cfg.Triage.Answers)
}

func TestTelemetryConfig(t *testing.T) {
	tests := []struct {
		protocol string
		want     string
	}{
		{"grpc", telemetry.ProtocolGRPC},
		{"http", telemetry.ProtocolHTTP},
		{telemetry.ProtocolHTTP, telemetry.ProtocolHTTP},
		{"", telemetry.ProtocolGRPC},
	}
	for _, tt := range tests {
		cfg := config.Default()
		cfg.Telemetry.Protocol = tt.protocol
		assert.Equal(t, tt.want, telemetryConfig(cfg).Protocol, tt.protocol)
	}
}

func TestLoggingConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Logging.Level = "loud"
	_, err := loggingConfig(cfg, false)
	assert.Error(t, err)

	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"
	lc, err := loggingConfig(cfg, true)
	require.NoError(t, err)
	assert.Equal(t, "warn", lc.Level.String())
	assert.Equal(t, "json", lc.Format)
	assert.True(t, lc.Output.OTEL)
}

func TestLoadIgnore(t *testing.T) {
	root := writeProject(t, map[string]string{".gitignore": "build/\n"})
	m, err := loadIgnore(root, []string{"*.snap"})
	require.NoError(t, err)
	assert.True(t, m.Match("build/out.txt"))
	assert.True(t, m.Match("ui/__snapshots__/a.snap"))
	assert.False(t, m.Match("main.go"))

	_, err = loadIgnore(root, []string{"[broken"})
	assert.Error(t, err)
}

func TestWriteOutcome(t *testing.T) {
	f := &finding.Finding{
		Location:  finding.Location{Path: "app/db.py", Line: 7},
		PatternID: "bare_except",
		Severity:  finding.SeverityP1,
	}
	f.SetMatch("except: pass")

	var buf bytes.Buffer
	writeOutcome(&buf, &remediation.Outcome{
		SessionID: "sess-1",
		Status:    session.StatusActive,
		Committed: []string{"U_SECRETS"},
		Residual:  []*finding.Finding{f},
	})
	out := buf.String()
	assert.Contains(t, out, "session sess-1: active")
	assert.Contains(t, out, "committed: U_SECRETS")
	assert.Contains(t, out, "app/db.py:7 bare_except [P1]")
	assert.NotContains(t, out, "except: pass")

	buf.Reset()
	writeOutcome(&buf, nil)
	assert.Empty(t, buf.String())
}

func TestAuditCommand(t *testing.T) {
	isolate(t)
	root := writeProject(t, map[string]string{
		"config/prod.env": "AWS_ACCESS_KEY_ID=" + leakedKey + "\n",
		"main.go":         "package main\n",
	})

	out, err := execute(t, "audit", root, "--project", "acme", "--non-interactive", "--format", "json")
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, remediation.ExitResidual, ee.code)

	assert.NotContains(t, out, leakedKey)
	var report struct {
		ProjectID string `json:"project_id"`
		Persisted bool   `json:"persisted"`
		Findings  []struct {
			Path     string `json:"path"`
			Severity string `json:"severity"`
			Status   string `json:"status"`
		} `json:"findings"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "acme", report.ProjectID)
	assert.True(t, report.Persisted)
	require.NotEmpty(t, report.Findings)
	assert.Equal(t, "config/prod.env", report.Findings[0].Path)
	assert.Equal(t, "P0", report.Findings[0].Severity)

	out, err = execute(t, "status", root, "--project", "acme", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"project_id": "acme"`)
	assert.NotContains(t, out, leakedKey)
}

func TestAuditCommand_Clean(t *testing.T) {
	isolate(t)
	root := writeProject(t, map[string]string{"main.go": "package main\n\nfunc main() {}\n"})

	out, err := execute(t, "audit", root, "--project", "acme", "--non-interactive")
	require.NoError(t, err)
	assert.Contains(t, out, "guardrail audit: acme")
}

func TestAuditCommand_BadFormat(t *testing.T) {
	isolate(t)
	_, err := execute(t, "audit", t.TempDir(), "--format", "xml")
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, remediation.ExitAborted, ee.code)
}

func TestStatusCommand_NeverAudited(t *testing.T) {
	isolate(t)
	out, err := execute(t, "status", t.TempDir(), "--project", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "no audit or session recorded for acme")
}

func TestRemediateOutsideGit(t *testing.T) {
	isolate(t)
	root := writeProject(t, map[string]string{"main.go": "package main\n"})

	_, err := execute(t, "remediate", root, "--project", "acme", "--non-interactive")
	var ee *exitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, remediation.ExitAborted, ee.code)

	var cu *remediation.CollaboratorUnavailable
	require.ErrorAs(t, err, &cu)
	assert.Equal(t, remediation.CollaboratorVCS, cu.Collaborator)
}

func TestNoActiveSession(t *testing.T) {
	for _, cmd := range []string{"continue", "abandon"} {
		t.Run(cmd, func(t *testing.T) {
			isolate(t)
			root := writeProject(t, map[string]string{"main.go": "package main\n"})
			_, err := git.PlainInit(root, false)
			require.NoError(t, err)

			_, err = execute(t, cmd, root, "--project", "acme", "--non-interactive")
			var ee *exitError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, remediation.ExitAborted, ee.code)
			assert.ErrorContains(t, err, "no active session for acme")
		})
	}
}
