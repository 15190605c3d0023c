package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/guardrail/internal/config"
)

const awsKey = "AKIA1234567890ABCDEF"

func jsonLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Format = "json"
	cfg.Level = TraceLevel
	if mutate != nil {
		mutate(cfg)
	}
	var buf bytes.Buffer
	l, err := NewLogger(cfg, nil, WithWriter(&buf))
	require.NoError(t, err)
	return l, &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	l, buf := jsonLogger(t, nil)

	ctx := WithProject(context.Background(), "acme")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithCategory(ctx, "U_FAIL_FAST")
	l.Info(ctx, "category committed", zap.String("ref", "abc123"))

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "category committed", got[0]["msg"])
	assert.Equal(t, "acme", got[0]["project.id"])
	assert.Equal(t, "sess-1", got[0]["session.id"])
	assert.Equal(t, "U_FAIL_FAST", got[0]["category.id"])
	assert.Equal(t, "guardrail", got[0]["service"])
}

func TestLogger_Redaction(t *testing.T) {
	l, buf := jsonLogger(t, nil)
	ctx := context.Background()

	l.Info(ctx, "found key "+awsKey,
		zap.String("match", "hunter2"),
		zap.String("line", "key = "+awsKey),
		zap.Error(errors.New("cannot use "+awsKey)),
	)
	l.With(zap.String("token", "abc")).Warn(ctx, "child")
	l.Info(ctx, "secret field", Secret("redis_password", config.Secret("pw")))

	out := buf.String()
	assert.NotContains(t, out, awsKey)
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, `"abc"`)

	got := lines(t, buf)
	require.Len(t, got, 3)
	assert.Equal(t, "found key [REDACTED]", got[0]["msg"])
	assert.Equal(t, "[REDACTED]", got[0]["match"])
	assert.Equal(t, "[REDACTED:pattern]", got[0]["line"])
	assert.Equal(t, "cannot use [REDACTED]", got[0]["error"])
	assert.Equal(t, "[REDACTED]", got[1]["token"])
	assert.Contains(t, out, "[REDACTED:2]")
}

func TestLogger_RedactionDisabled(t *testing.T) {
	l, buf := jsonLogger(t, func(c *Config) { c.Redaction.Enabled = false })
	l.Info(context.Background(), "plain", zap.String("token", "abc"))
	assert.Contains(t, buf.String(), `"token":"abc"`)
}

func TestLogger_Levels(t *testing.T) {
	l, buf := jsonLogger(t, func(c *Config) { c.Level = zapcore.WarnLevel })
	ctx := context.Background()
	l.Trace(ctx, "t")
	l.Debug(ctx, "d")
	l.Info(ctx, "i")
	l.Warn(ctx, "w")
	l.Error(ctx, "e")

	got := lines(t, buf)
	require.Len(t, got, 2)
	assert.Equal(t, "w", got[0]["msg"])
	assert.Equal(t, "e", got[1]["msg"])
	assert.False(t, l.Enabled(zapcore.InfoLevel))
}

func TestLogger_NamedAndUnderlying(t *testing.T) {
	l, buf := jsonLogger(t, nil)
	l.Named("engine").Underlying().Info("from component", zap.String("password", "pw"))

	got := lines(t, buf)
	require.Len(t, got, 1)
	assert.Equal(t, "engine", got[0]["logger"])
	assert.Equal(t, "[REDACTED]", got[0]["password"])
}

func TestNop(t *testing.T) {
	l := FromContext(context.Background())
	l.Info(context.Background(), "discarded")
	assert.NoError(t, l.Sync())

	stored := NewNop().Named("x")
	assert.Same(t, stored, FromContext(WithLogger(context.Background(), stored)))
}
