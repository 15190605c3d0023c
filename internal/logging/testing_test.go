package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestTestLogger(t *testing.T) {
	tl := NewTestLogger()
	ctx := WithProject(context.Background(), "acme")
	tl.Info(ctx, "emergency opened", zap.String("finding.id", "f1"), zap.String("match", "[REDACTED]"))

	tl.AssertLogged(t, zapcore.InfoLevel, "emergency")
	tl.AssertField(t, "emergency opened", "project.id", "acme")
	tl.AssertNoSecrets(t, awsKey)

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestTestLogger_DetectsLeak(t *testing.T) {
	tl := NewTestLogger()
	tl.Info(context.Background(), "oops", zap.String("line", "key="+awsKey))

	tb := &failureRecorder{TB: t}
	tl.AssertNoSecrets(tb, awsKey)
	assert.True(t, tb.failed)
}

type failureRecorder struct {
	testing.TB
	failed bool
}

func (r *failureRecorder) Helper() {}

func (r *failureRecorder) Errorf(string, ...any) { r.failed = true }
