package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger wraps Logger with test observation capabilities.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger for testing with full observation. Entries
// are recorded before redaction so AssertNoSecrets sees what callers passed.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns all logged entries.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries matching message substring.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

// Reset clears all logged entries.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

// AssertLogged verifies a log at level containing message was logged.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msgContains string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		if entry.Level == level && strings.Contains(entry.Message, msgContains) {
			return
		}
	}
	tb.Errorf("expected log at %v containing %q, logs: %+v", level, msgContains, t.observed.All())
}

// AssertField verifies a field with key and value exists in message.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected interface{}) {
	tb.Helper()
	for _, entry := range t.observed.FilterMessageSnippet(msg).All() {
		for k, v := range entry.ContextMap() {
			if k == key && reflect.DeepEqual(v, expected) {
				return
			}
		}
	}
	tb.Errorf("field %q=%v not found in message %q", key, expected, msg)
}

// AssertNoSecrets fails if any entry's message or field carries one of the
// given raw values, or a value under a redacted key that was not redacted.
func (t *TestLogger) AssertNoSecrets(tb testing.TB, values ...string) {
	tb.Helper()
	for _, entry := range t.observed.All() {
		for _, v := range values {
			if v != "" && strings.Contains(entry.Message, v) {
				tb.Errorf("secret value in message %q", entry.Message)
			}
		}
		for k, field := range entry.ContextMap() {
			s, ok := field.(string)
			if !ok {
				continue
			}
			for _, v := range values {
				if v != "" && strings.Contains(s, v) {
					tb.Errorf("secret value in field %q of %q", k, entry.Message)
				}
			}
			for _, key := range DefaultRedactedFields {
				if strings.EqualFold(k, key) && s != "" && !strings.HasPrefix(s, redacted[:len(redacted)-1]) {
					tb.Errorf("sensitive field %q not redacted in %q", k, entry.Message)
				}
			}
		}
	}
}
