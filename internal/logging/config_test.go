package logging

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad format", mutate: func(c *Config) { c.Format = "text" }, wantErr: "format"},
		{name: "no output", mutate: func(c *Config) { c.Output.Stderr = false }, wantErr: "output"},
		{name: "zero tick", mutate: func(c *Config) { c.Sampling.Enabled = true; c.Sampling.Tick = 0 }, wantErr: "tick"},
		{name: "negative skip", mutate: func(c *Config) { c.Caller.Enabled = true; c.Caller.Skip = -1 }, wantErr: "skip"},
		{name: "bad pattern", mutate: func(c *Config) { c.Redaction.Patterns = []string{"("} }, wantErr: "invalid redaction"},
		{name: "long pattern", mutate: func(c *Config) { c.Redaction.Patterns = []string{strings.Repeat("a", 201)} }, wantErr: "too long"},
		{name: "empty field", mutate: func(c *Config) { c.Fields = map[string]string{"env": ""} }, wantErr: "empty value"},
		{name: "pattern ignored when disabled", mutate: func(c *Config) {
			c.Redaction.Enabled = false
			c.Redaction.Patterns = []string{"("}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLevelFromString(t *testing.T) {
	for in, want := range map[string]string{"trace": "Level(-2)", "DEBUG": "debug", " warn ": "warn", "error": "error"} {
		lvl, err := LevelFromString(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, lvl.String(), in)
	}
	_, err := LevelFromString("loud")
	assert.Error(t, err)
}

func TestWithIDPanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { WithProject(t.Context(), "") })
	assert.Panics(t, func() { WithSessionID(t.Context(), "bad id") })
	assert.NotPanics(t, func() { WithCategory(t.Context(), "U_FAIL_FAST") })
}
