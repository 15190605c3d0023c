package triage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/guardrail/internal/catalog"
	"github.com/fyrsmithlabs/guardrail/internal/detector"
	"github.com/fyrsmithlabs/guardrail/internal/finding"
	"github.com/fyrsmithlabs/guardrail/internal/prompt"
	"github.com/fyrsmithlabs/guardrail/internal/search"
)

func newFinding(id string, conf finding.Confidence) *finding.Finding {
	f := &finding.Finding{
		ID:         id,
		Location:   finding.Location{Path: "src/" + id + ".py", Line: 1},
		PatternID:  "p_" + id,
		Confidence: conf,
		Status:     finding.StatusNew,
	}
	f.SetMatch("value-" + id + "-0123456789")
	return f
}

func TestClassify_HighIsP0WithoutQuestion(t *testing.T) {
	ch := prompt.NewScripted()
	f := newFinding("aws", finding.ConfidenceHigh)

	out, err := New(ch).Classify(context.Background(), []*finding.Finding{f}, nil)
	require.NoError(t, err)

	assert.Equal(t, finding.SeverityP0, f.Severity)
	assert.Equal(t, finding.StatusConfirmedReal, f.Status)
	assert.Equal(t, []*finding.Finding{f}, out.Emergencies)
	assert.Zero(t, out.Asked)
	assert.Empty(t, ch.Transcript())
}

func TestClassify_Medium(t *testing.T) {
	tests := []struct {
		answer     string
		status     finding.Status
		severity   finding.Severity
		suppressed bool
	}{
		{answer: "real", status: finding.StatusConfirmedReal, severity: finding.SeverityP1},
		{answer: "test", status: finding.StatusConfirmedFalsePositive, severity: finding.SeverityP2, suppressed: true},
	}

	for _, tt := range tests {
		t.Run(tt.answer, func(t *testing.T) {
			f := newFinding("generic", finding.ConfidenceMedium)
			var sup finding.Suppressions

			out, err := New(prompt.NewScripted(tt.answer)).Classify(context.Background(), []*finding.Finding{f}, &sup)
			require.NoError(t, err)

			assert.Equal(t, tt.status, f.Status)
			assert.Equal(t, tt.severity, f.Severity)
			assert.Equal(t, tt.suppressed, sup.Has(f.Key()))
			assert.Equal(t, 1, out.Asked)
		})
	}
}

func TestClassify_LowIsDismissedWithoutQuestion(t *testing.T) {
	cat := catalog.Default()

	tests := []struct {
		name   string
		path   string
		opts   []Option
		reason string
	}{
		{name: "fixture in test path", path: "tests/fixtures/mock.py", opts: []Option{WithTestPaths(cat.IsTestPath)}, reason: ReasonTestFixture},
		{name: "outside test path", path: "src/settings.py", opts: []Option{WithTestPaths(cat.IsTestPath)}, reason: ReasonLowConfidence},
		{name: "no test paths known", path: "tests/fixtures/mock.py", reason: ReasonLowConfidence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ch := prompt.NewScripted()
			f := newFinding("fixture", finding.ConfidenceLow)
			f.Location.Path = tt.path
			var sup finding.Suppressions

			out, err := New(ch, tt.opts...).Classify(context.Background(), []*finding.Finding{f}, &sup)
			require.NoError(t, err)

			assert.Equal(t, finding.StatusConfirmedFalsePositive, f.Status)
			assert.Equal(t, finding.SeverityP3, f.Severity)
			assert.True(t, sup.Has(f.Key()))
			require.Len(t, sup.Entries, 1)
			assert.Equal(t, tt.reason, sup.Entries[0].Reason)
			assert.Equal(t, tt.reason, f.History[len(f.History)-1].Reason)
			assert.Len(t, out.Dismissed, 1)
			assert.Empty(t, ch.Transcript())
		})
	}
}

func TestClassify_NoFindingLeftNew(t *testing.T) {
	findings := []*finding.Finding{
		newFinding("a", finding.ConfidenceHigh),
		newFinding("b", finding.ConfidenceMedium),
		newFinding("c", finding.ConfidenceLow),
		newFinding("d", finding.ConfidenceMedium),
	}

	_, err := New(prompt.NewScripted("test", "real")).Classify(context.Background(), findings, &finding.Suppressions{})
	require.NoError(t, err)

	for _, f := range findings {
		assert.Contains(t, []finding.Status{finding.StatusConfirmedReal, finding.StatusConfirmedFalsePositive}, f.Status)
		assert.NotEqual(t, finding.SeverityNone, f.Severity)
	}
}

func TestClassify_SkipsTriagedFindings(t *testing.T) {
	f := newFinding("done", finding.ConfidenceMedium)
	f.Status = finding.StatusConfirmedReal
	f.Severity = finding.SeverityP1

	out, err := New(prompt.NewScripted()).Classify(context.Background(), []*finding.Finding{f}, nil)
	require.NoError(t, err)
	assert.Zero(t, out.Asked)
	assert.Empty(t, f.History)
}

func TestClassify_ChannelError(t *testing.T) {
	f := newFinding("m", finding.ConfidenceMedium)

	_, err := New(prompt.NewScripted()).Classify(context.Background(), []*finding.Finding{f}, nil)
	assert.ErrorIs(t, err, prompt.ErrNoAnswer)
	assert.Equal(t, finding.StatusNew, f.Status)
}

// A fixture api_key answered "test" is never asked about again.
func TestFixtureScenario_NoRepromptOnRescan(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "tests", "fixtures", "mock.py")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("api_key = \"abc123def456ghi789\"\n"), 0o644))

	d := detector.New(search.NewFileSearcher(search.Options{}, search.NewCatalogEngine(catalog.Default())))
	req := search.Request{Root: root}
	var sup finding.Suppressions

	first, err := d.Scan(context.Background(), detector.Input{Request: req, Suppressions: &sup})
	require.NoError(t, err)
	require.Len(t, first.Findings, 1)

	ch := prompt.NewScripted("test")
	_, err = New(ch).Classify(context.Background(), first.Pending(), &sup)
	require.NoError(t, err)

	f := first.Findings[0]
	assert.Equal(t, "api_key", f.PatternID)
	assert.Equal(t, finding.StatusConfirmedFalsePositive, f.Status)
	assert.Equal(t, finding.SeverityP2, f.Severity)

	// A fresh process knows only the suppressions, not the prior findings.
	second, err := d.Scan(context.Background(), detector.Input{Request: req, Suppressions: &sup})
	require.NoError(t, err)
	require.Len(t, second.Findings, 1)
	assert.Empty(t, second.Pending())

	_, err = New(ch).Classify(context.Background(), second.Pending(), &sup)
	require.NoError(t, err)
	assert.Len(t, ch.Transcript(), 1, "no new prompt")
}
