package emergency

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/guardrail/internal/detector"
	"github.com/fyrsmithlabs/guardrail/internal/search"
)

// DetectorVerifier re-runs the detector on the triggering file only.
//
// The credential counts as still present when the file still holds the same
// raw text for the same pattern, wherever it moved. An Emergency restored
// from the store has no raw text, so then only a match of the same pattern
// on the same line with the same masked preview counts.
type DetectorVerifier struct {
	Detector *detector.Detector
	Root     string
}

// StillPresent implements Verifier.
func (v DetectorVerifier) StillPresent(ctx context.Context, e *Emergency) (bool, error) {
	res, err := v.Detector.Scan(ctx, detector.Input{
		Request: search.Request{Root: v.Root, Paths: []string{e.Location.Path}},
	})
	if err != nil {
		return false, err
	}
	if len(res.Report.Errors) > 0 {
		return false, fmt.Errorf("cannot re-scan %s: %w", e.Location.Path, res.Report.Errors[0])
	}

	for _, f := range res.Findings {
		if e.matches(f) {
			return true, nil
		}
	}
	return false, nil
}
