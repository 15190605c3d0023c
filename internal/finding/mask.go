package finding

import "strings"

const (
	// MaskPrefixLen is how many leading characters of a match survive masking.
	MaskPrefixLen = 4

	// maskFill is appended after the prefix so masked values have a fixed
	// shape regardless of the secret's length.
	maskFill = "********"
)

// Mask reduces a matched secret to a fixed-length preview. Values too short
// to reveal a prefix safely are fully masked.
func Mask(s string) string {
	if len(s) <= MaskPrefixLen*2 {
		return strings.Repeat("*", MaskPrefixLen) + maskFill
	}
	return s[:MaskPrefixLen] + maskFill
}
