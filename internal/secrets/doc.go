// Package secrets redacts credentials from free-form text such as test
// runner output before it is shown or persisted.
//
// Detection reuses the pattern catalog: any SECRETS-category match on a line
// is replaced by its masked preview. Line numbers, rule ids and counts are
// kept so callers can still report what was removed.
package secrets
