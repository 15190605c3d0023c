// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with a custom Trace level, stderr console or JSON output
// (stdout is reserved for reports and prompts), an optional OpenTelemetry
// log bridge, level-aware sampling and redaction.
//
// Redaction applies to field keys (password, token, match, ...) and to
// credential-shaped values anywhere in a message or field, so a finding's
// raw match cannot reach a log line even when a caller logs it by mistake.
//
// Correlation fields come from the context:
//
//	ctx = logging.WithProject(ctx, "acme")
//	ctx = logging.WithSessionID(ctx, sess.ID)
//	logger.Info(ctx, "category committed", zap.String("ref", ref))
//
// Components take a *zap.Logger, obtained with Logger.Underlying.
package logging
