package logging

import (
	"context"
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if v, ok := ctx.Value(projectCtxKey{}).(string); ok {
		fields = append(fields, zap.String("project.id", v))
	}
	if v, ok := ctx.Value(sessionCtxKey{}).(string); ok {
		fields = append(fields, zap.String("session.id", v))
	}
	if v, ok := ctx.Value(categoryCtxKey{}).(string); ok {
		fields = append(fields, zap.String("category.id", v))
	}
	if v, ok := ctx.Value(requestCtxKey{}).(string); ok {
		fields = append(fields, zap.String("request.id", v))
	}
	return fields
}

type projectCtxKey struct{}
type sessionCtxKey struct{}
type categoryCtxKey struct{}
type requestCtxKey struct{}

const maxIDLen = 128

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

func validateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}
	if len(id) > maxIDLen {
		return fmt.Errorf("%s exceeds max length %d", name, maxIDLen)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", name)
	}
	return nil
}

func withID(ctx context.Context, key any, id, name string) context.Context {
	if err := validateID(id, name); err != nil {
		panic(fmt.Sprintf("logging: %v", err))
	}
	return context.WithValue(ctx, key, id)
}

// WithProject adds the project id to context.
// Panics if the id is empty or contains invalid characters.
func WithProject(ctx context.Context, projectID string) context.Context {
	return withID(ctx, projectCtxKey{}, projectID, "projectID")
}

// WithSessionID adds the remediation session id to context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return withID(ctx, sessionCtxKey{}, sessionID, "sessionID")
}

// WithCategory adds the category being remediated to context.
func WithCategory(ctx context.Context, categoryID string) context.Context {
	return withID(ctx, categoryCtxKey{}, categoryID, "categoryID")
}

// WithRequestID adds an HTTP or MCP request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withID(ctx, requestCtxKey{}, requestID, "requestID")
}

// ProjectFromContext returns the project id, or "".
func ProjectFromContext(ctx context.Context) string {
	s, _ := ctx.Value(projectCtxKey{}).(string)
	return s
}

// SessionIDFromContext returns the session id, or "".
func SessionIDFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sessionCtxKey{}).(string)
	return s
}

type loggerCtxKey struct{}

// WithLogger stores logger in context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves logger from context, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok {
		return l
	}
	return NewNop()
}
