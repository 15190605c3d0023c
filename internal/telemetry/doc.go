// Package telemetry configures OpenTelemetry tracing and metrics export.
//
// Export is disabled by default. When enabled, spans and counters from the
// detector, audit and remediation engine are sent over OTLP (gRPC or
// HTTP/protobuf). A collector that cannot be reached degrades telemetry
// instead of failing the command.
package telemetry
