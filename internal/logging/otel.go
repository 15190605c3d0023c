package logging

import (
	"fmt"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// bridgeName is the instrumentation scope of bridged log records.
const bridgeName = "github.com/fyrsmithlabs/guardrail"

// newDualCore tees the console sink and the OpenTelemetry bridge. Both sides
// see redacted output: the bridge core is wrapped in the same field filter.
func newDualCore(cfg *Config, otelProvider log.LoggerProvider, sink zapcore.WriteSyncer) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Output.Stderr {
		encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, sink, cfg.Level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		bridge := otelzap.NewCore(bridgeName, otelzap.WithLoggerProvider(otelProvider))
		filtered, err := newRedactingCore(bridge, cfg.Level, cfg.Redaction)
		if err != nil {
			return nil, err
		}
		cores = append(cores, filtered)
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}
	return newSampledCore(core, cfg.Sampling), nil
}
