// Package logging wires structured, leveled logging for the engine.
//
// The teacher (chidi150c/coinbase) logs with bare log.Printf from a single
// process. This engine runs many concurrent hotpath/coldpath workers, so
// every log line needs to carry positionKey/tradeId/correlationId fields to
// stay correlatable — bare text can't do that. go.uber.org/zap replaces
// log.Printf; the fields this package adds mirror the identifiers carried
// on every outbound message in spec §6.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap.Logger, or a development one with human
// console output when dev is true (useful for cmd/* running locally, the
// way the teacher's main.go defaults to DryRun-friendly behavior).
func New(dev bool) (*zap.Logger, error) {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg.Build()
	}
	return zap.NewProduction()
}

// WithTrade returns a child logger annotated with the identifiers carried
// on every event/outbound message (§3/§6), so a single trade's processing
// can be traced across hotpath retries and coldpath replay.
func WithTrade(log *zap.Logger, tradeID, positionKey, correlationID string) *zap.Logger {
	return log.With(
		zap.String("tradeId", tradeID),
		zap.String("positionKey", positionKey),
		zap.String("correlationId", correlationID),
	)
}
