// Package logging provides shared zap logger construction for cadence.
// Loggers are always injected through constructors; no package in this
// repository holds a package-level logger reference, so multiple pipelines
// can run in one process with independent logging.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds the process logger. Verbose enables debug-level output.
func New(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}

// Nop returns a logger that discards everything. Used by tests and by
// embedders that bring their own logging.
func Nop() *zap.Logger {
	return zap.NewNop()
}
