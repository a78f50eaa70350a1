package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saiset-co/sai-cache/types"
)

type noopLogger struct{}

// NewNoOpLogger returns a logger that discards everything. Used as the
// default when no logger is configured.
func NewNoOpLogger() types.Logger {
	return noopLogger{}
}

func (noopLogger) Error(string, ...zap.Field)              {}
func (noopLogger) Warn(string, ...zap.Field)               {}
func (noopLogger) Info(string, ...zap.Field)               {}
func (noopLogger) Debug(string, ...zap.Field)              {}
func (noopLogger) Log(zapcore.Level, string, ...zap.Field) {}
