// Package logging provides structured logging via zap, bridged to
// OpenTelemetry logs, behind the core.ILogger interface.
package logging

import (
	"fmt"
	"os"
	"strings"

	"hourbuy/internal/core"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger implements core.ILogger with zap as the backing core.
type ZapLogger struct {
	logger *zap.Logger
}

// New builds a ZapLogger at the given level ("DEBUG".."FATAL"), writing to
// stdout and mirroring into the OTel log pipeline.
func New(levelStr string) (*ZapLogger, error) {
	var level zapcore.Level
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		level = zap.DebugLevel
	case "INFO":
		level = zap.InfoLevel
	case "WARN":
		level = zap.WarnLevel
	case "ERROR":
		level = zap.ErrorLevel
	case "FATAL":
		level = zap.FatalLevel
	default:
		level = zap.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	stdoutCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)

	otelCore := otelzap.NewCore("hourbuy", otelzap.WithLoggerProvider(global.GetLoggerProvider()))
	tee := zapcore.NewTee(stdoutCore, otelCore)

	return &ZapLogger{logger: zap.New(tee, zap.AddCaller(), zap.AddCallerSkip(1))}, nil
}

func (l *ZapLogger) fields(kv []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kv[i])
		}
		out = append(out, zap.Any(key, kv[i+1]))
	}
	return out
}

func (l *ZapLogger) Debug(msg string, fields ...interface{}) { l.logger.Debug(msg, l.fields(fields)...) }
func (l *ZapLogger) Info(msg string, fields ...interface{})  { l.logger.Info(msg, l.fields(fields)...) }
func (l *ZapLogger) Warn(msg string, fields ...interface{})  { l.logger.Warn(msg, l.fields(fields)...) }
func (l *ZapLogger) Error(msg string, fields ...interface{}) { l.logger.Error(msg, l.fields(fields)...) }
func (l *ZapLogger) Fatal(msg string, fields ...interface{}) { l.logger.Fatal(msg, l.fields(fields)...) }

func (l *ZapLogger) WithField(key string, value interface{}) core.ILogger {
	return &ZapLogger{logger: l.logger.With(zap.Any(key, value))}
}

func (l *ZapLogger) WithFields(fields map[string]interface{}) core.ILogger {
	zf := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	return &ZapLogger{logger: l.logger.With(zf...)}
}

// Sync flushes buffered log entries; call before process exit.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

var global_ core.ILogger

func init() {
	l, _ := New("INFO")
	global_ = l
}

// SetGlobal installs the process-wide default logger.
func SetGlobal(l core.ILogger) { global_ = l }

// Global returns the process-wide default logger.
func Global() core.ILogger { return global_ }
