// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides the Logger interface cmd wires into every component,
// backed by go.uber.org/zap. Two constructors mirror the two output modes
// the CLI exposes: a human-readable console encoder and a structured JSON
// encoder.
package log

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the minimal logging surface every package depends on.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
	With(fields ...zap.Field) Logger
	Sync() error
}

type zapLogger struct {
	l *zap.Logger
}

func (z *zapLogger) Debug(msg string, fields ...zap.Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...zap.Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...zap.Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...zap.Field) { z.l.Error(msg, fields...) }
func (z *zapLogger) With(fields ...zap.Field) Logger       { return &zapLogger{l: z.l.With(fields...)} }
func (z *zapLogger) Sync() error                           { return z.l.Sync() }

func parseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("log level must be one of debug, info, warn, or error, got %q", level)
	}
}

// NewStdLogger builds a human-readable console logger writing INFO and
// below to out, WARN and above to errOut.
func NewStdLogger(out, errOut io.Writer, level string) (Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoder := zapcore.NewConsoleEncoder(encoderCfg)

	core := splitCore(encoder, out, errOut, lvl)
	return &zapLogger{l: zap.New(core)}, nil
}

// NewStructuredLogger builds a JSON-encoded logger with the same
// level/split behavior as NewStdLogger, for log aggregation pipelines.
func NewStructuredLogger(out, errOut io.Writer, level string) (Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "timestamp"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	core := splitCore(encoder, out, errOut, lvl)
	return &zapLogger{l: zap.New(core)}, nil
}

func splitCore(encoder zapcore.Encoder, out, errOut io.Writer, minLevel zapcore.Level) zapcore.Core {
	infoLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= minLevel && l < zapcore.WarnLevel
	})
	warnLevel := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return l >= minLevel && l >= zapcore.WarnLevel
	})
	return zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(out), infoLevel),
		zapcore.NewCore(encoder, zapcore.AddSync(errOut), warnLevel),
	)
}

// Secret builds a zap.Field that logs a redacted placeholder regardless of
// the underlying value, so DatabaseIdentity.Password can never reach a log
// line even if a caller passes the wrong field constructor.
func Secret(key string, _ fmt.Stringer) zap.Field {
	return zap.String(key, "REDACTED")
}
