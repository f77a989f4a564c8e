// Package logging builds the zap logger for one invocation.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration
type Config struct {
	Level    string // debug, info, warn, error
	Encoding string // console or json
	File     string // optional file that receives a copy of every entry
}

// DefaultConfig returns the CLI defaults.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Encoding: "console",
	}
}

// Logger wraps the zap logger with the resources it holds open.
type Logger struct {
	*zap.Logger

	// RunID identifies the invocation in every entry.
	RunID string

	file *os.File
}

// New creates a logger writing to w and, if cfg.File is set, to that file.
// The file's directory is created when missing.
func New(cfg Config, w io.Writer) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      zapcore.OmitKey,
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	var encoder zapcore.Encoder
	switch cfg.Encoding {
	case "", "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	default:
		return nil, fmt.Errorf("unknown log format %q (use console or json)", cfg.Encoding)
	}

	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), level)}

	l := &Logger{RunID: uuid.NewString()}
	if cfg.File != "" {
		if dir := filepath.Dir(cfg.File); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		file, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = file
		// File entries are always JSON so they can be shipped as-is.
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), level))
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), zap.Fields(zap.String("run_id", l.RunID)))
	return l, nil
}

// Close flushes buffered entries and closes the log file.
func (l *Logger) Close() error {
	_ = l.Sync()
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// ParseLevel converts a level name to a zapcore.Level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
