// Package logging builds the zap loggers used across conductor.
// Loggers are injected into components; the package default is a no-op so
// library code stays silent unless a caller opts in.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	// Level is debug, info, warn or error. Defaults to info.
	Level string `mapstructure:"level"`
	// Format is console or json. Defaults to console.
	Format string `mapstructure:"format"`
	// File is an optional extra output path. Parent dirs are created.
	File string `mapstructure:"file"`
	// Quiet drops the stderr sink, leaving only File.
	Quiet bool `mapstructure:"quiet"`
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		level = parsed
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch cfg.Format {
	case "", "console":
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	case "json":
		zc.Encoding = "json"
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	var outputs []string
	if !cfg.Quiet {
		outputs = append(outputs, "stderr")
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		outputs = append(outputs, cfg.File)
	}
	if len(outputs) == 0 {
		return Nop(), nil
	}
	zc.OutputPaths = outputs
	zc.ErrorOutputPaths = []string{"stderr"}

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// ProjectLogPath returns the debug log location inside a project.
func ProjectLogPath(root string) string {
	return filepath.Join(root, ".conductor", "logs", "conductor.log")
}

// ForProject builds a logger that also writes to the project's log file.
// Returns a no-op logger if the file cannot be opened.
func ForProject(root string, cfg Config) *zap.Logger {
	if cfg.File == "" {
		cfg.File = ProjectLogPath(root)
	}
	logger, err := New(cfg)
	if err != nil {
		return Nop()
	}
	return logger
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
