package telemetry

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig enables a rotating JSON log file next to the console output.
type FileConfig struct {
	Path       string
	MaxSizeMB  int // rotate after this many megabytes (default: 100)
	MaxBackups int // rotated files to keep, 0 keeps all
	MaxAgeDays int // days to keep rotated files, 0 keeps all
}

// LoggerOption customizes NewLogger.
type LoggerOption func(*loggerOptions)

type loggerOptions struct {
	file *FileConfig
}

// WithFile also writes every entry, JSON-encoded, to a rotating file.
// An empty path leaves the logger unchanged.
func WithFile(fc FileConfig) LoggerOption {
	return func(o *loggerOptions) {
		if fc.Path != "" {
			o.file = &fc
		}
	}
}

// NewLogger creates a structured logger for the given mode ("development"
// or "production") at the given level. An empty level keeps the mode's
// default (debug for development, info for production).
func NewLogger(mode, level string, opts ...LoggerOption) (*zap.Logger, error) {
	var o loggerOptions
	for _, opt := range opts {
		opt(&o)
	}

	var cfg zap.Config
	switch mode {
	case "development", "dev":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "production", "prod":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("telemetry: unknown logger mode %q (want 'development' or 'production')", mode)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	var buildOpts []zap.Option
	if o.file != nil {
		fileCore := newFileCore(*o.file, cfg.Level)
		buildOpts = append(buildOpts, zap.WrapCore(func(c zapcore.Core) zapcore.Core {
			return zapcore.NewTee(c, fileCore)
		}))
	}
	return cfg.Build(buildOpts...)
}

func newFileCore(fc FileConfig, level zapcore.LevelEnabler) zapcore.Core {
	if fc.MaxSizeMB <= 0 {
		fc.MaxSizeMB = 100
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	w := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   true,
	}
	return zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), level)
}

// NewNopLogger returns a no-op logger (useful for tests).
func NewNopLogger() *zap.Logger {
	return zap.NewNop()
}
