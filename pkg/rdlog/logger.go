// Package rdlog provides the structured logger used across the pipeline.
//
// It wraps zap.SugaredLogger with a small set of deployment-tool-flavoured
// levels (Success, Fail) on top of the usual Debug/Info/Warn/Error, and
// exposes both a process-wide global logger and ad-hoc instances for
// components that want their own sink (e.g. a per-compilation log file).
package rdlog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the logging verbosity, ordered the same way zapcore.Level is.
type Level int8

const (
	DebugLevel Level = iota - 1
	InfoLevel
	SuccessLevel
	WarnLevel
	ErrorLevel
	FailLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case SuccessLevel:
		return "success"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FailLevel:
		return "fail"
	default:
		return fmt.Sprintf("level(%d)", l)
	}
}

func (l Level) toZap() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FailLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Options configures a Logger.
type Options struct {
	ConsoleLevel    Level
	ConsoleOutput   bool
	ColorConsole    bool
	FileOutput      bool
	LogFilePath     string
	TimestampFormat string
}

// DefaultOptions returns sane defaults: colored info-level console output,
// no file sink.
func DefaultOptions() Options {
	return Options{
		ConsoleLevel:    InfoLevel,
		ConsoleOutput:   true,
		ColorConsole:    true,
		TimestampFormat: time.RFC3339,
	}
}

// Logger wraps a zap.SugaredLogger.
type Logger struct {
	*zap.SugaredLogger
	opts Options
}

var (
	global     *Logger
	globalOnce sync.Once
)

// Init sets up the process-wide logger. Only the first call takes effect.
func Init(opts Options) {
	globalOnce.Do(func() {
		l, err := New(opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "rdlog: falling back to development logger: %v\n", err)
			dev, _ := zap.NewDevelopment()
			l = &Logger{SugaredLogger: dev.Sugar(), opts: DefaultOptions()}
		}
		global = l
	})
}

// Get returns the global logger, initializing it with defaults if Init was
// never called.
func Get() *Logger {
	if global == nil {
		Init(DefaultOptions())
	}
	return global
}

// New builds a standalone Logger instance from opts.
func New(opts Options) (*Logger, error) {
	if opts.TimestampFormat == "" {
		opts.TimestampFormat = time.RFC3339
	}

	var cores []zapcore.Core

	if opts.ConsoleOutput {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout(opts.TimestampFormat)
		if opts.ColorConsole {
			cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		encoder := zapcore.NewConsoleEncoder(cfg)
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), zap.NewAtomicLevelAt(opts.ConsoleLevel.toZap())))
	}

	if opts.FileOutput && opts.LogFilePath != "" {
		f, err := os.OpenFile(opts.LogFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("rdlog: opening log file %q: %w", opts.LogFilePath, err)
		}
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout(opts.TimestampFormat)
		encoder := zapcore.NewJSONEncoder(cfg)
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(f), zap.NewAtomicLevelAt(zapcore.DebugLevel)))
	}

	if len(cores) == 0 {
		cores = append(cores, zapcore.NewNopCore())
	}

	core := zapcore.NewTee(cores...)
	zl := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Logger{SugaredLogger: zl.Sugar(), opts: opts}, nil
}

// Success logs at info level with a distinguishing "success" marker field,
// used for "compilation succeeded" / "cache hit" style milestones.
func (l *Logger) Success(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, append([]interface{}{"status", "success"}, keysAndValues...)...)
}

// Sync flushes buffered log entries. Safe to call on a nil *Logger.
func (l *Logger) Sync() error {
	if l == nil || l.SugaredLogger == nil {
		return nil
	}
	return l.SugaredLogger.Sync()
}

// With returns a Logger with structured context added, preserving opts.
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{SugaredLogger: l.SugaredLogger.With(args...), opts: l.opts}
}
