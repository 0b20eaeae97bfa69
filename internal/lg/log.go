// Package lg wraps zap behind a small interface so packages can log
// structured fields without binding to a concrete logger, and carries the
// logger on a context across dispatch boundaries.
package lg

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field aliases zapcore.Field so callers need not import zap directly.
type Field = zapcore.Field

func Any(key string, value any) Field            { return zap.Any(key, value) }
func String(key, value string) Field             { return zap.String(key, value) }
func Int(key string, value int) Field            { return zap.Int(key, value) }
func Uint64(key string, value uint64) Field      { return zap.Uint64(key, value) }
func Bool(key string, value bool) Field          { return zap.Bool(key, value) }
func Duration(key string, d time.Duration) Field { return zap.Duration(key, d) }
func Time(key string, value time.Time) Field     { return zap.Time(key, value) }
func Err(err error) Field                        { return zap.Error(err) }

// Logger is the minimal structured logging surface used by the core.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Sync() error
}

// Config holds logging options.
type Config struct {
	ServiceName string
	Debug       bool
	Format      string // "json" or "console"
}

// RegisterFlags registers -debug and -log-format on the given flag set.
// Call before fs.Parse.
func RegisterFlags(fs *flag.FlagSet, serviceName string) *Config {
	cfg := &Config{ServiceName: serviceName}
	fs.BoolVar(&cfg.Debug, "debug", false, "enable debug logging")
	fs.StringVar(&cfg.Format, "log-format", "json", "json or console")
	return cfg
}

// New builds a zap-backed Logger from cfg. Falls back to the standard log
// package if zap cannot be constructed.
func New(cfg *Config) Logger {
	var base zap.Config
	if cfg.Debug {
		base = zap.NewDevelopmentConfig()
		base.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		base = zap.NewProductionConfig()
	}

	if cfg.Format != "" {
		base.Encoding = cfg.Format
	}
	base.EncoderConfig.TimeKey = "timestamp"
	base.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	if cfg.ServiceName != "" {
		base.InitialFields = map[string]any{"service": cfg.ServiceName}
	}

	logger, err := base.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		log.Printf("cannot initialize zap logger, falling back: %v", err)
		return stdLogger{}
	}
	return &zapLogger{l: logger}
}

type zapLogger struct{ l *zap.Logger }

func (z *zapLogger) Debug(msg string, fields ...Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...Field) { z.l.Error(msg, fields...) }
func (z *zapLogger) With(fields ...Field) Logger       { return &zapLogger{z.l.With(fields...)} }
func (z *zapLogger) Sync() error                       { return z.l.Sync() }

// stdLogger is the fallback when zap construction fails.
type stdLogger struct{}

func (stdLogger) Debug(msg string, fields ...Field) { log.Println("DEBUG:", msg, flatten(fields)) }
func (stdLogger) Info(msg string, fields ...Field)  { log.Println("INFO:", msg, flatten(fields)) }
func (stdLogger) Warn(msg string, fields ...Field)  { log.Println("WARN:", msg, flatten(fields)) }
func (stdLogger) Error(msg string, fields ...Field) { log.Println("ERROR:", msg, flatten(fields)) }
func (stdLogger) With(_ ...Field) Logger            { return stdLogger{} }
func (stdLogger) Sync() error                       { return nil }

func flatten(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range fields {
		f.AddTo(enc)
	}
	parts := make([]string, 0, len(enc.Fields))
	for k, v := range enc.Fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

type ctxKey struct{}

// Attach returns a context carrying lg.
func Attach(ctx context.Context, lg Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, lg)
}

// FromContext retrieves the attached Logger, or a stderr fallback.
func FromContext(ctx context.Context) Logger {
	if lg, ok := ctx.Value(ctxKey{}).(Logger); ok && lg != nil {
		return lg
	}
	return stdLogger{}
}

// Discard drops everything. For tests.
var Discard Logger = noopLogger{}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Warn(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
func (noopLogger) With(...Field) Logger   { return noopLogger{} }
func (noopLogger) Sync() error            { return nil }
