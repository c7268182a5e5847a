// Package log is the structured logger used across txkillswitch. It is a thin
// interface over log/slog so the governor, sampler and controller can log
// with a context (trace ids ride along) and be silenced in tests with Nop.
//
// Logs go to stderr by default: stdout is reserved for the rate lines the
// governor prints for operators.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

type Logger interface {
	With(kv ...any) Logger

	Debug(ctx context.Context, msg string, kv ...any)
	Info(ctx context.Context, msg string, kv ...any)
	Warn(ctx context.Context, msg string, kv ...any)
	Error(ctx context.Context, err error, msg string, kv ...any)

	Sync() error
}

type Options struct {
	App        string
	Version    string
	InstanceID string
	Level      slog.Level
	// StacktraceLevel is the minimum level that gets a stack attached, nil means error
	StacktraceLevel   slog.Leveler
	JSONFormat        bool
	MaxErrorLinks     int
	IncludeErrorLinks bool
	// Writer defaults to os.Stderr
	Writer io.Writer
}

func New(opts *Options) (Logger, error) { return newSlog(opts) }

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %s (valid levels are debug|info|warn|error)", s)
	}
}
