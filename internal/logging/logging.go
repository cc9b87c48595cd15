// Package logging sets up the scheduler's structured logger. The teacher
// (mattcburns-shoal-provision)'s cmd/shoal/main.go imports a sibling
// shoal/internal/logging package to build its slog.Logger and call
// slog.SetDefault before anything else runs; that package wasn't present
// in the retrieved slice, so this is authored fresh in the same idiom:
// a single constructor returning a *slog.Logger, callers wire it with
// slog.SetDefault themselves.
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Config controls the logger's output format and minimum level.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // "text" or "json"
}

// New builds a slog.Logger per cfg, writing to stderr.
func New(cfg Config) *slog.Logger {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTask returns a logger annotated with a task identifier, the
// convention used everywhere a task-scoped log line is emitted.
func WithTask(log *slog.Logger, taskID string) *slog.Logger {
	return log.With("task", taskID)
}

// WithWorkflow returns a logger annotated with the workflow id/run name.
func WithWorkflow(log *slog.Logger, workflow string) *slog.Logger {
	return log.With("workflow", workflow)
}

// discardHandler is used by tests that want a logger with no output.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops every record, for quiet tests.
func Discard() *slog.Logger { return slog.New(discardHandler{}) }
