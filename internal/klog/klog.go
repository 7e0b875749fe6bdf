// Package klog wraps a single process-wide *slog.Logger the way the teacher
// keeps its logging calls inline (slog.Error/slog.Warn/slog.Info directly in
// cmd/consumption/main.go): a thin struct instead of inline package-level
// calls, because SPEC_FULL.md's kernel context (internal/boot) needs a
// logger value it can carry as a field rather than reach for the global
// slog default everywhere a subsystem crosses a boundary.
package klog

import (
	"log/slog"
	"os"
)

// Logger is the kernel-wide structured logger. The zero value is not usable;
// construct one with New.
type Logger struct {
	*slog.Logger
}

// New builds a text-handler logger writing to os.Stderr at level, matching
// the teacher's plain slog.Error/Warn/Info calls but giving internal/boot a
// value it can pass down instead of relying on slog's process-global default.
func New(level slog.Level) *Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(h)}
}

// Boot logs a boot-sequence milestone (internal/boot's assembly steps).
func (l *Logger) Boot(msg string, args ...any) {
	l.Info(msg, append([]any{"phase", "boot"}, args...)...)
}

// Fault logs a recovered fault or denied admission (fork admission, page
// fault translation failure, channel permission denial).
func (l *Logger) Fault(msg string, args ...any) {
	l.Warn(msg, append([]any{"phase", "fault"}, args...)...)
}

// Reap logs a zombie process reap (spec.md §5 process lifecycle).
func (l *Logger) Reap(msg string, args ...any) {
	l.Info(msg, append([]any{"phase", "reap"}, args...)...)
}
