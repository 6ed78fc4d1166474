// Package log writes the records of a recovery through the clog logger
// carried by its context.
//
// A recovery scopes its context once per run with 'ForRun' and once per step
// with 'ForStep', so every record names the instance, the run and the step it
// belongs to under the same keys the trace spans use.
package log

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/chainguard-dev/ec2-rescue/internal/o11y"
)

// ForRun scopes the context's logger to one recovery run of 'targetID'.
func ForRun(ctx context.Context, targetID, runID string) context.Context {
	return With(ctx, o11y.AttrTargetID, targetID, o11y.AttrRunID, runID)
}

// ForStep scopes the context's logger to the journaled step 'name'.
func ForStep(ctx context.Context, name string) context.Context {
	return With(ctx, o11y.AttrStep, name)
}

// With scopes the context's logger with 'args'.
func With(ctx context.Context, args ...any) context.Context {
	return clog.WithLogger(ctx, clog.FromContext(ctx).With(args...))
}

func Debug(ctx context.Context, msg string, args ...any) { emit(ctx, slog.LevelDebug, msg, args) }
func Info(ctx context.Context, msg string, args ...any)  { emit(ctx, slog.LevelInfo, msg, args) }
func Warn(ctx context.Context, msg string, args ...any)  { emit(ctx, slog.LevelWarn, msg, args) }
func Error(ctx context.Context, msg string, args ...any) { emit(ctx, slog.LevelError, msg, args) }

// emit records the caller of the level helper as the source.
func emit(ctx context.Context, level slog.Level, msg string, args []any) {
	h := clog.FromContext(ctx).Handler()
	if !h.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // runtime.Callers, emit, Debug/Info/Warn/Error

	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	r.Add(args...)
	_ = h.Handle(ctx, r)
}
