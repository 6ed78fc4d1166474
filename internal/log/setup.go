package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// FileName is the run log written under the log directory.
const FileName = "ec2-rescue.log"

type Options struct {
	// Debug lowers the console level to debug. The log files always record
	// debug.
	Debug bool

	// Dir receives 'FileName'. Empty disables file logging.
	Dir string

	// Console defaults to os.Stderr.
	Console io.Writer

	// Handlers also receive every record, ex: an OTLP exporter.
	Handlers []slog.Handler
}

// Setup returns a context carrying a logger writing text to the console and,
// when 'opts.Dir' is set, JSON to '<Dir>/ec2-rescue.log'. The returned func
// closes the log file. The process-wide slog default is left untouched.
func Setup(ctx context.Context, opts Options) (context.Context, func(), error) {
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handlers := []slog.Handler{
		slog.NewTextHandler(console, &slog.HandlerOptions{Level: level}),
	}

	for _, h := range opts.Handlers {
		if h != nil {
			handlers = append(handlers, h)
		}
	}

	closer := func() {}
	if opts.Dir != "" {
		f, err := openLogFile(filepath.Join(opts.Dir, FileName))
		if err != nil {
			return ctx, closer, err
		}
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
		closer = func() { _ = f.Close() }
	}

	logger := clog.New(slogmulti.Fanout(handlers...))
	return clog.WithLogger(ctx, logger), closer, nil
}

// ForTarget tees the context's logger into '<dir>/<slug(targetID)>.log', so
// every recovery of an instance leaves its own trail next to the run log.
func ForTarget(ctx context.Context, dir, targetID string) (context.Context, func()) {
	if dir == "" {
		return ctx, func() {}
	}
	path := filepath.Join(dir, fmt.Sprintf("%s.log", slug.Make(targetID)))
	f, err := openLogFile(path)
	if err != nil {
		clog.WarnContext(ctx, "failed to create instance log file", "path", path, "error", err.Error())
		return ctx, func() {}
	}

	handler := slogmulti.Fanout(
		clog.FromContext(ctx).Handler(),
		slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	clog.InfoContext(ctx, "logging recovery to file", "path", path)
	ctx = clog.WithLogger(ctx, clog.New(handler))
	return ctx, func() {
		if err := f.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close log file", "path", path, "error", err.Error())
		}
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return f, nil
}
