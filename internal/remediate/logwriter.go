package remediate

import (
	"bytes"
	"context"
	"sync"

	"github.com/chainguard-dev/clog"
)

// lineLogger is an io.Writer emitting one log record per line written.
type lineLogger struct {
	ctx    context.Context
	warn   bool
	stream string

	mu  sync.Mutex
	buf bytes.Buffer
}

// newLineLogger logs at info level, or warn level when 'warn' is set.
func newLineLogger(ctx context.Context, stream string, warn bool) *lineLogger {
	return &lineLogger{ctx: ctx, warn: warn, stream: stream}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// Incomplete line, keep it for the next write.
			w.buf.Write(line)
			break
		}
		w.emit(line)
	}
	return len(p), nil
}

// Flush logs any trailing partial line.
func (w *lineLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *lineLogger) emit(line []byte) {
	line = bytes.TrimRight(line, "\r\n")
	if len(bytes.TrimSpace(line)) == 0 {
		return
	}
	log := clog.FromContext(w.ctx)
	if w.warn {
		log.Warn(string(line), "stream", w.stream)
		return
	}
	log.Info(string(line), "stream", w.stream)
}
