package mailio

import (
	"io"
	"log/slog"

	"github.com/mailout/mailout/mlog"
)

// TraceWriter wraps a writer, logging all writes at a trace level. Used for
// SMTP protocol transcripts of outgoing data.
type TraceWriter struct {
	log    mlog.Log
	prefix string
	w      io.Writer
	level  slog.Level
}

// NewTraceWriter wraps w, logging writes to log with level trace, prefixed
// with prefix.
func NewTraceWriter(log mlog.Log, prefix string, w io.Writer) *TraceWriter {
	return &TraceWriter{log, prefix, w, mlog.LevelTrace}
}

func (w *TraceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(w.level, w.prefix, buf)
	return w.w.Write(buf)
}

// SetTrace changes the level data is logged at, e.g. to traceauth during an
// authentication exchange.
func (w *TraceWriter) SetTrace(level slog.Level) {
	w.level = level
}

// TraceReader is like TraceWriter but for reads.
type TraceReader struct {
	log    mlog.Log
	prefix string
	r      io.Reader
	level  slog.Level
}

// NewTraceReader wraps r, logging reads to log with level trace, prefixed
// with prefix.
func NewTraceReader(log mlog.Log, prefix string, r io.Reader) *TraceReader {
	return &TraceReader{log, prefix, r, mlog.LevelTrace}
}

func (r *TraceReader) Read(buf []byte) (int, error) {
	n, err := r.r.Read(buf)
	if n > 0 {
		r.log.Trace(r.level, r.prefix, buf[:n])
	}
	return n, err
}

func (r *TraceReader) SetTrace(level slog.Level) {
	r.level = level
}
