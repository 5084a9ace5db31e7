// Package mlog provides logging with log levels and structured fields, built
// on log/slog.
//
// Each Log instance adds a "pkg" attribute identifying the originating
// package. Log levels can be configured globally and per package. Besides the
// standard levels, three trace levels exist for protocol transcripts: trace
// for SMTP commands/responses, traceauth for authentication exchanges
// (contains credentials), and tracedata for full message data.
package mlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var (
	LevelError     = slog.LevelError
	LevelWarn      = slog.LevelWarn
	LevelInfo      = slog.LevelInfo
	LevelDebug     = slog.LevelDebug
	LevelTrace     = slog.Level(-8)
	LevelTraceauth = slog.Level(-12)
	LevelTracedata = slog.Level(-16)
)

// Levels maps configuration strings to levels.
var Levels = map[string]slog.Level{
	"error":     LevelError,
	"warn":      LevelWarn,
	"info":      LevelInfo,
	"debug":     LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// LevelStrings maps levels back to their configuration names.
var LevelStrings = map[slog.Level]string{
	LevelError:     "error",
	LevelWarn:      "warn",
	LevelInfo:      "info",
	LevelDebug:     "debug",
	LevelTrace:     "trace",
	LevelTraceauth: "traceauth",
	LevelTracedata: "tracedata",
}

// Holds a map[string]slog.Level, mapping package name to log level. The empty
// string is the default level.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": LevelInfo})
}

// SetConfig atomically replaces the log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for logging.
var CidKey key = "cid"

var cid atomic.Int64

func init() {
	cid.Store(time.Now().UnixMilli())
}

// Cid returns a new unique id, for correlating log lines of one dispatch
// cycle or connection.
func Cid() int64 {
	return cid.Add(1)
}

// Log wraps a slog.Logger. The zero value is not usable, use New.
type Log struct {
	*slog.Logger
}

// New returns a Log for the named package. If elog is nil, output goes to
// stderr.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(&handler{w: os.Stderr})
	}
	return Log{elog}.With(slog.String("pkg", pkg))
}

// WithCid adds a "cid" attribute.
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds the cid from ctx, if present.
func (l Log) WithContext(ctx context.Context) Log {
	if v := ctx.Value(CidKey); v != nil {
		if cid, ok := v.(int64); ok {
			return l.WithCid(cid)
		}
	}
	return l
}

// With returns a Log with the attributes added to each logged message.
func (l Log) With(attrs ...slog.Attr) Log {
	return Log{slog.New(l.Logger.Handler().WithAttrs(attrs))}
}

// WithFunc returns a Log that evaluates fn for additional attributes at each
// log call. Useful for values that change between calls, like time deltas.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	return Log{slog.New(fnHandler{l.Logger.Handler(), fn})}
}

func (l Log) Error(msg string, attrs ...slog.Attr) { l.log(LevelError, msg, nil, attrs...) }
func (l Log) Warn(msg string, attrs ...slog.Attr)  { l.log(LevelWarn, msg, nil, attrs...) }
func (l Log) Info(msg string, attrs ...slog.Attr)  { l.log(LevelInfo, msg, nil, attrs...) }
func (l Log) Debug(msg string, attrs ...slog.Attr) { l.log(LevelDebug, msg, nil, attrs...) }

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) { l.log(LevelError, msg, err, attrs...) }
func (l Log) Warnx(msg string, err error, attrs ...slog.Attr)  { l.log(LevelWarn, msg, err, attrs...) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr)  { l.log(LevelInfo, msg, err, attrs...) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) { l.log(LevelDebug, msg, err, attrs...) }

// Check logs an error-level message if err is non-nil.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

// Trace logs a protocol buffer at a trace level, with a prefix indicating
// direction.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	if !l.Logger.Enabled(context.Background(), level) {
		return
	}
	l.log(level, prefix+strconv.QuoteToASCII(string(data)), nil)
}

func (l Log) log(level slog.Level, msg string, err error, attrs ...slog.Attr) {
	ctx := context.Background()
	if !l.Logger.Enabled(ctx, level) {
		return
	}
	r := slog.NewRecord(time.Now(), level, msg, 0)
	if err != nil {
		r.AddAttrs(slog.Any("err", err))
	}
	r.AddAttrs(attrs...)
	_ = l.Logger.Handler().Handle(ctx, r)
}

type fnHandler struct {
	slog.Handler
	fn func() []slog.Attr
}

func (h fnHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.fn()...)
	return h.Handler.Handle(ctx, r)
}

func (h fnHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fnHandler{h.Handler.WithAttrs(attrs), h.fn}
}

// handler is a minimal text handler. It resolves the enabled level through
// the package-level config, looking at its "pkg" attribute.
type handler struct {
	w     io.Writer
	attrs []slog.Attr
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	c := config.Load().(map[string]slog.Level)
	for _, a := range h.attrs {
		if a.Key == "pkg" {
			if l, ok := c[a.Value.String()]; ok {
				return level >= l
			}
		}
	}
	return level >= c[""]
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s %s", r.Time.Format("2006-01-02T15:04:05.000"), levelString(r.Level), logText(r.Message))
	for _, a := range h.attrs {
		fmt.Fprintf(&sb, " %s=%s", a.Key, logText(a.Value.String()))
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&sb, " %s=%s", a.Key, logText(a.Value.String()))
		return true
	})
	sb.WriteString("\n")
	_, err := io.WriteString(h.w, sb.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	n := &handler{w: h.w}
	n.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return n
}

func (h *handler) WithGroup(name string) slog.Handler {
	// Groups are not used in this code base.
	return h
}

func levelString(l slog.Level) string {
	if s, ok := LevelStrings[l]; ok {
		return s
	}
	return l.String()
}

func logText(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\n\"") {
		return strconv.Quote(s)
	}
	return s
}
