package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// PrettyHandler renders records as
//
//	15:04:05 INFO  message key=value
//
// with ANSI colors. Handlers derived through WithAttrs/WithGroup share the
// writer lock.
type PrettyHandler struct {
	level  slog.Leveler
	w      io.Writer
	mu     *sync.Mutex
	prefix string
	attrs  []slog.Attr
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: &sync.Mutex{}, level: slog.LevelInfo}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = append(buf, colorGray...)
	buf = r.Time.AppendFormat(buf, time.TimeOnly)
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')

	buf = append(buf, levelColor(r.Level)...)
	buf = append(buf, colorBold...)
	buf = append(buf, fmt.Sprintf("%-5s", r.Level.String())...)
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')
	buf = append(buf, r.Message...)

	first := true
	emit := func(a slog.Attr, prefix string) {
		if first {
			buf = append(buf, ' ')
			buf = append(buf, colorCyan...)
			first = false
		} else {
			buf = append(buf, ' ')
		}
		buf = appendAttr(buf, a, prefix)
	}
	for _, a := range h.attrs {
		emit(a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		emit(a, h.prefix)
		return true
	})
	if !first {
		buf = append(buf, colorReset...)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.prefix = h.prefix + name + "."
	return &next
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

func appendAttr(buf []byte, a slog.Attr, prefix string) []byte {
	a.Value = a.Value.Resolve()
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		for i, ga := range group {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, ga, prefix+a.Key+".")
		}
		return buf
	}

	buf = append(buf, prefix...)
	buf = append(buf, a.Key...)
	buf = append(buf, '=')
	switch a.Value.Kind() {
	case slog.KindString:
		s := a.Value.String()
		if strings.ContainsAny(s, " \t\n\"") {
			buf = strconv.AppendQuote(buf, s)
		} else {
			buf = append(buf, s...)
		}
	case slog.KindTime:
		buf = a.Value.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindDuration:
		buf = append(buf, a.Value.Duration().String()...)
	default:
		buf = append(buf, fmt.Sprint(a.Value.Any())...)
	}
	return buf
}
