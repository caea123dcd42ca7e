// Package logger builds the process logger: a coloured console handler for
// humans, or slog's JSON handler for machines.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type CustomHandlerOpts struct {
	SlogOpts slog.HandlerOptions
}

// CustomHandler prints the time, a coloured level and the message on one
// line, followed by the record's attributes as indented JSON.
type CustomHandler struct {
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string

	mu *sync.Mutex
	l  *log.Logger
}

func NewCustomHandler(out io.Writer, opts CustomHandlerOpts) *CustomHandler {
	return &CustomHandler{
		opts: opts.SlogOpts,
		mu:   &sync.Mutex{},
		l:    log.New(out, "", 0),
	}
}

func (ch *CustomHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if ch.opts.Level != nil {
		minLevel = ch.opts.Level.Level()
	}
	return level >= minLevel
}

func (ch *CustomHandler) Handle(ctx context.Context, r slog.Record) error {
	level := r.Level.String() + ":"
	switch r.Level {
	case slog.LevelDebug:
		level = color.WhiteString(level)
	case slog.LevelInfo:
		level = color.GreenString(level)
	case slog.LevelWarn:
		level = color.YellowString(level)
	case slog.LevelError:
		level = color.RedString(level)
	default:
		level = color.HiWhiteString(level)
	}
	timeStr := r.Time.Format("[15:04:05]")
	message := color.HiWhiteString(r.Message)

	fields := make(map[string]any, len(ch.attrs)+r.NumAttrs())
	for _, a := range ch.attrs {
		addField(fields, a)
	}
	current := fields
	for _, g := range ch.groups {
		next := make(map[string]any)
		current[g] = next
		current = next
	}
	r.Attrs(func(a slog.Attr) bool {
		addField(current, a)
		return true
	})
	pruneEmpty(fields)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	// Omit empty struct.
	if len(fields) == 0 {
		ch.l.Println(timeStr, level, message)
		return nil
	}
	j, err := json.MarshalIndent(fields, "", " ")
	if err != nil {
		return err
	}
	ch.l.Println(timeStr, level, message, color.WhiteString(string(j)))
	return nil
}

func (ch *CustomHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return ch
	}
	h := ch.clone()
	if len(h.groups) == 0 {
		h.attrs = append(h.attrs, attrs...)
		return h
	}
	// Attributes added inside a group belong to that group.
	group := slog.Attr{Key: h.groups[len(h.groups)-1], Value: slog.GroupValue(attrs...)}
	for i := len(h.groups) - 2; i >= 0; i-- {
		group = slog.Attr{Key: h.groups[i], Value: slog.GroupValue(group)}
	}
	h.attrs = append(h.attrs, group)
	return h
}

func (ch *CustomHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return ch
	}
	h := ch.clone()
	h.groups = append(h.groups, name)
	return h
}

func (ch *CustomHandler) clone() *CustomHandler {
	return &CustomHandler{
		opts:   ch.opts,
		attrs:  append([]slog.Attr(nil), ch.attrs...),
		groups: append([]string(nil), ch.groups...),
		mu:     ch.mu,
		l:      ch.l,
	}
}

func addField(fields map[string]any, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() != slog.KindGroup {
		fields[a.Key] = fieldValue(a.Value)
		return
	}
	target := fields
	if a.Key != "" {
		sub, ok := fields[a.Key].(map[string]any)
		if !ok {
			sub = make(map[string]any)
			fields[a.Key] = sub
		}
		target = sub
	}
	for _, ga := range a.Value.Group() {
		addField(target, ga)
	}
}

func fieldValue(v slog.Value) any {
	switch v.Kind() {
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		if s, ok := v.Any().(fmt.Stringer); ok {
			return s.String()
		}
	}
	return v.Any()
}

func pruneEmpty(fields map[string]any) {
	for k, v := range fields {
		if sub, ok := v.(map[string]any); ok {
			pruneEmpty(sub)
			if len(sub) == 0 {
				delete(fields, k)
			}
		}
	}
}

// ParseLevel accepts debug, info, warn and error, case-insensitively.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// New returns a logger writing to out. A "json" format selects slog's JSON
// handler, anything else the coloured one.
func New(out io.Writer, level slog.Level, format string) *slog.Logger {
	opts := slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(out, &opts))
	}
	return slog.New(NewCustomHandler(out, CustomHandlerOpts{SlogOpts: opts}))
}
