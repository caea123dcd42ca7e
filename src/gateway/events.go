package gateway

import (
	"log/slog"
	"sync"
	"time"
)

type LifecycleKind int

const (
	EventConnected LifecycleKind = iota
	EventReady
	EventResumed
	EventDisconnected
	EventReconnecting
	EventTerminal
)

func (k LifecycleKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventReady:
		return "ready"
	case EventResumed:
		return "resumed"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventTerminal:
		return "terminal"
	}
	return "unknown"
}

// LifecycleEvent reports a connection state change. Only the fields relevant
// to Kind are set.
type LifecycleEvent struct {
	Kind LifecycleKind
	// Code is the close code for EventDisconnected and EventTerminal.
	Code int
	// Attempt and Delay describe a scheduled reconnect.
	Attempt int64
	Delay   time.Duration
	Err     error
}

func (e LifecycleEvent) LogValue() slog.Value {
	attrs := []slog.Attr{slog.String("kind", e.Kind.String())}
	if e.Code != 0 {
		attrs = append(attrs, slog.Int("code", e.Code))
	}
	if e.Attempt != 0 {
		attrs = append(attrs, slog.Int64("attempt", e.Attempt), slog.Duration("delay", e.Delay))
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}
	return slog.GroupValue(attrs...)
}

type LifecycleListener func(LifecycleEvent)

type lifecycle struct {
	mu        sync.RWMutex
	listeners []LifecycleListener
	log       *slog.Logger
}

func (l *lifecycle) add(fn LifecycleListener) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *lifecycle) emit(e LifecycleEvent) {
	l.mu.RLock()
	listeners := l.listeners
	l.mu.RUnlock()
	l.log.Debug("lifecycle", "event", e)
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("lifecycle listener panicked", "panic", r)
				}
			}()
			fn(e)
		}()
	}
}
