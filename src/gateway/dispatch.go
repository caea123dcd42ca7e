package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hendrywilliam/siren-gateway/src/structs"
)

// Handler receives the d payload of a DISPATCH frame.
type Handler func(ctx context.Context, d json.RawMessage) error

// Dispatcher maps dispatch event names to ordered handler lists.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[structs.EventName][]Handler
	log      *slog.Logger
}

func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		handlers: make(map[structs.EventName][]Handler),
		log:      log,
	}
}

func (d *Dispatcher) On(name structs.EventName, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = append(d.handlers[name], h)
}

// Dispatch runs every handler for name in registration order. A failing or
// panicking handler is logged and does not stop the others.
func (d *Dispatcher) Dispatch(ctx context.Context, name structs.EventName, data json.RawMessage) {
	d.mu.RLock()
	handlers := d.handlers[name]
	d.mu.RUnlock()
	for _, h := range handlers {
		if err := d.run(ctx, h, data); err != nil {
			d.log.Error("dispatch handler failed", "event_name", name, "error", err)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, h Handler, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, data)
}
