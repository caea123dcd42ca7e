// Package ratelimit spaces out IDENTIFY frames per bot token.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultSpacing           = 5100 * time.Millisecond
	DefaultStarvationTimeout = 15 * time.Second
	DefaultSweepInterval     = time.Second
)

type IdentifyGateOptions struct {
	// Spacing is the minimum time between two identifies for one token.
	Spacing time.Duration
	// StarvationTimeout force releases a slot held this long.
	StarvationTimeout time.Duration
	SweepInterval     time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// IdentifyGate is a one-slot gate per token. A connection acquires the slot
// before opening its socket and releases it once IDENTIFY (or RESUME) is sent.
type IdentifyGate struct {
	spacing    time.Duration
	starvation time.Duration
	sweepEvery time.Duration
	clock      clockwork.Clock
	log        *slog.Logger

	mu        sync.Mutex
	slots     map[string]*slot
	sweepOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

type slot struct {
	held         bool
	acquiredAt   time.Time
	lastIdentify time.Time
	released     chan struct{}
}

var (
	defaultGate     *IdentifyGate
	defaultGateOnce sync.Once
)

// Default is the process-wide gate shared by every connection.
func Default() *IdentifyGate {
	defaultGateOnce.Do(func() {
		defaultGate = NewIdentifyGate(IdentifyGateOptions{})
	})
	return defaultGate
}

func NewIdentifyGate(opts IdentifyGateOptions) *IdentifyGate {
	if opts.Spacing <= 0 {
		opts.Spacing = DefaultSpacing
	}
	if opts.StarvationTimeout <= 0 {
		opts.StarvationTimeout = DefaultStarvationTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &IdentifyGate{
		spacing:    opts.Spacing,
		starvation: opts.StarvationTimeout,
		sweepEvery: opts.SweepInterval,
		clock:      opts.Clock,
		log:        opts.Logger,
		slots:      make(map[string]*slot),
		done:       make(chan struct{}),
	}
}

func (g *IdentifyGate) slotLocked(token string) *slot {
	s, ok := g.slots[token]
	if !ok {
		s = &slot{released: make(chan struct{})}
		g.slots[token] = s
	}
	return s
}

// Acquire blocks until the token's slot is free and the spacing since the
// last identify has elapsed.
func (g *IdentifyGate) Acquire(ctx context.Context, token string) error {
	g.sweepOnce.Do(func() { go g.sweep() })

	for {
		g.mu.Lock()
		s := g.slotLocked(token)
		if !s.held {
			s.held = true
			s.acquiredAt = g.clock.Now()
			wait := s.lastIdentify.Add(g.spacing).Sub(s.acquiredAt)
			g.mu.Unlock()
			if wait <= 0 || s.lastIdentify.IsZero() {
				return nil
			}
			select {
			case <-g.clock.After(wait):
				g.mu.Lock()
				s.acquiredAt = g.clock.Now()
				g.mu.Unlock()
				return nil
			case <-ctx.Done():
				g.Release(token, false)
				return ctx.Err()
			}
		}
		released := s.released
		g.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Release frees the token's slot. identified stamps the identify time that
// the next Acquire spaces against.
func (g *IdentifyGate) Release(token string, identified bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.slotLocked(token)
	if identified {
		s.lastIdentify = g.clock.Now()
	}
	g.releaseLocked(s)
}

// LastIdentify returns when the token last identified.
func (g *IdentifyGate) LastIdentify(token string) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slotLocked(token).lastIdentify
}

func (g *IdentifyGate) releaseLocked(s *slot) {
	if !s.held {
		return
	}
	s.held = false
	close(s.released)
	s.released = make(chan struct{})
}

func (g *IdentifyGate) sweep() {
	ticker := g.clock.NewTicker(g.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-g.done:
			return
		case <-ticker.Chan():
			now := g.clock.Now()
			g.mu.Lock()
			for token, s := range g.slots {
				if s.held && now.Sub(s.acquiredAt) >= g.starvation {
					g.log.Warn("identify slot held too long, releasing", "held_for", now.Sub(s.acquiredAt), "token_suffix", suffix(token))
					g.releaseLocked(s)
				}
			}
			g.mu.Unlock()
		}
	}
}

// Close stops the starvation sweep.
func (g *IdentifyGate) Close() {
	g.closeOnce.Do(func() { close(g.done) })
}

func suffix(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return "…" + token[len(token)-4:]
}
