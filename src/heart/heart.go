// Package heart keeps a websocket connection alive.
//
// A Heart sends a beat every interval and expects an acknowledgement before
// the next one. When a beat goes unanswered it asks its owner to close the
// socket, which lets the owner's reconnect policy take over. The same Heart
// serves the main gateway and the voice gateway; only the beat framing and the
// acknowledgement opcode differ.
package heart

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hendrywilliam/siren-gateway/src/codec"
	"github.com/hendrywilliam/siren-gateway/src/structs"
	"github.com/jonboulle/clockwork"
)

type Mode int

const (
	// ModeGateway beats with op 1 and the last dispatch sequence.
	ModeGateway Mode = iota
	// ModeVoice beats with op 3 and a {t, seq_ack} object.
	ModeVoice
)

const (
	gatewayOpcodeHeartbeat    = 1
	gatewayOpcodeHeartbeatAck = 11
	voiceOpcodeHeartbeat      = 3
	voiceOpcodeHeartbeatAck   = 6
)

// CloseNotAnswered is the close code used when a beat was never acknowledged.
const CloseNotAnswered = 4998

const ReasonNotAnswered = "heartbeat not answered"

var ErrInvalidInterval = errors.New("heartbeat interval must be positive")

type Options struct {
	Mode Mode
	// Send writes an encoded beat to the socket.
	Send func(data []byte) error
	// Close closes the socket with the given code.
	Close  func(code int, reason string) error
	Clock  clockwork.Clock
	Logger *slog.Logger
}

type Heart struct {
	mode  Mode
	send  func(data []byte) error
	close func(code int, reason string) error
	clock clockwork.Clock
	log   *slog.Logger

	mu       sync.Mutex
	stop     chan struct{}
	ticker   clockwork.Ticker
	interval time.Duration
	acked    bool
	sentAt   time.Time
	seq      uint64
	hasSeq   bool

	latency atomic.Int64
}

func New(opts Options) *Heart {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Heart{
		mode:  opts.Mode,
		send:  opts.Send,
		close: opts.Close,
		clock: opts.Clock,
		log:   opts.Logger,
	}
}

// Start begins beating every interval. A running timer is cancelled first, so
// there is never more than one. A non-positive interval leaves the heart as
// it was.
func (h *Heart) Start(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidInterval, interval)
	}
	h.mu.Lock()
	h.stopLocked()
	h.acked = true
	h.interval = interval
	h.ticker = h.clock.NewTicker(interval)
	h.stop = make(chan struct{})
	ticker, stop := h.ticker, h.stop
	h.mu.Unlock()

	h.log.Debug("heartbeating started", "interval", interval)
	go h.loop(ticker, stop)
	return nil
}

func (h *Heart) loop(ticker clockwork.Ticker, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if !h.tick(stop) {
				return
			}
		}
	}
}

// tick reports whether this timer instance should keep running.
func (h *Heart) tick(stop chan struct{}) bool {
	h.mu.Lock()
	if h.stop != stop {
		h.mu.Unlock()
		return false
	}
	if !h.acked {
		h.stopLocked()
		h.mu.Unlock()
		h.log.Warn("heartbeat was not acknowledged, closing connection")
		h.safely(func() error { return h.close(CloseNotAnswered, ReasonNotAnswered) })
		return false
	}
	h.acked = false
	h.sentAt = h.clock.Now()
	data, err := h.encodeLocked()
	h.mu.Unlock()
	if err != nil {
		h.log.Error("failed to encode heartbeat", "error", err)
		return true
	}
	h.safely(func() error { return h.send(data) })
	return true
}

// Beat sends one beat right away without touching the timer.
func (h *Heart) Beat() {
	h.mu.Lock()
	h.sentAt = h.clock.Now()
	data, err := h.encodeLocked()
	h.mu.Unlock()
	if err != nil {
		h.log.Error("failed to encode heartbeat", "error", err)
		return
	}
	h.safely(func() error { return h.send(data) })
}

// HandleFrame records sequences and acknowledgements from inbound frames.
func (h *Heart) HandleFrame(e *structs.RawEvent) {
	if e == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	seq := e.S
	ackOp := gatewayOpcodeHeartbeatAck
	if h.mode == ModeVoice {
		seq = e.Seq
		ackOp = voiceOpcodeHeartbeatAck
	}
	if seq != nil {
		h.seq = *seq
		h.hasSeq = true
	}
	if e.Op == ackOp {
		h.acked = true
		if !h.sentAt.IsZero() {
			h.latency.Store(int64(h.clock.Since(h.sentAt)))
		}
	}
}

// Squash cancels the timer. Safe to call any number of times.
func (h *Heart) Squash() {
	h.mu.Lock()
	h.stopLocked()
	h.mu.Unlock()
}

func (h *Heart) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stop != nil
}

// Latency is the round trip of the last acknowledged beat.
func (h *Heart) Latency() time.Duration {
	return time.Duration(h.latency.Load())
}

func (h *Heart) Sequence() (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq, h.hasSeq
}

// ResetSequence forgets the last sequence; a new session starts from none.
func (h *Heart) ResetSequence() {
	h.mu.Lock()
	h.seq, h.hasSeq = 0, false
	h.mu.Unlock()
}

func (h *Heart) stopLocked() {
	if h.stop == nil {
		return
	}
	close(h.stop)
	h.ticker.Stop()
	h.stop, h.ticker = nil, nil
}

func (h *Heart) encodeLocked() ([]byte, error) {
	if h.mode == ModeVoice {
		return codec.Encode(voiceOpcodeHeartbeat, structs.VoiceHeartbeat{
			T:      h.sentAt.UnixMilli(),
			SeqAck: h.seq,
		})
	}
	if !h.hasSeq {
		return codec.Encode(gatewayOpcodeHeartbeat, nil)
	}
	return codec.Encode(gatewayOpcodeHeartbeat, h.seq)
}

func (h *Heart) safely(fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("heartbeat callback panicked", "panic", r)
		}
	}()
	if err := fn(); err != nil {
		h.log.Error("heartbeat callback failed", "error", err)
	}
}
