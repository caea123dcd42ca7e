package gateway

import "sync/atomic"

type stats struct {
	framesIn      atomic.Uint64
	framesDropped atomic.Uint64
	identifies    atomic.Uint64
	resumes       atomic.Uint64
	reconnects    atomic.Uint64
}

// Snapshot is a point-in-time view of a connection, safe to serialize.
type Snapshot struct {
	Status        GatewayStatus `json:"status"`
	Resumable     bool          `json:"resumable"`
	Sequence      uint64        `json:"sequence"`
	LatencyMS     int64         `json:"latency_ms"`
	Attempts      int64         `json:"reconnect_attempts"`
	FramesIn      uint64        `json:"frames_in"`
	FramesDropped uint64        `json:"frames_dropped"`
	Identifies    uint64        `json:"identifies"`
	Resumes       uint64        `json:"resumes"`
	Reconnects    uint64        `json:"reconnects"`
}

func (g *Gateway) Snapshot() Snapshot {
	_, _, resumable := g.session.resumable()
	seq, _ := g.heart.Sequence()
	return Snapshot{
		Status:        g.Status(),
		Resumable:     resumable,
		Sequence:      seq,
		LatencyMS:     g.heart.Latency().Milliseconds(),
		Attempts:      g.attempts.Load(),
		FramesIn:      g.stats.framesIn.Load(),
		FramesDropped: g.stats.framesDropped.Load(),
		Identifies:    g.stats.identifies.Load(),
		Resumes:       g.stats.resumes.Load(),
		Reconnects:    g.stats.reconnects.Load(),
	}
}
