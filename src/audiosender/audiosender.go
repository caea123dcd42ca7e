package audiosender

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	FrameDuration = 20 * time.Millisecond
	// FrameSamples is 20ms of 48kHz audio.
	FrameSamples = 960
	// TrailingSilence frames are sent after a stream ends so the receiver
	// does not interpolate over the gap.
	TrailingSilence = 5
)

type AudioSender struct {
	mu        sync.Mutex
	sequence  uint16
	timestamp uint32
	ssrc      uint32

	conn   net.PacketConn
	addr   net.Addr
	sealer Sealer
	key    [32]byte
	clock  clockwork.Clock
	log    *slog.Logger
}

type AudioSenderArguments struct {
	Conn   net.PacketConn
	Addr   net.Addr
	Sealer Sealer
	Key    [32]byte
	SSRC   uint32
	Clock  clockwork.Clock
	Logger *slog.Logger
}

func NewAudioSender(args AudioSenderArguments) *AudioSender {
	if args.Clock == nil {
		args.Clock = clockwork.NewRealClock()
	}
	if args.Logger == nil {
		args.Logger = slog.Default()
	}
	return &AudioSender{
		ssrc:   args.SSRC,
		conn:   args.Conn,
		addr:   args.Addr,
		sealer: args.Sealer,
		key:    args.Key,
		clock:  args.Clock,
		log:    args.Logger,
	}
}

// Send writes one frame every 20ms until frames is closed, then pads the
// stream with silence.
func (as *AudioSender) Send(ctx context.Context, frames <-chan []byte) error {
	ticker := as.clock.NewTicker(FrameDuration)
	defer ticker.Stop()

	silence := -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
		if silence >= 0 {
			if silence == TrailingSilence {
				return nil
			}
			if err := as.SendFrame(nil); err != nil {
				return err
			}
			silence++
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				silence = 0
				continue
			}
			if err := as.SendFrame(frame); err != nil {
				return err
			}
		}
	}
}

// SendFrame frames, seals and writes one frame, then advances the sequence
// and timestamp.
func (as *AudioSender) SendFrame(frame []byte) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	packet, err := NewAudioPacket(frame, as.sequence, as.timestamp, as.ssrc)
	if err != nil {
		return err
	}
	if err := packet.Encrypt(as.sealer, as.key); err != nil {
		return err
	}
	d := packet.Datagram(as.addr)
	if _, err := as.conn.WriteTo(d.Data, d.Addr); err != nil {
		return err
	}
	as.sequence++
	as.timestamp += FrameSamples
	return nil
}

// Position returns the sequence and timestamp the next frame will carry.
func (as *AudioSender) Position() (uint16, uint32) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.sequence, as.timestamp
}
