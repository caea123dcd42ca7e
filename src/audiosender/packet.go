package audiosender

import (
	"errors"
	"fmt"
	"net"

	"github.com/pion/rtp"
)

const (
	HeaderSize = 12
	// PayloadType sits in the second header byte, 0x78 on the wire.
	PayloadType = 0x78
)

// Data interpolation
var SILENCE_FRAMES = []byte{0xF8, 0xFF, 0xFE}

var (
	ErrAlreadyEncrypted = errors.New("packet is already encrypted")
)

// AudioPacket is one RTP framed audio frame. The header never changes after
// construction; the payload is replaced once by Encrypt.
type AudioPacket struct {
	header    []byte
	payload   []byte
	encrypted bool
}

// NewAudioPacket frames frame under a 12 byte RTP header. An empty frame is
// replaced by silence.
func NewAudioPacket(frame []byte, sequence uint16, timestamp uint32, ssrc uint32) (*AudioPacket, error) {
	if len(frame) == 0 {
		frame = SILENCE_FRAMES
	}
	h := rtp.Header{
		Version:        2,
		PayloadType:    PayloadType,
		SequenceNumber: sequence,
		Timestamp:      timestamp,
		SSRC:           ssrc,
	}
	header, err := h.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rtp header: %w", err)
	}
	payload := make([]byte, len(frame))
	copy(payload, frame)
	return &AudioPacket{header: header, payload: payload}, nil
}

func (p *AudioPacket) Header() []byte {
	return p.header
}

func (p *AudioPacket) Payload() []byte {
	return p.payload
}

func (p *AudioPacket) Encrypted() bool {
	return p.encrypted
}

// Encrypt seals the payload in place. It must run exactly once per packet.
func (p *AudioPacket) Encrypt(sealer Sealer, key [32]byte) error {
	if p.encrypted {
		return ErrAlreadyEncrypted
	}
	sealed, err := sealer.Seal(p.header, key, p.payload)
	if err != nil {
		return fmt.Errorf("failed to seal %s packet: %w", sealer.Mode(), err)
	}
	p.payload = sealed
	p.encrypted = true
	return nil
}

// Bytes is header followed by payload.
func (p *AudioPacket) Bytes() []byte {
	out := make([]byte, 0, len(p.header)+len(p.payload))
	out = append(out, p.header...)
	return append(out, p.payload...)
}

type Datagram struct {
	Addr net.Addr
	Data []byte
}

func (p *AudioPacket) Datagram(addr net.Addr) Datagram {
	return Datagram{Addr: addr, Data: p.Bytes()}
}
