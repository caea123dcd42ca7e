package audiosender

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

var testKey = [32]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31, 32}

// plainSealer leaves the payload untouched.
type plainSealer struct{}

func (plainSealer) Mode() string { return "plain" }

func (plainSealer) Seal(_ []byte, _ [32]byte, payload []byte) ([]byte, error) {
	return append([]byte(nil), payload...), nil
}

func TestRTPHeaderBitExact(t *testing.T) {
	t.Parallel()

	frame := bytes.Repeat([]byte{0xAB}, 20)
	p, err := NewAudioPacket(frame, 1, 1000, 42)
	if err != nil {
		t.Fatalf("NewAudioPacket: %v", err)
	}
	wantHeader := []byte{0x80, 0x78, 0x00, 0x01, 0x00, 0x00, 0x03, 0xE8, 0x00, 0x00, 0x00, 0x2A}
	if diff := cmp.Diff(wantHeader, p.Header()); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	want := append(append([]byte(nil), wantHeader...), frame...)
	if diff := cmp.Diff(want, p.Bytes()); diff != "" {
		t.Errorf("packet mismatch (-want +got):\n%s", diff)
	}
}

func TestSilenceSubstitution(t *testing.T) {
	t.Parallel()

	for _, frame := range [][]byte{nil, {}} {
		p, err := NewAudioPacket(frame, 7, 960, 1)
		if err != nil {
			t.Fatalf("NewAudioPacket: %v", err)
		}
		if got, want := len(p.Bytes()), HeaderSize+len(SILENCE_FRAMES); got != want {
			t.Errorf("packet length = %d, want %d", got, want)
		}
		if !bytes.Equal(p.Payload(), SILENCE_FRAMES) {
			t.Errorf("payload = %x, want silence %x", p.Payload(), SILENCE_FRAMES)
		}
	}
}

func TestEncryptOnlyOnce(t *testing.T) {
	t.Parallel()

	p, err := NewAudioPacket([]byte{1, 2, 3}, 1, 1, 1)
	if err != nil {
		t.Fatalf("NewAudioPacket: %v", err)
	}
	if err := p.Encrypt(SecretboxSealer{}, testKey); err != nil {
		t.Fatalf("first Encrypt: %v", err)
	}
	sealed := p.Payload()
	if err := p.Encrypt(SecretboxSealer{}, testKey); !errors.Is(err, ErrAlreadyEncrypted) {
		t.Errorf("second Encrypt error = %v, want %v", err, ErrAlreadyEncrypted)
	}
	if !bytes.Equal(sealed, p.Payload()) {
		t.Error("second Encrypt changed the payload")
	}
}

func TestDatagram(t *testing.T) {
	t.Parallel()

	p, err := NewAudioPacket([]byte{9}, 2, 3, 4)
	if err != nil {
		t.Fatalf("NewAudioPacket: %v", err)
	}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}
	d := p.Datagram(addr)
	if d.Addr != addr {
		t.Errorf("addr = %v, want %v", d.Addr, addr)
	}
	if len(d.Data) != HeaderSize+1 || d.Data[HeaderSize] != 9 {
		t.Errorf("data = %x", d.Data)
	}
}

func TestSecretboxSealerOpens(t *testing.T) {
	t.Parallel()

	p, _ := NewAudioPacket([]byte("opus"), 10, 20, 30)
	sealed, err := SecretboxSealer{}.Seal(p.Header(), testKey, p.Payload())
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	var nonce [24]byte
	copy(nonce[:], p.Header())
	opened, ok := secretbox.Open(nil, sealed, &nonce, &testKey)
	if !ok {
		t.Fatal("secretbox.Open failed")
	}
	if string(opened) != "opus" {
		t.Errorf("opened = %q, want opus", opened)
	}
}

func TestRTPSizeSealersOpen(t *testing.T) {
	t.Parallel()

	newGCM := func(key []byte) (cipher.AEAD, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
	tests := []struct {
		name   string
		sealer Sealer
		open   func(key []byte) (cipher.AEAD, error)
	}{
		{name: "xchacha20", sealer: &XChaCha20Sealer{}, open: chacha20poly1305.NewX},
		{name: "aes256gcm", sealer: &AESGCMSealer{}, open: newGCM},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p, _ := NewAudioPacket([]byte("opus"), 10, 20, 30)
			aead, err := tt.open(testKey[:])
			if err != nil {
				t.Fatalf("aead: %v", err)
			}
			for counter := uint32(0); counter < 2; counter++ {
				sealed, err := tt.sealer.Seal(p.Header(), testKey, p.Payload())
				if err != nil {
					t.Fatalf("Seal: %v", err)
				}
				suffix := sealed[len(sealed)-rtpsizeNonceSize:]
				if got := binary.BigEndian.Uint32(suffix); got != counter {
					t.Errorf("nonce suffix = %d, want %d", got, counter)
				}
				nonce := make([]byte, aead.NonceSize())
				copy(nonce, suffix)
				opened, err := aead.Open(nil, nonce, sealed[:len(sealed)-rtpsizeNonceSize], p.Header())
				if err != nil {
					t.Fatalf("Open: %v", err)
				}
				if string(opened) != "opus" {
					t.Errorf("opened = %q, want opus", opened)
				}
			}
		})
	}
}

func TestNegotiateMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		preferred []string
		offered   []string
		want      string
		wantErr   error
	}{
		{
			name:    "default order",
			offered: []string{ModeXSalsa20Poly1305, ModeAEADXChaCha20Poly1305RTPSize},
			want:    ModeAEADXChaCha20Poly1305RTPSize,
		},
		{
			name:      "explicit preference",
			preferred: []string{ModeXSalsa20Poly1305},
			offered:   []string{ModeAEADAES256GCMRTPSize, ModeXSalsa20Poly1305},
			want:      ModeXSalsa20Poly1305,
		},
		{
			name:    "nothing in common",
			offered: []string{"aead_unknown"},
			wantErr: ErrNoCommonMode,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NegotiateMode(tt.preferred, tt.offered)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("mode = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewSealerUnknownMode(t *testing.T) {
	t.Parallel()

	if _, err := NewSealer("plaintext"); !errors.Is(err, ErrUnsupportedMode) {
		t.Errorf("error = %v, want %v", err, ErrUnsupportedMode)
	}
}

func TestSendPacesFramesAndTrailsSilence(t *testing.T) {
	t.Parallel()

	server, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()
	client, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer client.Close()

	sender := NewAudioSender(AudioSenderArguments{
		Conn:   client,
		Addr:   server.LocalAddr(),
		Sealer: plainSealer{},
		Key:    testKey,
		SSRC:   42,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	frames := make(chan []byte, 3)
	frames <- []byte{1}
	frames <- []byte{2}
	frames <- []byte{3}
	close(frames)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sender.Send(ctx, frames); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, 1500)
	for i := 0; i < 3+TrailingSilence; i++ {
		server.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := server.ReadFrom(buf)
		if err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if got := binary.BigEndian.Uint16(buf[2:4]); got != uint16(i) {
			t.Errorf("packet %d sequence = %d", i, got)
		}
		if got := binary.BigEndian.Uint32(buf[4:8]); got != uint32(i*FrameSamples) {
			t.Errorf("packet %d timestamp = %d, want %d", i, got, i*FrameSamples)
		}
		payload := buf[HeaderSize:n]
		if i < 3 {
			if len(payload) != 1 || payload[0] != byte(i+1) {
				t.Errorf("packet %d payload = %x", i, payload)
			}
		} else if !bytes.Equal(payload, SILENCE_FRAMES) {
			t.Errorf("packet %d payload = %x, want silence", i, payload)
		}
	}
	if seq, ts := sender.Position(); seq != 8 || ts != 8*FrameSamples {
		t.Errorf("position = %d/%d, want 8/%d", seq, ts, 8*FrameSamples)
	}
}
