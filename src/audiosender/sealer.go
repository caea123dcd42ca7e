package audiosender

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// Encryption modes, in the order they are preferred by default.
const (
	ModeAEADAES256GCMRTPSize         = "aead_aes256_gcm_rtpsize"
	ModeAEADXChaCha20Poly1305RTPSize = "aead_xchacha20_poly1305_rtpsize"
	ModeXSalsa20Poly1305             = "xsalsa20_poly1305"
	rtpsizeNonceSize                 = 4
)

var DefaultModes = []string{
	ModeAEADAES256GCMRTPSize,
	ModeAEADXChaCha20Poly1305RTPSize,
	ModeXSalsa20Poly1305,
}

var (
	ErrUnsupportedMode = errors.New("unsupported encryption mode")
	ErrNoCommonMode    = errors.New("no common encryption mode")
)

// Sealer encrypts one packet payload. The returned bytes follow the RTP
// header on the wire.
type Sealer interface {
	Mode() string
	Seal(header []byte, key [32]byte, payload []byte) ([]byte, error)
}

func NewSealer(mode string) (Sealer, error) {
	switch mode {
	case ModeAEADAES256GCMRTPSize:
		return &AESGCMSealer{}, nil
	case ModeAEADXChaCha20Poly1305RTPSize:
		return &XChaCha20Sealer{}, nil
	case ModeXSalsa20Poly1305:
		return SecretboxSealer{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
}

// NegotiateMode picks the first preferred mode the server offers.
func NegotiateMode(preferred, offered []string) (string, error) {
	if len(preferred) == 0 {
		preferred = DefaultModes
	}
	for _, mode := range preferred {
		if slices.Contains(offered, mode) {
			return mode, nil
		}
	}
	return "", fmt.Errorf("%w: offered %v", ErrNoCommonMode, offered)
}

// SecretboxSealer uses the RTP header, zero padded, as the nonce.
type SecretboxSealer struct{}

func (SecretboxSealer) Mode() string { return ModeXSalsa20Poly1305 }

func (SecretboxSealer) Seal(header []byte, key [32]byte, payload []byte) ([]byte, error) {
	var nonce [24]byte
	copy(nonce[:], header)
	return secretbox.Seal(nil, payload, &nonce, &key), nil
}

// rtpsizeNonce is the incrementing 32 bit nonce of the rtpsize modes. It goes
// out big endian at the start of the AEAD nonce and is appended to the packet.
type rtpsizeNonce struct {
	counter atomic.Uint32
}

func (n *rtpsizeNonce) next(size int) (nonce []byte, suffix []byte) {
	nonce = make([]byte, size)
	binary.BigEndian.PutUint32(nonce, n.counter.Add(1)-1)
	return nonce, nonce[:rtpsizeNonceSize]
}

func sealRTPSize(aead cipher.AEAD, n *rtpsizeNonce, header, payload []byte) []byte {
	nonce, suffix := n.next(aead.NonceSize())
	sealed := aead.Seal(nil, nonce, payload, header)
	return append(sealed, suffix...)
}

type XChaCha20Sealer struct {
	nonce rtpsizeNonce
}

func (*XChaCha20Sealer) Mode() string { return ModeAEADXChaCha20Poly1305RTPSize }

func (s *XChaCha20Sealer) Seal(header []byte, key [32]byte, payload []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	return sealRTPSize(aead, &s.nonce, header, payload), nil
}

type AESGCMSealer struct {
	nonce rtpsizeNonce
}

func (*AESGCMSealer) Mode() string { return ModeAEADAES256GCMRTPSize }

func (s *AESGCMSealer) Seal(header []byte, key [32]byte, payload []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return sealRTPSize(aead, &s.nonce, header, payload), nil
}
