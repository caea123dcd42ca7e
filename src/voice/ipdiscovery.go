package voice

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

type DiscoveryFormat int

const (
	// DiscoveryLegacy is the bare 70 byte exchange: SSRC up front, the
	// address at offset 4 and a little endian port in the last two bytes.
	DiscoveryLegacy DiscoveryFormat = iota
	// DiscoveryTyped prefixes a type and length; the address starts at
	// offset 8 and the port is big endian.
	DiscoveryTyped
)

const (
	legacyDiscoverySize = 70
	typedDiscoverySize  = 74
	discoveryAddressLen = 64

	discoveryRequest  = 0x1
	discoveryResponse = 0x2

	DefaultDiscoveryTimeout = 5 * time.Second
)

var (
	ErrMalformedDiscovery = errors.New("malformed ip discovery response")
)

func discoveryPacket(format DiscoveryFormat, ssrc uint32) []byte {
	if format == DiscoveryTyped {
		packet := make([]byte, 0, typedDiscoverySize)
		packet = binary.BigEndian.AppendUint16(packet, discoveryRequest)
		packet = binary.BigEndian.AppendUint16(packet, legacyDiscoverySize)
		packet = binary.BigEndian.AppendUint32(packet, ssrc)
		return packet[:typedDiscoverySize]
	}
	packet := make([]byte, legacyDiscoverySize)
	binary.BigEndian.PutUint32(packet, ssrc)
	return packet
}

// ParseDiscoveryResponse reads the external address out of a reply. The
// format is told apart by length.
func ParseDiscoveryResponse(b []byte) (string, uint16, error) {
	var (
		addr []byte
		port uint16
	)
	switch len(b) {
	case legacyDiscoverySize:
		addr = b[4 : 4+discoveryAddressLen]
		port = binary.LittleEndian.Uint16(b[legacyDiscoverySize-2:])
	case typedDiscoverySize:
		if t := binary.BigEndian.Uint16(b[0:2]); t != discoveryResponse {
			return "", 0, fmt.Errorf("%w: type %#x", ErrMalformedDiscovery, t)
		}
		addr = b[8 : 8+discoveryAddressLen]
		port = binary.BigEndian.Uint16(b[typedDiscoverySize-2:])
	default:
		return "", 0, fmt.Errorf("%w: %d bytes", ErrMalformedDiscovery, len(b))
	}
	if i := bytes.IndexByte(addr, 0); i >= 0 {
		addr = addr[:i]
	}
	if net.ParseIP(string(addr)) == nil {
		return "", 0, fmt.Errorf("%w: address %q", ErrMalformedDiscovery, addr)
	}
	return string(addr), port, nil
}

// DiscoverIP asks the voice server which address and port it sees this socket
// as. Replies from other peers are ignored.
func DiscoverIP(ctx context.Context, conn net.PacketConn, server net.Addr, ssrc uint32, format DiscoveryFormat) (string, uint16, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultDiscoveryTimeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", 0, err
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.WriteTo(discoveryPacket(format, ssrc), server); err != nil {
		return "", 0, fmt.Errorf("failed to send ip discovery: %w", err)
	}
	buf := make([]byte, 128)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return "", 0, fmt.Errorf("failed to read ip discovery: %w", err)
		}
		if from.String() != server.String() {
			continue
		}
		return ParseDiscoveryResponse(buf[:n])
	}
}
