// Package codec turns websocket frames into envelopes and back.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/hendrywilliam/siren-gateway/src/structs"
	"github.com/klauspost/compress/zlib"
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
)

// maxInflatedSize caps a single inflated payload.
const maxInflatedSize = 64 << 20

// Decompress inflates a zlib compressed binary frame.
func Decompress(data []byte) (string, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedSize+1))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(out) > maxInflatedSize {
		return "", fmt.Errorf("%w: inflated payload exceeds %d bytes", ErrMalformedFrame, maxInflatedSize)
	}
	if !utf8.Valid(out) {
		return "", fmt.Errorf("%w: payload is not valid utf-8", ErrMalformedFrame)
	}
	return string(out), nil
}

// Decode parses an envelope. Unknown opcodes and event names are not errors.
func Decode(text []byte) (*structs.RawEvent, error) {
	e := &structs.RawEvent{}
	if err := json.Unmarshal(text, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return e, nil
}

// Encode serializes an outbound envelope.
func Encode(op int, d any) ([]byte, error) {
	data, err := json.Marshal(structs.Event{Op: op, D: d})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %d: %w", op, err)
	}
	return data, nil
}

// ReadFrame decodes one websocket message, inflating it first when binary.
func ReadFrame(binary bool, data []byte) (*structs.RawEvent, error) {
	if !binary {
		return Decode(data)
	}
	text, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	return Decode([]byte(text))
}
