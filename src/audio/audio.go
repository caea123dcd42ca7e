// Package audio reads pre-encoded Opus frames from DCA files.
//
// A DCA file is an optional "DCA1" header (magic, little endian int32 metadata
// length, JSON metadata) followed by frames, each a little endian int16 length
// and that many bytes of Opus.
package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

var MAX_FRAME_SIZE = 4000

var (
	ErrInvalidFrame  = errors.New("invalid dca frame")
	ErrInvalidHeader = errors.New("invalid dca header")
)

const dcaMagic = "DCA1"

type Audio struct {
	log *slog.Logger
}

func NewAudio(log *slog.Logger) *Audio {
	if log == nil {
		log = slog.Default()
	}
	return &Audio{log: log}
}

// Stream sends every frame of the file at path to frames and closes it.
func (a *Audio) Stream(ctx context.Context, path string, frames chan<- []byte) error {
	f, err := os.Open(path)
	if err != nil {
		close(frames)
		return err
	}
	defer f.Close()
	a.log.Info("streaming audio", "path", path)
	return ReadFrames(ctx, f, frames)
}

// ReadFrames sends frames read from r until EOF and then closes frames.
func ReadFrames(ctx context.Context, r io.Reader, frames chan<- []byte) error {
	defer close(frames)
	br := bufio.NewReader(r)
	if err := skipHeader(br); err != nil {
		return err
	}
	for {
		var size int16
		if err := binary.Read(br, binary.LittleEndian, &size); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		if size <= 0 || int(size) > MAX_FRAME_SIZE {
			return fmt.Errorf("%w: frame size %d", ErrInvalidFrame, size)
		}
		frame := make([]byte, size)
		if _, err := io.ReadFull(br, frame); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		select {
		case frames <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func skipHeader(br *bufio.Reader) error {
	magic, err := br.Peek(len(dcaMagic))
	if err != nil || string(magic) != dcaMagic {
		// No header, frames start right away.
		return nil
	}
	if _, err := br.Discard(len(dcaMagic)); err != nil {
		return err
	}
	var metadataSize int32
	if err := binary.Read(br, binary.LittleEndian, &metadataSize); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	if metadataSize < 0 {
		return fmt.Errorf("%w: metadata size %d", ErrInvalidHeader, metadataSize)
	}
	if _, err := br.Discard(int(metadataSize)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	return nil
}
