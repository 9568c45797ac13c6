package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed payload size (1 MB)
	MaxFrameSize = 1024 * 1024

	// frameHeaderSize is the size of the length prefix
	frameHeaderSize = 4
)

var (
	ErrFrameTooLarge = errors.New("frame exceeds maximum size (1 MB)")
)

// WriteFrame writes a length-prefixed frame to the writer.
// Format: [Length (4 bytes, big-endian)][Payload (N bytes)]
//
// The header and payload go out in a single Write so that concurrent
// writers guarded by a mutex never interleave partial frames.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from the reader and returns its payload.
// A stream that ends inside a frame yields io.ErrUnexpectedEOF; a stream
// that ends cleanly between frames yields io.EOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	length, err := ReadUint32(r)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	return payload, nil
}
