package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Codec turns a byte stream into typed values and back. S is the type it
// sends, R the type it receives. Each direction may carry its own
// symmetric key; until a key is set the direction is plaintext.
type Codec[S, R any] struct {
	r      io.Reader
	w      io.Writer
	encode func(S) ([]byte, error)
	decode func([]byte) (R, error)

	writeMu  sync.Mutex
	readKey  atomic.Pointer[Envelope]
	writeKey atomic.Pointer[Envelope]
}

// ServerCodec sends responses and receives requests
type ServerCodec = Codec[Response, Request]

// ClientCodec sends requests and receives responses
type ClientCodec = Codec[Request, Response]

// NewCodec creates a codec over rw using the given encoder and decoder
func NewCodec[S, R any](rw io.ReadWriter, encode func(S) ([]byte, error), decode func([]byte) (R, error)) *Codec[S, R] {
	return &Codec[S, R]{
		r:      rw,
		w:      rw,
		encode: encode,
		decode: decode,
	}
}

// NewServerCodec creates the server side of a connection
func NewServerCodec(rw io.ReadWriter) *ServerCodec {
	return NewCodec(rw, EncodeResponse, DecodeRequest)
}

// NewClientCodec creates the client side of a connection
func NewClientCodec(rw io.ReadWriter) *ClientCodec {
	return NewCodec(rw, EncodeRequest, DecodeResponse)
}

// Send serializes v, encrypts it if a write key is set and writes one frame
func (c *Codec[S, R]) Send(v S) error {
	payload, err := c.encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode: %w", err)
	}

	if env := c.writeKey.Load(); env != nil {
		payload, err = env.Seal(payload)
		if err != nil {
			return err
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.w, payload)
}

// Recv reads one frame, decrypts it if a read key is set and decodes it.
//
// An error matching ErrMalformed means the frame was intact but held no
// decodable value; the stream is still usable. Any other error, including
// ErrDecrypt, leaves the stream in an unknown state.
func (c *Codec[S, R]) Recv() (R, error) {
	var zero R

	payload, err := ReadFrame(c.r)
	if err != nil {
		return zero, err
	}

	if env := c.readKey.Load(); env != nil {
		payload, err = env.Open(payload)
		if err != nil {
			return zero, err
		}
	}

	return c.decode(payload)
}

// SetReadKey installs a symmetric key for incoming frames
func (c *Codec[S, R]) SetReadKey(key []byte) error {
	env, err := NewEnvelope(key)
	if err != nil {
		return err
	}
	c.readKey.Store(env)
	return nil
}

// SetWriteKey installs a symmetric key for outgoing frames
func (c *Codec[S, R]) SetWriteKey(key []byte) error {
	env, err := NewEnvelope(key)
	if err != nil {
		return err
	}
	c.writeKey.Store(env)
	return nil
}

// SetKey installs the same symmetric key for both directions
func (c *Codec[S, R]) SetKey(key []byte) error {
	env, err := NewEnvelope(key)
	if err != nil {
		return err
	}
	c.readKey.Store(env)
	c.writeKey.Store(env)
	return nil
}

// Encrypted reports whether both directions are keyed
func (c *Codec[S, R]) Encrypted() bool {
	return c.readKey.Load() != nil && c.writeKey.Load() != nil
}

// IsFatal reports whether a Recv error ends the connection. Only a
// malformed-but-well-framed payload is recoverable.
func IsFatal(err error) bool {
	return err != nil && !errors.Is(err, ErrMalformed)
}
