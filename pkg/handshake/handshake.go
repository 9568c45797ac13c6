package handshake

import (
	"fmt"

	"github.com/aeolun/minichat/pkg/protocol"
)

// ServerUpgrade runs the server side of the handshake after the session has
// received hello as its first request. On success both codec directions are
// keyed and the final Ack has already gone out encrypted. Any error is a
// security error and the connection must be closed.
func ServerUpgrade(codec *protocol.ServerCodec, hello *protocol.SecureHelloRequest) error {
	kp, err := GenerateKeypair()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	combined, err := kp.Combine(hello.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	if err := codec.Send(&protocol.SecureHelloResponse{PublicKey: kp.PublicBytes()}); err != nil {
		return fmt.Errorf("%w: failed to send server hello: %w", ErrHandshake, err)
	}

	req, err := codec.Recv()
	if err != nil {
		return fmt.Errorf("%w: failed to read shared key: %w", ErrHandshake, err)
	}
	shared, ok := req.(*protocol.SharedKeyRequest)
	if !ok {
		return fmt.Errorf("%w: expected SHARED_KEY, got %s", ErrHandshake, protocol.TypeName(req.Type()))
	}

	key, err := combined.Open(shared.Encrypted)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := codec.SetKey(key); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	if err := codec.Send(&protocol.AckResponse{}); err != nil {
		return fmt.Errorf("%w: failed to send ack: %w", ErrHandshake, err)
	}
	return nil
}

// ClientUpgrade runs the client side of the handshake. It must be the first
// exchange on the connection.
func ClientUpgrade(codec *protocol.ClientCodec) error {
	kp, err := GenerateKeypair()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	if err := codec.Send(&protocol.SecureHelloRequest{PublicKey: kp.PublicBytes()}); err != nil {
		return fmt.Errorf("%w: failed to send client hello: %w", ErrHandshake, err)
	}

	resp, err := codec.Recv()
	if err != nil {
		return fmt.Errorf("%w: failed to read server hello: %w", ErrHandshake, err)
	}
	hello, ok := resp.(*protocol.SecureHelloResponse)
	if !ok {
		return fmt.Errorf("%w: expected SECURE_HELLO_REPLY, got %s", ErrHandshake, describe(resp))
	}

	combined, err := kp.Combine(hello.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	key, err := protocol.GenerateKey()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	sealed, err := combined.Seal(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	// The server keys both directions before acknowledging, so the Ack
	// arrives encrypted.
	if err := codec.SetReadKey(key); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := codec.Send(&protocol.SharedKeyRequest{Encrypted: sealed}); err != nil {
		return fmt.Errorf("%w: failed to send shared key: %w", ErrHandshake, err)
	}

	resp, err = codec.Recv()
	if err != nil {
		return fmt.Errorf("%w: failed to read ack: %w", ErrHandshake, err)
	}
	if _, ok := resp.(*protocol.AckResponse); !ok {
		return fmt.Errorf("%w: expected ACK, got %s", ErrHandshake, describe(resp))
	}

	return codec.SetWriteKey(key)
}

func describe(resp protocol.Response) string {
	if e, ok := resp.(*protocol.ErrorResponse); ok {
		return fmt.Sprintf("ERROR %q", e.Message)
	}
	return protocol.TypeName(resp.Type())
}
