package protocol

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	return key
}

func TestCodecEncryptedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	client := NewClientCodec(&buf)
	server := NewServerCodec(&buf)

	key := testKey(t)
	require.NoError(t, client.SetKey(key))
	require.NoError(t, server.SetKey(key))
	assert.True(t, client.Encrypted())

	require.NoError(t, client.Send(&ConnectRequest{Nickname: "alice"}))

	// The nickname must not appear on the wire
	assert.False(t, bytes.Contains(buf.Bytes(), []byte("alice")))

	req, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, &ConnectRequest{Nickname: "alice"}, req)
}

func TestCodecDecryptFailureIsFatal(t *testing.T) {
	var buf bytes.Buffer
	client := NewClientCodec(&buf)
	server := NewServerCodec(&buf)

	require.NoError(t, client.SetKey(testKey(t)))
	require.NoError(t, server.SetKey(testKey(t)))

	require.NoError(t, client.Send(&JoinRoomRequest{Room: "general"}))

	_, err := server.Recv()
	assert.ErrorIs(t, err, ErrDecrypt)
	assert.True(t, IsFatal(err))
}

func TestCodecPlaintextExpectedKeyedFrame(t *testing.T) {
	var buf bytes.Buffer
	client := NewClientCodec(&buf)
	server := NewServerCodec(&buf)

	require.NoError(t, server.SetKey(testKey(t)))
	require.NoError(t, client.Send(&JoinRoomRequest{Room: "general"}))

	_, err := server.Recv()
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestCodecMalformedIsRecoverable(t *testing.T) {
	var buf bytes.Buffer
	server := NewServerCodec(&buf)

	require.NoError(t, WriteFrame(&buf, []byte{0x7F, 0x01}))
	payload, err := EncodeRequest(&ConnectRequest{Nickname: "bob"})
	require.NoError(t, err)
	require.NoError(t, WriteFrame(&buf, payload))

	_, err = server.Recv()
	assert.ErrorIs(t, err, ErrMalformed)
	assert.False(t, IsFatal(err))

	// The next frame is still readable
	req, err := server.Recv()
	require.NoError(t, err)
	assert.Equal(t, &ConnectRequest{Nickname: "bob"}, req)
}

func TestCodecTransportErrors(t *testing.T) {
	t.Run("clean close", func(t *testing.T) {
		server := NewServerCodec(new(bytes.Buffer))
		_, err := server.Recv()
		assert.Equal(t, io.EOF, err)
		assert.True(t, IsFatal(err))
	})

	t.Run("closed pipe on write", func(t *testing.T) {
		a, b := net.Pipe()
		b.Close()
		defer a.Close()

		server := NewServerCodec(a)
		err := server.Send(&AckResponse{})
		assert.True(t, errors.Is(err, io.ErrClosedPipe))
	})
}

func TestCodecInvalidKey(t *testing.T) {
	codec := NewServerCodec(new(bytes.Buffer))
	assert.Equal(t, ErrInvalidKey, codec.SetKey([]byte{1, 2, 3}))
	assert.False(t, codec.Encrypted())
}

func TestCodecIndependentDirections(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	client := NewClientCodec(a)
	server := NewServerCodec(b)
	key := testKey(t)

	// Client reads encrypted before it writes encrypted
	require.NoError(t, client.SetReadKey(key))
	assert.False(t, client.Encrypted())

	go func() {
		server.SetKey(key)
		server.Send(&AckResponse{})
	}()

	resp, err := client.Recv()
	require.NoError(t, err)
	assert.Equal(t, &AckResponse{}, resp)

	require.NoError(t, client.SetWriteKey(key))
	assert.True(t, client.Encrypted())
}
