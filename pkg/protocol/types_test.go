package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestPrimitivesRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		u8 := rapid.Uint8().Draw(t, "u8")
		u16 := rapid.Uint16().Draw(t, "u16")
		u32 := rapid.Uint32().Draw(t, "u32")
		flag := rapid.Bool().Draw(t, "flag")
		s := rapid.String().Draw(t, "s")
		list := rapid.SliceOfN(rapid.String(), 0, 8).Draw(t, "list")
		blob := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, "blob")

		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint8(buf, u8))
		require.NoError(t, WriteUint16(buf, u16))
		require.NoError(t, WriteUint32(buf, u32))
		require.NoError(t, WriteBool(buf, flag))
		require.NoError(t, WriteString(buf, s))
		require.NoError(t, WriteStringList(buf, list))
		require.NoError(t, WriteBytes(buf, blob))

		gotU8, err := ReadUint8(buf)
		require.NoError(t, err)
		gotU16, err := ReadUint16(buf)
		require.NoError(t, err)
		gotU32, err := ReadUint32(buf)
		require.NoError(t, err)
		gotFlag, err := ReadBool(buf)
		require.NoError(t, err)
		gotS, err := ReadString(buf)
		require.NoError(t, err)
		gotList, err := ReadStringList(buf)
		require.NoError(t, err)
		gotBlob, err := ReadBytes(buf)
		require.NoError(t, err)

		assert.Equal(t, u8, gotU8)
		assert.Equal(t, u16, gotU16)
		assert.Equal(t, u32, gotU32)
		assert.Equal(t, flag, gotFlag)
		assert.Equal(t, s, gotS)
		assert.Equal(t, len(list), len(gotList))
		for i := range list {
			assert.Equal(t, list[i], gotList[i])
		}
		assert.Equal(t, len(blob), len(gotBlob))
		assert.True(t, bytes.Equal(blob, gotBlob))
		assert.Zero(t, buf.Len(), "every byte consumed")
	})
}

func TestWireLayoutIsBigEndian(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteUint16(buf, 0x0102))
	require.NoError(t, WriteUint32(buf, 0x03040506))
	require.NoError(t, WriteString(buf, "hi"))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 0, 2, 'h', 'i'}, buf.Bytes())
}

func TestStringLimits(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, WriteString(buf, strings.Repeat("a", 65535)))
	got, err := ReadString(buf)
	require.NoError(t, err)
	assert.Len(t, got, 65535)

	assert.Equal(t, ErrStringTooLong, WriteString(new(bytes.Buffer), strings.Repeat("a", 65536)))
	assert.Equal(t, ErrListTooLong, WriteStringList(new(bytes.Buffer), make([]string, 65536)))
}

func TestMalformedInput(t *testing.T) {
	t.Run("invalid utf8", func(t *testing.T) {
		_, err := ReadString(bytes.NewReader([]byte{0, 2, 0xff, 0xfe}))
		assert.Equal(t, ErrInvalidUTF8, err)
	})

	t.Run("truncated string", func(t *testing.T) {
		_, err := ReadString(bytes.NewReader([]byte{0, 5, 'a', 'b'}))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("truncated integer", func(t *testing.T) {
		_, err := ReadUint32(bytes.NewReader([]byte{1, 2}))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("blob length above limit", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint32(buf, MaxFrameSize+1))
		_, err := ReadBytes(buf)
		assert.Equal(t, ErrBlobTooLarge, err)
	})

	t.Run("list shorter than its count", func(t *testing.T) {
		buf := new(bytes.Buffer)
		require.NoError(t, WriteUint16(buf, 3))
		require.NoError(t, WriteString(buf, "only one"))
		_, err := ReadStringList(buf)
		assert.Error(t, err)
	})

	t.Run("empty reader", func(t *testing.T) {
		_, err := ReadUint8(bytes.NewReader(nil))
		assert.ErrorIs(t, err, io.EOF)
	})
}
