package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"unicode/utf8"
)

// maxShort bounds everything carried behind a uint16 prefix: string bytes
// and list entries
const maxShort = math.MaxUint16

var (
	ErrStringTooLong = errors.New("string exceeds maximum length (65535 bytes)")
	ErrInvalidUTF8   = errors.New("invalid UTF-8 string")
	ErrBlobTooLarge  = errors.New("byte blob exceeds maximum frame size")
	ErrListTooLong   = errors.New("list exceeds maximum length (65535 entries)")
)

// All integers are big-endian.

func WriteUint8(w io.Writer, v uint8) error {
	b := [1]byte{v}
	_, err := w.Write(b[:])
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	return b[0], err
}

func WriteUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func ReadUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// WriteBool writes 0x01 for true and 0x00 for false
func WriteBool(w io.Writer, v bool) error {
	var b uint8
	if v {
		b = 1
	}
	return WriteUint8(w, b)
}

// ReadBool treats any non-zero byte as true
func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadUint8(r)
	return b != 0, err
}

// writePrefixed writes data after its length, which the caller has bounded
func writePrefixed(w io.Writer, data []byte, prefix func(io.Writer) error) error {
	if err := prefix(w); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

func readN(r io.Reader, n int) ([]byte, error) {
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteString writes a uint16 byte length followed by the UTF-8 bytes
func WriteString(w io.Writer, s string) error {
	if len(s) > maxShort {
		return ErrStringTooLong
	}
	return writePrefixed(w, []byte(s), func(w io.Writer) error {
		return WriteUint16(w, uint16(len(s)))
	})
}

// ReadString rejects bytes that are not valid UTF-8
func ReadString(r io.Reader) (string, error) {
	n, err := ReadUint16(r)
	if err != nil || n == 0 {
		return "", err
	}
	data, err := readN(r, int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", ErrInvalidUTF8
	}
	return string(data), nil
}

// WriteBytes writes a uint32 length followed by the blob. Blobs never
// exceed MaxFrameSize since they travel inside one frame.
func WriteBytes(w io.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return ErrBlobTooLarge
	}
	return writePrefixed(w, b, func(w io.Writer) error {
		return WriteUint32(w, uint32(len(b)))
	})
}

// ReadBytes checks the declared length before allocating
func ReadBytes(r io.Reader) ([]byte, error) {
	n, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if n > MaxFrameSize {
		return nil, ErrBlobTooLarge
	}
	if n == 0 {
		return []byte{}, nil
	}
	return readN(r, int(n))
}

// WriteStringList writes a uint16 entry count, then each string
func WriteStringList(w io.Writer, list []string) error {
	if len(list) > maxShort {
		return ErrListTooLong
	}
	if err := WriteUint16(w, uint16(len(list))); err != nil {
		return err
	}
	for _, s := range list {
		if err := WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func ReadStringList(r io.Reader) ([]string, error) {
	n, err := ReadUint16(r)
	if err != nil {
		return nil, err
	}
	list := make([]string, n)
	for i := range list {
		if list[i], err = ReadString(r); err != nil {
			return nil, err
		}
	}
	return list, nil
}
