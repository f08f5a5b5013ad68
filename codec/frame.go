package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// MaxFrameSize bounds the payload length accepted from the wire.
const MaxFrameSize = 16 * 1024 * 1024

// ErrFrameTooLarge is returned when a frame header announces more than MaxFrameSize bytes.
var ErrFrameTooLarge = errors.New("codec: frame too large")

// headerSize is the length of the little-endian uint32 frame prefix.
const headerSize = 4

// WriteFrame writes payload prefixed with its 4-byte little-endian length.
// Header and payload go out in a single vectored write.
//
// Parameters:
//   - w: Destination writer, usually a net.Conn
//   - payload: The already-encoded frame body
//
// Returns:
//   - An error if the payload is too large or the write fails
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header, uint32(len(payload)))

	buffers := net.Buffers{header, payload}
	_, err := buffers.WriteTo(w)
	return err
}

// ReadFrame reads one length-prefixed frame. Zero-length frames are skipped.
//
// Parameters:
//   - r: Source reader, usually a net.Conn
//
// Returns:
//   - The frame body
//   - io.EOF / the reader's error, or ErrFrameTooLarge
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return nil, err
		}

		length := binary.LittleEndian.Uint32(header)
		if length == 0 {
			continue
		}

		if length > MaxFrameSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
		}

		packet := make([]byte, length)
		if _, err := io.ReadFull(r, packet); err != nil {
			return nil, err
		}

		return packet, nil
	}
}

// WriteMessage encodes plaintext with c and writes it as one frame.
func WriteMessage(w io.Writer, c Codec, plaintext []byte) error {
	payload, err := c.Encode(plaintext)
	if err != nil {
		return err
	}

	return WriteFrame(w, payload)
}

// ReadMessage reads one frame from r and decodes it with c.
func ReadMessage(r io.Reader, c Codec) ([]byte, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}

	return c.Decode(payload)
}
