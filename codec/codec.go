// Package codec implements the ChatBridge transport codec: a symmetric AES-CBC
// payload cipher and the 4-byte length-prefixed framing used on the relay
// hub connection.
package codec

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrCiphertext is returned when an inbound payload is not valid hex-encoded
// ciphertext of a whole number of cipher blocks.
var ErrCiphertext = errors.New("codec: invalid ciphertext")

// Codec encrypts outbound payloads and decrypts inbound ones.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode encrypts plaintext into the bytes placed inside a frame.
	//
	// Parameters:
	//   - plaintext: The payload to encrypt; not modified
	//
	// Returns:
	//   - The encoded payload
	//   - An error if encryption fails
	Encode(plaintext []byte) ([]byte, error)

	// Decode reverses Encode.
	//
	// Parameters:
	//   - payload: The bytes read from a frame
	//
	// Returns:
	//   - The decrypted plaintext
	//   - ErrCiphertext (wrapped) if payload is malformed
	Decode(payload []byte) ([]byte, error)
}

// AESCodec is the hub's shared-secret cipher. The key is the configured
// aes_key zero-padded to an AES key size, the IV is the first block of the
// key, plaintext is zero-padded to the block size and the ciphertext travels
// hex-encoded.
type AESCodec struct {
	block cipher.Block
	iv    []byte
}

// NewAESCodec builds an AESCodec from the shared secret.
//
// Parameters:
//   - key: The aes_key from configuration; must be non-empty. Keys shorter
//     than 16 bytes are zero-padded, keys longer than 32 bytes are truncated.
//
// Returns:
//   - A ready AESCodec
//   - An error if key is empty
func NewAESCodec(key string) (*AESCodec, error) {
	if key == "" {
		return nil, fmt.Errorf("codec: empty aes key")
	}

	k := normalizeKey([]byte(key))
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	copy(iv, k)

	return &AESCodec{block: block, iv: iv}, nil
}

func normalizeKey(key []byte) []byte {
	size := 16
	switch {
	case len(key) > 24:
		size = 32
	case len(key) > 16:
		size = 24
	}

	k := make([]byte, size)
	copy(k, key)
	return k
}

// Encode implements Codec.
func (c *AESCodec) Encode(plaintext []byte) ([]byte, error) {
	padded := zeroPad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)

	encoded := make([]byte, hex.EncodedLen(len(out)))
	hex.Encode(encoded, out)
	return encoded, nil
}

// Decode implements Codec.
func (c *AESCodec) Decode(payload []byte) ([]byte, error) {
	raw := make([]byte, hex.DecodedLen(len(payload)))
	if _, err := hex.Decode(raw, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}

	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of the block size", ErrCiphertext, len(raw))
	}

	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(out, raw)
	return bytes.TrimRight(out, "\x00"), nil
}

// zeroPad pads data with zero bytes up to a multiple of size. An empty input
// still yields one full block.
func zeroPad(data []byte, size int) []byte {
	n := len(data)
	if n == 0 || n%size != 0 {
		n += size - n%size
	}

	padded := make([]byte, n)
	copy(padded, data)
	return padded
}
