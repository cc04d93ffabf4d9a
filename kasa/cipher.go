package kasa

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// seed is the key for the first byte of every message.
const seed byte = 171

// maxMessage bounds decoded replies.
const maxMessage = 64 << 10

var errMessageTooLarge = errors.New("kasa message too large")

// Encode encrypts plain and prefixes it with its 4 byte big-endian length.
// Every cipher byte is the plain byte XOR the previous cipher byte.
func Encode(plain []byte) []byte {
	out := make([]byte, 4+len(plain))
	binary.BigEndian.PutUint32(out, uint32(len(plain)))
	key := seed
	for i, b := range plain {
		key ^= b
		out[4+i] = key
	}
	return out
}

// Decode reverses Encode. Trailing bytes beyond the declared length are
// ignored, and a short message is decoded as far as it goes.
func Decode(msg []byte) []byte {
	if len(msg) < 4 {
		return nil
	}
	n := int(binary.BigEndian.Uint32(msg))
	body := msg[4:]
	if n < len(body) {
		body = body[:n]
	}
	return decrypt(body)
}

func decrypt(body []byte) []byte {
	out := make([]byte, len(body))
	key := seed
	for i, b := range body {
		out[i] = key ^ b
		key = b
	}
	return out
}

// ReadMessage reads one length-prefixed message from r and returns the
// decrypted payload.
func ReadMessage(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxMessage {
		return nil, fmt.Errorf("%w: %d bytes", errMessageTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return decrypt(body), nil
}
