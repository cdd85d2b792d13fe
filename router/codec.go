// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxMessageBytes bounds one framed message.
const DefaultMaxMessageBytes = 1 << 20

// ErrMessageTooLarge is returned for a frame exceeding the codec limit.
// The router treats it as a protocol violation and drops the peer.
var ErrMessageTooLarge = errors.New("router: message too large")

// Codec splits a peer's byte stream into messages and frames outbound
// messages. The payload is opaque to the router.
type Codec interface {
	ReadMessage(reader *bufio.Reader) ([]byte, error)
	WriteMessage(writer io.Writer, message []byte) error
}

// LengthPrefixed frames each message with a 4-byte big-endian length.
type LengthPrefixed struct {
	// MaxMessageBytes bounds the declared length. Zero selects
	// DefaultMaxMessageBytes.
	MaxMessageBytes int
}

func (c LengthPrefixed) limit() int {
	if c.MaxMessageBytes <= 0 {
		return DefaultMaxMessageBytes
	}
	return c.MaxMessageBytes
}

func (c LengthPrefixed) ReadMessage(reader *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(reader, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if uint64(length) > uint64(c.limit()) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, length, c.limit())
	}
	message := make([]byte, length)
	if _, err := io.ReadFull(reader, message); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return message, nil
}

func (c LengthPrefixed) WriteMessage(writer io.Writer, message []byte) error {
	if len(message) > c.limit() {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrMessageTooLarge, len(message), c.limit())
	}
	frame := make([]byte, 4+len(message))
	binary.BigEndian.PutUint32(frame, uint32(len(message)))
	copy(frame[4:], message)
	_, err := writer.Write(frame)
	return err
}
