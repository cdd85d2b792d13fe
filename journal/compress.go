// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package journal

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// compressor holds the shared zstd coders. EncodeAll and DecodeAll are
// safe for concurrent use.
type compressor struct {
	threshold int
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
}

func newCompressor(threshold int) (*compressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("journal: zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("journal: zstd decoder: %w", err)
	}
	return &compressor{threshold: threshold, encoder: encoder, decoder: decoder}, nil
}

// compress returns the bytes to store. Output text goes through zstd
// and relayed radio payloads through lz4; anything below the threshold
// or that does not shrink is stored as is.
func (c *compressor) compress(kind Kind, payload []byte) ([]byte, Compression) {
	if c.threshold <= 0 || len(payload) < c.threshold {
		return payload, CompressionNone
	}
	switch kind {
	case KindOutput:
		compressed := c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		if len(compressed) < len(payload) {
			return compressed, CompressionZstd
		}
	case KindBroadcast:
		var buffer bytes.Buffer
		writer := lz4.NewWriter(&buffer)
		if _, err := writer.Write(payload); err != nil {
			return payload, CompressionNone
		}
		if err := writer.Close(); err != nil {
			return payload, CompressionNone
		}
		if buffer.Len() < len(payload) {
			return buffer.Bytes(), CompressionLZ4
		}
	}
	return payload, CompressionNone
}

func (c *compressor) decompress(compression Compression, stored []byte) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return stored, nil
	case CompressionZstd:
		payload, err := c.decoder.DecodeAll(stored, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		return payload, nil
	case CompressionLZ4:
		payload, err := io.ReadAll(lz4.NewReader(bytes.NewReader(stored)))
		if err != nil {
			return nil, fmt.Errorf("lz4: %w", err)
		}
		return payload, nil
	default:
		return nil, fmt.Errorf("unknown compression %d", compression)
	}
}

func (c *compressor) close() {
	c.encoder.Close()
	c.decoder.Close()
}
