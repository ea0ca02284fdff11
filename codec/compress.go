// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"fmt"

	"github.com/creachadair/nrpc/method"
	"github.com/klauspost/compress/zstd"
)

// Payload markers for a compressed codec. Each non-empty payload begins with
// one of these bytes.
const (
	markPlain byte = 'p'
	markZstd  byte = 'z'
)

// maxDecodedSize bounds the memory a single compressed payload may expand to.
const maxDecodedSize = 64 << 20

// Compress wraps inner so that encoded payloads of at least minSize bytes are
// compressed with zstd. Smaller payloads are sent uncompressed behind a
// one-byte marker. The canonical empty payload is not marked.
func Compress(inner Codec, minSize int) (Codec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &compressed{inner: inner, min: minSize, enc: enc, dec: dec}, nil
}

type compressed struct {
	inner Codec
	min   int
	enc   *zstd.Encoder
	dec   *zstd.Decoder
}

// Name implements part of the [Codec] interface.
func (c *compressed) Name() string { return c.inner.Name() + "+zstd" }

func (c *compressed) pack(data []byte) []byte {
	if len(data) == 0 {
		return Empty
	} else if len(data) < c.min {
		return append([]byte{markPlain}, data...)
	}
	return c.enc.EncodeAll(data, []byte{markZstd})
}

func (c *compressed) unpack(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return Empty, nil
	}
	switch data[0] {
	case markPlain:
		return data[1:], nil
	case markZstd:
		return c.dec.DecodeAll(data[1:], nil)
	default:
		return nil, fmt.Errorf("invalid payload marker %q", data[0])
	}
}

// EncodeRequest implements part of the [Codec] interface.
func (c *compressed) EncodeRequest(args []any, m *method.Descriptor) ([]byte, error) {
	data, err := c.inner.EncodeRequest(args, m)
	if err != nil {
		return nil, err
	}
	return c.pack(data), nil
}

// DecodeRequest implements part of the [Codec] interface.
func (c *compressed) DecodeRequest(data []byte, m *method.Descriptor) ([]any, error) {
	raw, err := c.unpack(data)
	if err != nil {
		return nil, &DecodeError{Codec: c.Name(), Method: methodName(m), Err: err}
	}
	return c.inner.DecodeRequest(raw, m)
}

// EncodeResponse implements part of the [Codec] interface.
func (c *compressed) EncodeResponse(v any) ([]byte, error) {
	data, err := c.inner.EncodeResponse(v)
	if err != nil {
		return nil, err
	}
	return c.pack(data), nil
}

// DecodeResponse implements part of the [Codec] interface.
func (c *compressed) DecodeResponse(data []byte) (any, error) {
	raw, err := c.unpack(data)
	if err != nil {
		return nil, &DecodeError{Codec: c.Name(), Err: err}
	}
	return c.inner.DecodeResponse(raw)
}
