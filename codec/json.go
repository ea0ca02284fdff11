// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"bytes"
	"errors"
	"io"
	"strconv"

	"github.com/creachadair/nrpc/coerce"
	"github.com/creachadair/nrpc/method"
	"github.com/goccy/go-json"
)

// JSON constructs a codec that encodes arguments as a JSON object.
//
// Numbers are decoded as int64 when they are integral and fit, as uint64 for
// integers above the int64 range, otherwise as float64. Byte slices are
// written as base64 strings, and decoded back to []byte where the declared
// parameter type asks for it.
func JSON(cfg Config) Codec {
	c := jsonCodec{conv: coerce.New(cfg.Coerce)}
	if cfg.Features.Has(FeatureUnorderedMap) {
		c.opts = append(c.opts, json.UnorderedMap())
	}
	if cfg.Features.Has(FeatureNoHTMLEscape) {
		c.opts = append(c.opts, json.DisableHTMLEscape())
	}
	return c
}

type jsonCodec struct {
	conv *coerce.Converter
	opts []json.EncodeOptionFunc
}

// Name implements part of the [Codec] interface.
func (jsonCodec) Name() string { return "json" }

// EncodeRequest implements part of the [Codec] interface.
func (c jsonCodec) EncodeRequest(args []any, m *method.Descriptor) ([]byte, error) {
	if len(args) == 0 {
		return Empty, nil
	}
	data, err := json.MarshalWithOption(argRecord(args, m), c.opts...)
	if err != nil {
		return nil, &EncodeError{Codec: c.Name(), Method: m.FullName(), Err: err}
	}
	return data, nil
}

// DecodeRequest implements part of the [Codec] interface.
func (c jsonCodec) DecodeRequest(data []byte, m *method.Descriptor) ([]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var rec map[string]any
	if err := decodeJSON(data, &rec); err != nil {
		return nil, &DecodeError{Codec: c.Name(), Method: m.FullName(), Err: err}
	} else if rec == nil {
		return nil, &DecodeError{Codec: c.Name(), Method: m.FullName(), Err: errors.New("payload is not an object")}
	}
	for k, v := range rec {
		rec[k] = normalize(v)
	}
	return recordArgs(rec, m, c.conv), nil
}

// EncodeResponse implements part of the [Codec] interface.
func (c jsonCodec) EncodeResponse(v any) ([]byte, error) {
	if v == nil {
		return Empty, nil
	}
	data, err := json.MarshalWithOption(v, c.opts...)
	if err != nil {
		return nil, &EncodeError{Codec: c.Name(), Err: err}
	}
	return data, nil
}

// DecodeResponse implements part of the [Codec] interface.
func (c jsonCodec) DecodeResponse(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := decodeJSON(data, &v); err != nil {
		return nil, &DecodeError{Codec: c.Name(), Err: err}
	}
	return normalize(v), nil
}

// decodeJSON decodes exactly one JSON value from data into v.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return errors.New("unexpected data after value")
	}
	return nil
}

// normalize replaces json.Number values in v with int64, uint64, or float64.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		} else if u, err := strconv.ParseUint(t.String(), 10, 64); err == nil {
			return u
		} else if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
	}
	return v
}
