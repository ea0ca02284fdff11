// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package codec

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"github.com/creachadair/nrpc/coerce"
	"github.com/creachadair/nrpc/method"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack constructs a codec that encodes arguments as a MessagePack map.
//
// Byte slices are carried natively. Integers decode as int64 or uint64 and
// floating-point values as float64. Struct fields are named by the tag
// selected in the coercion config ("json" by default), so that both formats
// agree on field names.
func MsgPack(cfg Config) Codec {
	tag := cfg.Coerce.TagName
	if tag == "" {
		tag = "json"
	}
	return msgpackCodec{
		conv:   coerce.New(cfg.Coerce),
		tag:    tag,
		sorted: !cfg.Features.Has(FeatureUnorderedMap),
	}
}

type msgpackCodec struct {
	conv   *coerce.Converter
	tag    string
	sorted bool
}

// Name implements part of the [Codec] interface.
func (msgpackCodec) Name() string { return "msgpack" }

func (c msgpackCodec) marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(c.sorted)
	enc.SetCustomStructTag(c.tag)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// unmarshal decodes exactly one value from data into v.
func (c msgpackCodec) unmarshal(data []byte, v any) error {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag(c.tag)
	if err := dec.Decode(v); err != nil {
		return err
	} else if r.Len() != 0 {
		return fmt.Errorf("unexpected %d bytes after value", r.Len())
	}
	return nil
}

// EncodeRequest implements part of the [Codec] interface.
func (c msgpackCodec) EncodeRequest(args []any, m *method.Descriptor) ([]byte, error) {
	if len(args) == 0 {
		return Empty, nil
	}
	data, err := c.marshal(argRecord(args, m))
	if err != nil {
		return nil, &EncodeError{Codec: c.Name(), Method: m.FullName(), Err: err}
	}
	return data, nil
}

// DecodeRequest implements part of the [Codec] interface.
func (c msgpackCodec) DecodeRequest(data []byte, m *method.Descriptor) ([]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var rec map[string]any
	if err := c.unmarshal(data, &rec); err != nil {
		return nil, &DecodeError{Codec: c.Name(), Method: m.FullName(), Err: err}
	} else if rec == nil {
		return nil, &DecodeError{Codec: c.Name(), Method: m.FullName(), Err: errors.New("payload is not a map")}
	}
	for k, v := range rec {
		rec[k] = widen(v)
	}
	return recordArgs(rec, m, c.conv), nil
}

// EncodeResponse implements part of the [Codec] interface.
func (c msgpackCodec) EncodeResponse(v any) ([]byte, error) {
	if v == nil {
		return Empty, nil
	}
	data, err := c.marshal(v)
	if err != nil {
		return nil, &EncodeError{Codec: c.Name(), Err: err}
	}
	return data, nil
}

// DecodeResponse implements part of the [Codec] interface.
func (c msgpackCodec) DecodeResponse(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := c.unmarshal(data, &v); err != nil {
		return nil, &DecodeError{Codec: c.Name(), Err: err}
	}
	return widen(v), nil
}

// widen replaces the sized numbers decoded by msgpack in v with int64, uint64
// (only above the int64 range), or float64. Binary values stay []byte.
func widen(v any) any {
	switch t := v.(type) {
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		if t <= math.MaxInt64 {
			return int64(t)
		}
	case float32:
		return float64(t)
	case []any:
		for i, e := range t {
			t[i] = widen(e)
		}
	case map[string]any:
		for k, e := range t {
			t[k] = widen(e)
		}
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			ks, ok := k.(string)
			if !ok {
				return t
			}
			out[ks] = widen(e)
		}
		return out
	}
	return v
}
