// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package codec translates between method call arguments and wire payloads.
//
// A [Codec] encodes the positional arguments of a call as a record keyed by
// the declared parameter names of the method, and decodes such a record back
// into positional arguments of the declared types. Results are encoded as a
// bare value. A zero-length payload is the canonical encoding of "no
// arguments" and of "no result".
//
// Decoded records carry only the structural types the wire format can
// express. Where a decoded argument does not fit the declared parameter type,
// the codec converts it with a [coerce.Converter]; if conversion fails the
// decoded value is passed through and the caller decides whether the mismatch
// is fatal.
//
// The JSON and MessagePack formats are built in. Other formats may be added
// with [Register].
package codec

import (
	"fmt"
	"slices"
	"sync"

	"github.com/creachadair/nrpc/coerce"
	"github.com/creachadair/nrpc/method"
)

// Empty is the canonical payload for an empty argument list or a nil result.
var Empty = []byte{}

// A Codec encodes and decodes call arguments and results. Implementations
// must be safe for concurrent use by multiple goroutines.
type Codec interface {
	// Name reports the name of the wire format.
	Name() string

	// EncodeRequest encodes args as a record labelled by the parameter names
	// of m. Arguments whose parameter has no name are not transmitted. If
	// args is empty, the result is Empty.
	EncodeRequest(args []any, m *method.Descriptor) ([]byte, error)

	// DecodeRequest decodes a request payload into positional arguments
	// matching the parameters of m. If data is empty, it returns nil without
	// error. Parameters absent from the payload are nil.
	DecodeRequest(data []byte, m *method.Descriptor) ([]any, error)

	// EncodeResponse encodes a single result value. If v == nil, the result
	// is Empty.
	EncodeResponse(v any) ([]byte, error)

	// DecodeResponse decodes a result payload into a dynamic value. If data
	// is empty, it returns nil without error.
	DecodeResponse(data []byte) (any, error)
}

// Features are wire-format specific serializer options.
type Features uint

const (
	// FeatureUnorderedMap writes record fields in map iteration order instead
	// of sorting them by name.
	FeatureUnorderedMap Features = 1 << iota

	// FeatureNoHTMLEscape disables escaping of <, >, and & in JSON strings.
	FeatureNoHTMLEscape
)

// Has reports whether all the features in f2 are set in f.
func (f Features) Has(f2 Features) bool { return f&f2 == f2 }

// Config carries settings for constructing a codec.
type Config struct {
	// Format names the wire format. If empty, "json" is used.
	Format string

	// Features are serializer options for the format.
	Features Features

	// Coerce configures conversion of decoded arguments.
	Coerce coerce.Config

	// CompressAbove, if positive, wraps the codec with [Compress] so that
	// payloads of at least this many bytes are compressed.
	CompressAbove int
}

// A Constructor builds a codec from a configuration.
type Constructor func(Config) Codec

var registry = struct {
	sync.Mutex
	m map[string]Constructor
}{m: map[string]Constructor{
	"json":    JSON,
	"msgpack": MsgPack,
}}

// Register adds a named wire format. It panics if name is already registered.
func Register(name string, ctor Constructor) {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.m[name]; ok {
		panic(fmt.Sprintf("codec %q is already registered", name))
	}
	registry.m[name] = ctor
}

// Lookup returns the constructor for the named wire format, if any.
func Lookup(name string) (Constructor, bool) {
	registry.Lock()
	defer registry.Unlock()
	ctor, ok := registry.m[name]
	return ctor, ok
}

// Formats returns the names of the registered wire formats in order.
func Formats() []string {
	registry.Lock()
	defer registry.Unlock()
	names := make([]string, 0, len(registry.m))
	for name := range registry.m {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New constructs the codec described by cfg.
func New(cfg Config) (Codec, error) {
	format := cfg.Format
	if format == "" {
		format = "json"
	}
	ctor, ok := Lookup(format)
	if !ok {
		return nil, fmt.Errorf("unknown codec format %q", format)
	}
	c := ctor(cfg)
	if cfg.CompressAbove > 0 {
		return Compress(c, cfg.CompressAbove)
	}
	return c, nil
}

// DecodeError reports a payload that could not be decoded.
type DecodeError struct {
	Codec  string // the name of the codec
	Method string // the full method name, or "" for a response
	Err    error  // the underlying error
}

func (e *DecodeError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("%s: decode response: %v", e.Codec, e.Err)
	}
	return fmt.Sprintf("%s: decode request for %s: %v", e.Codec, e.Method, e.Err)
}

// Unwrap reports the underlying error of e.
func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a value that could not be encoded.
type EncodeError struct {
	Codec  string // the name of the codec
	Method string // the full method name, or "" for a response
	Err    error  // the underlying error
}

func (e *EncodeError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("%s: encode response: %v", e.Codec, e.Err)
	}
	return fmt.Sprintf("%s: encode request for %s: %v", e.Codec, e.Method, e.Err)
}

// Unwrap reports the underlying error of e.
func (e *EncodeError) Unwrap() error { return e.Err }

func methodName(m *method.Descriptor) string {
	if m == nil {
		return ""
	}
	return m.FullName()
}

// argRecord labels args with the parameter names of m. Positions without a
// name are omitted; nil values are kept.
func argRecord(args []any, m *method.Descriptor) map[string]any {
	rec := make(map[string]any, len(args))
	for i, name := range m.ParamNames {
		if name == "" || i >= len(args) {
			continue
		}
		rec[name] = args[i]
	}
	return rec
}

// recordArgs places the fields of rec at the positions of the matching
// parameters of m, converting values that do not fit the declared types.
func recordArgs(rec map[string]any, m *method.Descriptor, conv *coerce.Converter) []any {
	args := make([]any, m.Arity())
	for i, name := range m.ParamNames {
		if name == "" {
			continue
		}
		v, ok := rec[name]
		if !ok {
			continue
		}
		if conv.NeedsCast(v, m.ParamTypes[i]) {
			v = conv.Cast(v, m.ParamTypes[i])
		}
		args[i] = v
	}
	return args
}
