// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package nrpc

import (
	"cmp"
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"

	"github.com/creachadair/nrpc/codec"
	"github.com/creachadair/nrpc/method"
)

// Error codes reported in the [ErrorData] of a failed call by a [Server].
const (
	ErrDecode      uint16 = 1 // the request payload could not be decoded
	ErrBadArgument uint16 = 2 // an argument does not fit its parameter type
	ErrEncode      uint16 = 3 // the result could not be encoded
	ErrPanic       uint16 = 4 // the method panicked
)

// A Server dispatches calls to methods implemented as Go functions. Arguments
// and results are translated by a [codec.Codec]. A Server is safe for
// concurrent use by multiple goroutines.
//
// Use [Server.Handle] to add methods and [Server.Bind] to serve them on a
// peer. Methods can also be called locally with [Server.Exec].
type Server struct {
	codec   codec.Codec
	metrics *serverCounters

	μ       sync.RWMutex
	methods map[string]*serverMethod // full name → method
	log     *slog.Logger
}

type serverMethod struct {
	desc *method.Descriptor
	fn   reflect.Value
}

// NewServer constructs a server with no methods that uses c to decode
// arguments and encode results.
func NewServer(c codec.Codec) *Server {
	return &Server{
		codec:   c,
		metrics: newServerCounters(),
		methods: make(map[string]*serverMethod),
		log:     slog.Default(),
	}
}

// Codec returns the codec used by s.
func (s *Server) Codec() codec.Codec { return s.codec }

// Metrics returns a metrics map for the server.
func (s *Server) Metrics() *expvar.Map { return s.metrics.emap }

// SetLogger sets the logger used to report failures in dispatch. If lg == nil,
// the default logger is used. SetLogger returns s to permit chaining.
func (s *Server) SetLogger(lg *slog.Logger) *Server {
	s.μ.Lock()
	defer s.μ.Unlock()
	if lg == nil {
		lg = slog.Default()
	}
	s.log = lg
	return s
}

func (s *Server) logger() *slog.Logger {
	s.μ.RLock()
	defer s.μ.RUnlock()
	return s.log
}

// Handle registers fn as the implementation of method service.name, with the
// given parameter names. See [method.Of] for the signatures fn may have.
// Registering a name again replaces the previous method, and passing a nil fn
// removes it. Handle returns s to permit chaining.
//
// Handle panics if fn is not a valid method, or if the full method name is
// longer than [MaxMethodLen].
func (s *Server) Handle(service, name string, fn any, names ...string) *Server {
	full := service + "." + name
	if len(full) > MaxMethodLen {
		panic(fmt.Sprintf("method name too long (%d > %d bytes)", len(full), MaxMethodLen))
	}
	s.μ.Lock()
	defer s.μ.Unlock()
	if fn == nil {
		delete(s.methods, full)
		return s
	}
	d, err := method.Of(service, name, fn, names...)
	if err != nil {
		panic(err)
	}
	s.methods[full] = &serverMethod{desc: d, fn: reflect.ValueOf(fn)}
	return s
}

// Method returns the descriptor for the named method, if it is registered.
func (s *Server) Method(fullName string) (*method.Descriptor, bool) {
	s.μ.RLock()
	defer s.μ.RUnlock()
	m, ok := s.methods[fullName]
	if !ok {
		return nil, false
	}
	return m.desc, true
}

// Methods returns the descriptors of all registered methods, ordered by their
// full names.
func (s *Server) Methods() []*method.Descriptor {
	s.μ.RLock()
	defer s.μ.RUnlock()
	out := make([]*method.Descriptor, 0, len(s.methods))
	for _, m := range s.methods {
		out = append(out, m.desc)
	}
	slices.SortFunc(out, func(a, b *method.Descriptor) int {
		return cmp.Compare(a.FullName(), b.FullName())
	})
	return out
}

// Bind installs s as the wildcard handler of p, so that every request to p
// not claimed by a more specific handler is dispatched to s. Methods added to
// s after Bind are visible to p. Bind returns p to permit chaining.
func (s *Server) Bind(p *Peer) *Peer {
	return p.Handle("", func(ctx context.Context, req *Request) ([]byte, error) {
		return s.Exec(ctx, req.Method, req.Data)
	})
}

// Exec calls the named method with the encoded arguments in data, and returns
// the encoded result.
//
// If no such method exists, Exec reports an unknown-method error (see
// [IsUnknownMethod]). If the arguments cannot be decoded or do not fit the
// method parameters, Exec reports an [ErrorData] with code [ErrDecode] or
// [ErrBadArgument]. Otherwise it reports the error returned by the method, if
// any. Arguments absent from data are passed as zero values.
func (s *Server) Exec(ctx context.Context, fullName string, data []byte) ([]byte, error) {
	s.μ.RLock()
	m, ok := s.methods[fullName]
	s.μ.RUnlock()
	if !ok {
		return nil, errUnknownMethod{fullName}
	}
	s.metrics.dispatched.Add(1)

	args, err := s.codec.DecodeRequest(data, m.desc)
	if err != nil {
		s.metrics.decodeFailed.Add(1)
		s.logger().Debug("decode request failed", "method", fullName, "codec", s.codec.Name(), "err", err)
		return nil, &ErrorData{Code: ErrDecode, Message: err.Error()}
	}
	in, err := m.arguments(ctx, args)
	if err != nil {
		s.metrics.argFailed.Add(1)
		s.logger().Debug("invalid arguments", "method", fullName, "err", err)
		return nil, &ErrorData{Code: ErrBadArgument, Message: err.Error()}
	}

	result, err := s.invoke(m, in)
	if err != nil {
		return nil, err
	}
	out, err := s.codec.EncodeResponse(result)
	if err != nil {
		s.metrics.encodeFailed.Add(1)
		s.logger().Error("encode result failed", "method", fullName, "codec", s.codec.Name(), "err", err)
		return nil, &ErrorData{Code: ErrEncode, Message: err.Error()}
	}
	return out, nil
}

// arguments constructs the reflected argument list for a call of m. Missing
// and nil arguments become zero values.
func (m *serverMethod) arguments(ctx context.Context, args []any) ([]reflect.Value, error) {
	d := m.desc
	if len(args) > d.Arity() {
		return nil, fmt.Errorf("got %d arguments, want at most %d", len(args), d.Arity())
	}
	in := make([]reflect.Value, 0, d.Arity()+1)
	if d.Context {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i, t := range d.ParamTypes {
		var v any
		if i < len(args) {
			v = args[i]
		}
		if v == nil {
			in = append(in, reflect.Zero(t))
			continue
		}
		rv := reflect.ValueOf(v)
		if !rv.Type().AssignableTo(t) {
			return nil, fmt.Errorf("argument %d (%s): got %T, want %v", i, d.ParamNames[i], v, t)
		}
		in = append(in, rv)
	}
	return in, nil
}

// invoke calls m with the given arguments, and reports its result and error.
// A panic in m is recovered and reported as an error.
func (s *Server) invoke(m *serverMethod, in []reflect.Value) (result any, err error) {
	defer func() {
		if x := recover(); x != nil {
			s.metrics.handlerPanics.Add(1)
			s.logger().Error("method panicked", "method", m.desc.FullName(), "panic", x)
			result, err = nil, &ErrorData{Code: ErrPanic, Message: fmt.Sprintf("method panicked: %v", x)}
		}
	}()
	out := m.fn.Call(in)
	d := m.desc
	if d.Error {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
	}
	if d.Result != nil {
		return resultValue(out[0]), nil
	}
	return nil, nil
}

// resultValue returns the dynamic value of v, or nil if v is a nil pointer,
// map, slice, or interface.
func resultValue(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		if v.IsNil() {
			return nil
		}
	}
	return v.Interface()
}
