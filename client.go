// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

package nrpc

import (
	"context"
	"fmt"

	"github.com/creachadair/nrpc/codec"
	"github.com/creachadair/nrpc/coerce"
	"github.com/creachadair/nrpc/method"
)

// A Client calls methods on a remote [Server] through a peer, encoding
// arguments and decoding results with a [codec.Codec]. The codec must match
// the one used by the server.
type Client struct {
	peer  *Peer
	codec codec.Codec
	conv  *coerce.Converter
}

// NewClient constructs a client that sends calls via p using codec c.
func NewClient(p *Peer, c codec.Codec) *Client {
	return &Client{peer: p, codec: c, conv: coerce.Default}
}

// WithCoerce sets the configuration used to convert decoded results to the
// declared result types of methods. It returns c to permit chaining.
func (c *Client) WithCoerce(cfg coerce.Config) *Client {
	c.conv = coerce.New(cfg)
	return c
}

// Peer returns the peer used by c.
func (c *Client) Peer() *Peer { return c.peer }

// Codec returns the codec used by c.
func (c *Client) Codec() codec.Codec { return c.codec }

// Call calls the method described by m with the given arguments, and returns
// its decoded result. Arguments are matched to the parameters of m by
// position; if there are fewer arguments than parameters, the rest are sent
// as absent. If m declares a result type, the result is converted to that
// type where possible.
//
// Errors from the transport and from the remote method have concrete type
// *CallError.
func (c *Client) Call(ctx context.Context, m *method.Descriptor, args ...any) (any, error) {
	if len(args) > m.Arity() {
		return nil, fmt.Errorf("call %s: got %d arguments, want at most %d", m.FullName(), len(args), m.Arity())
	}
	data, err := c.codec.EncodeRequest(args, m)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", m.FullName(), err)
	}
	rsp, err := c.peer.Call(ctx, m.FullName(), data)
	if err != nil {
		return nil, err
	}
	v, err := c.codec.DecodeResponse(rsp.Data)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", m.FullName(), err)
	}
	if m.Result != nil {
		v = c.conv.Cast(v, m.Result)
	}
	return v, nil
}

// As converts the result of a call to type T. If err != nil, As returns err.
// A nil result yields the zero value of T. It is intended to wrap a call to
// [Client.Call]:
//
//	ok, err := nrpc.As[bool](cli.Call(ctx, existMethod, "key"))
func As[T any](v any, err error) (T, error) {
	var zero T
	if err != nil {
		return zero, err
	} else if v == nil {
		return zero, nil
	}
	return coerce.To[T](coerce.Default, v)
}
