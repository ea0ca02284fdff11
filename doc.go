// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package nrpc implements a small remote procedure call system whose methods
// are ordinary Go functions.
//
// Peers exchange binary packets over a shared reliable channel. A request
// names a method as "service.method" and carries its arguments encoded by a
// pluggable [codec.Codec] as a record keyed by parameter name. The callee
// decodes the record, converts each argument to the declared parameter type
// where needed, calls the method, and encodes its result.
//
// # Peers
//
// The transport type defined by this package is the [Peer]. Peers
// concurrently initiate and service calls with another peer over a [Channel].
//
// To create a new, unstarted peer:
//
//	p := nrpc.NewPeer()
//
// To start the service routine, call the Start method with a channel connected
// to another peer:
//
//	p.Start(ch)
//
// The peer runs until [Peer.Stop] is called, the channel is closed by the
// remote peer, or a protocol fatal error occurs. Call [Peer.Wait] to wait for
// the peer to exit and return its status:
//
//	if err := p.Wait(); err != nil {
//	   log.Fatalf("Peer failed: %v", err)
//	}
//
// The channel package provides implementations of [Channel], and the peers
// package has helpers to connect and serve peers.
//
// # Servers
//
// A [Server] holds a set of methods and dispatches requests to them:
//
//	srv := nrpc.NewServer(codec.JSON(codec.Config{}))
//	srv.Handle("Math", "add", func(a, b int) int { return a + b }, "a", "b")
//	srv.Bind(p)
//
// A method may take a leading context.Context and may report an error as its
// last result. Parameters absent from a request are passed as zero values.
//
// # Clients
//
// A [Client] encodes calls to a remote server. Each call names the method by
// its [method.Descriptor], which supplies the parameter names for encoding:
//
//	add := method.MustOf("Math", "add", func(a, b int) int { return 0 }, "a", "b")
//	cli := nrpc.NewClient(p, codec.JSON(codec.Config{}))
//	sum, err := nrpc.As[int](cli.Call(ctx, add, 2, 3))
//
// # Packets
//
// Each packet has an 8-byte header: the magic bytes "NR", a protocol version,
// a packet type, and the payload length as a big-endian uint32. Payloads
// longer than [MaxPayloadLen] are rejected. The request, response, and cancel
// payloads are described by [Request], [Response], and [Cancel].
package nrpc
