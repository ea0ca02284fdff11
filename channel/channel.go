// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the nrpc.Channel interface.
package channel

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/creachadair/nrpc"
)

// Direct constructs a connected pair of in-memory channels that pass packets
// directly without encoding into binary. Packets sent to A are received by B
// and vice versa.
func Direct() (A, B nrpc.Channel) {
	a2b := make(chan *nrpc.Packet)
	b2a := make(chan *nrpc.Packet)
	A = direct{a2b: a2b, b2a: b2a}
	B = direct{a2b: b2a, b2a: a2b}
	return
}

type direct struct {
	a2b chan<- *nrpc.Packet
	b2a <-chan *nrpc.Packet
}

// Send implements a method of the [nrpc.Channel] interface.
func (d direct) Send(pkt *nrpc.Packet) (err error) {
	defer safeClose(&err)
	d.a2b <- pkt
	return nil
}

// Recv implements a method of the [nrpc.Channel] interface.
func (d direct) Recv() (*nrpc.Packet, error) {
	pkt, ok := <-d.b2a
	if !ok {
		return nil, net.ErrClosed
	}
	return pkt, nil
}

// Close implements a method of the [nrpc.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.a2b)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives from r and sends to wc.
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives packets on a reader and a writer.
type IOChannel struct {
	r     *bufio.Reader
	w     *bufio.Writer
	c     io.Closer
	limit int
}

// WithLimit returns a copy of c that rejects received packets whose payload
// is longer than n bytes. A limit of zero or above [nrpc.MaxPayloadLen] means
// [nrpc.MaxPayloadLen].
func (c IOChannel) WithLimit(n int) IOChannel { c.limit = n; return c }

// Send implements a method of the [nrpc.Channel] interface.
func (c IOChannel) Send(pkt *nrpc.Packet) error {
	if _, err := pkt.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [nrpc.Channel] interface.
func (c IOChannel) Recv() (*nrpc.Packet, error) {
	if c.limit > 0 && c.limit < nrpc.MaxPayloadLen {
		// Peek at the header so an oversized payload is not read.
		hdr, err := c.r.Peek(8)
		if err == nil {
			if n := binary.BigEndian.Uint32(hdr[4:]); n > uint32(c.limit) {
				return nil, fmt.Errorf("payload too long (%d > %d bytes)", n, c.limit)
			}
		}
	}
	var pkt nrpc.Packet
	if _, err := pkt.ReadFrom(c.r); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// Close implements a method of the [nrpc.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
