// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for connecting, serving, and testing
// peers.
package peers

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/creachadair/nrpc"
	"github.com/creachadair/nrpc/channel"
	"github.com/creachadair/taskgroup"
)

// Local is a pair of in-memory connected peers, suitable for testing.
type Local struct {
	A *nrpc.Peer
	B *nrpc.Peer
}

// Stop shuts down both the peers and blocks until both have exited.
func (p *Local) Stop() error {
	aerr := p.A.Stop()
	berr := p.B.Stop()
	return errors.Join(aerr, berr)
}

// NewLocal creates a pair of in-memory connected peers that communicate via a
// direct channel without encoding.
func NewLocal() *Local {
	a2b, b2a := channel.Direct()
	return &Local{
		A: nrpc.NewPeer().Start(a2b),
		B: nrpc.NewPeer().Start(b2a),
	}
}

// An Accepter accepts channels from clients.
type Accepter interface {
	Accept(context.Context) (nrpc.Channel, error)
}

// Loop accepts connections from acc and starts a clone of base for each one
// in a goroutine. Loop continues until acc closes or ctx ends. Peer failures
// are logged to lg; if lg == nil the default logger is used.
//
// When ctx terminates, all running peers are stopped. When acc closes, the
// loop waits for running peers to exit before returning.
func Loop(ctx context.Context, acc Accepter, base *nrpc.Peer, lg *slog.Logger) error {
	if lg == nil {
		lg = slog.Default()
	}
	g := taskgroup.New(nil)
	for {
		ch, err := acc.Accept(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				err = nil
			}
			g.Wait()
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			peer := base.Clone().Start(ch)
			go func() { <-sctx.Done(); peer.Stop() }()
			if err := peer.Wait(); err != nil {
				lg.Error("peer failed", "err", err)
			}
			return nil
		})
	}
}

// Dial connects to the server at addr and returns a started peer. The network
// is chosen by [nrpc.SplitAddress].
func Dial(ctx context.Context, addr string) (*nrpc.Peer, error) {
	var d net.Dialer
	network, address := nrpc.SplitAddress(addr)
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return nrpc.NewPeer().Start(channel.IO(conn, conn)), nil
}

// NetAccepter adapts a net.Listener to the Accepter interface.
func NetAccepter(lst net.Listener) Accepter {
	return netAccepter{Listener: lst}
}

type netAccepter struct {
	net.Listener
}

func (n netAccepter) Accept(ctx context.Context) (nrpc.Channel, error) {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends. The ok channel releases the watcher when we return
	// before ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			n.Listener.Close()
		case <-ok:
		}
		return nil
	})

	conn, err := n.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return channel.IO(conn, conn), nil
}
