// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program nrpcdb serves a grouped in-memory cache over nrpc, and provides
// client commands to call it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/nrpc"
	"github.com/creachadair/nrpc/codec"
	"github.com/creachadair/nrpc/dbservice"
	"github.com/creachadair/nrpc/peers"
)

var flags struct {
	Address       string `flag:"addr,default=localhost:7020,Service address (host:port or socket path)"`
	Format        string `flag:"format,default=json,Wire format for arguments and results"`
	CompressAbove int    `flag:"compress-above,Compress payloads of at least this many bytes (0 disables)"`
	Unordered     bool   `flag:"unordered,Do not sort record fields when encoding"`
	Group         string `flag:"group,Cache group (default /sharing)"`
	Verbose       bool   `flag:"v,Enable verbose logging"`
}

var putFlags struct {
	TTL int `flag:"ttl,default=-1,Expire the entry after this many seconds (negative: never)"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Usage: `<command> [arguments]
help [<command>]`,
		Help: `Serve and query a grouped in-memory cache.

The serve command runs the cache service on the address given by --addr.
The other commands call a running service at that address. Client and
server must agree on --format and --compress-above.`,

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name:  "serve",
				Usage: "[--addr a]",
				Help:  "Run the cache service until interrupted.",
				Run:   command.Adapt(runServe),
			},
			{
				Name:     "put",
				Usage:    "<key> <value>",
				Help:     "Store a value under key.",
				SetFlags: command.Flags(flax.MustBind, &putFlags),
				Run:      command.Adapt(runPut),
			},
			{
				Name:  "get",
				Usage: "<key>",
				Help:  "Print the value stored under key.",
				Run:   command.Adapt(runGet),
			},
			{
				Name:  "exists",
				Usage: "<key>",
				Help:  "Report whether key has a live entry.",
				Run:   command.Adapt(runExists),
			},
			{
				Name: "count",
				Help: "Print the number of live entries in the group.",
				Run:  command.Adapt(runCount),
			},
			{
				Name:  "mv",
				Usage: "<old-key> <new-key>",
				Help:  "Move the entry for old-key to new-key, keeping its expiration.",
				Run:   command.Adapt(runMove),
			},
			{
				Name:  "rm",
				Usage: "<key> ...",
				Help:  "Remove the entries for the given keys.",
				Run:   runRemove,
			},
			{
				Name: "groups",
				Help: "List the groups of the service.",
				Run:  command.Adapt(runGroups),
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	command.RunOrFail(root.NewEnv(nil).SetContext(ctx).MergeFlags(true), os.Args[1:])
}

func newCodec() (codec.Codec, error) {
	cfg := codec.Config{Format: flags.Format, CompressAbove: flags.CompressAbove}
	if flags.Unordered {
		cfg.Features |= codec.FeatureUnorderedMap
	}
	return codec.New(cfg)
}

func newLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if flags.Verbose {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func group() string {
	if flags.Group == "" {
		return dbservice.DefaultGroup
	}
	return flags.Group
}

func runServe(env *command.Env) error {
	c, err := newCodec()
	if err != nil {
		return err
	}
	lg := newLogger()

	network, address := nrpc.SplitAddress(flags.Address)
	if network == "unix" {
		os.Remove(address) // a stale socket from a previous run
	}
	lst, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer lst.Close()

	srv := nrpc.NewServer(c).SetLogger(lg)
	dbservice.Register(srv, dbservice.New())
	base := srv.Bind(nrpc.NewPeer())

	lg.Info("serving", "addr", lst.Addr().String(), "network", network, "codec", c.Name(),
		"methods", len(srv.Methods()))
	err = peers.Loop(env.Context(), peers.NetAccepter(lst), base, lg)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	lg.Info("server exited", "err", err)
	return err
}

// withClient dials the service and calls f with a client for it.
func withClient(env *command.Env, f func(context.Context, *dbservice.Client) error) error {
	c, err := newCodec()
	if err != nil {
		return err
	}
	ctx := env.Context()
	p, err := peers.Dial(ctx, flags.Address)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer p.Stop()
	return f(ctx, dbservice.NewClient(nrpc.NewClient(p, c)))
}

func runPut(env *command.Env, key, value string) error {
	return withClient(env, func(ctx context.Context, cli *dbservice.Client) error {
		return cli.PutIn(ctx, key, []byte(value), putFlags.TTL, group())
	})
}

func runGet(env *command.Env, key string) error {
	return withClient(env, func(ctx context.Context, cli *dbservice.Client) error {
		data, err := cli.GetIn(ctx, key, group())
		if err != nil {
			return err
		} else if data == nil {
			return fmt.Errorf("key %q not found", key)
		}
		fmt.Println(string(data))
		return nil
	})
}

func runExists(env *command.Env, key string) error {
	return withClient(env, func(ctx context.Context, cli *dbservice.Client) error {
		ok, err := cli.ExistIn(ctx, key, group())
		if err != nil {
			return err
		}
		fmt.Println(ok)
		return nil
	})
}

func runCount(env *command.Env) error {
	return withClient(env, func(ctx context.Context, cli *dbservice.Client) error {
		n, err := cli.Count(ctx, group())
		if err != nil {
			return err
		}
		fmt.Println(strconv.Itoa(n))
		return nil
	})
}

func runMove(env *command.Env, oldKey, newKey string) error {
	return withClient(env, func(ctx context.Context, cli *dbservice.Client) error {
		return cli.ChangeKeyIn(ctx, oldKey, newKey, group())
	})
}

func runRemove(env *command.Env) error {
	if len(env.Args) == 0 {
		return env.Usagef("missing keys")
	}
	return withClient(env, func(ctx context.Context, cli *dbservice.Client) error {
		if len(env.Args) == 1 {
			return cli.RemoveIn(ctx, env.Args[0], group())
		}
		return cli.RemoveBatchIn(ctx, env.Args, group())
	})
}

func runGroups(env *command.Env) error {
	return withClient(env, func(ctx context.Context, cli *dbservice.Client) error {
		gs, err := cli.Groups(ctx)
		if err != nil {
			return err
		}
		if len(gs) != 0 {
			fmt.Println(strings.Join(gs, "\n"))
		}
		return nil
	})
}
