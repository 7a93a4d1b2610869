// Package client connects a sync engine to chatd for the terminal binaries.
package client

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/clock"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/gateway"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/messages"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Options configures a Client.
type Options struct {
	Address    string
	Identity   session.Identity
	PageSize   int
	Tombstones messages.TombstonePolicy
	// Registerer receives the engine collectors; nil leaves them unregistered.
	Registerer prometheus.Registerer
}

// OptionsFromConfig reads the [client] section.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	id, err := session.FromConfig(cfg)
	if err != nil {
		return Options{}, err
	}
	policy, err := messages.ParsePolicy(cfg.Client.Tombstones)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Address:    cfg.Client.Address,
		Identity:   id,
		PageSize:   cfg.Client.PageSize,
		Tombstones: policy,
	}, nil
}

// Client owns the gRPC connection, the push stream and the engine on top.
type Client struct {
	Engine  *intsync.Engine
	Push    *push.Client
	Machine *status.Machine
	Bus     *bus.Bus

	conn   *grpc.ClientConn
	logger *zap.Logger
}

// New dials chatd and wires the engine. Nothing is fetched until Start.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	logger = logging.OrNop(logger)
	conn, err := gateway.Dial(opts.Address)
	if err != nil {
		return nil, err
	}
	b := bus.New()
	machine := status.NewMachine(b)
	pc := push.NewClient(conn, opts.Identity.UserID, machine, logger.Named("push"))
	engine := intsync.NewEngine(
		gateway.New(conn, opts.Identity.UserID),
		pc,
		opts.Identity,
		intsync.Options{PageSize: opts.PageSize, Tombstones: opts.Tombstones},
		b,
		metrics.NewEngine(opts.Registerer),
		clock.Real(),
		logger.Named("engine"),
	)
	return &Client{Engine: engine, Push: pc, Machine: machine, Bus: b, conn: conn, logger: logger}, nil
}

// Start opens the push stream and loads the conversation list. The stream
// lives until Close regardless of ctx.
func (c *Client) Start(ctx context.Context) error {
	c.Push.Start(context.Background())
	if err := c.Engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	return nil
}

// WaitLive blocks until the push stream is live.
func (c *Client) WaitLive(ctx context.Context) error {
	ch, unsub := c.Bus.Subscribe(bus.PushStatusChanged, 16)
	defer unsub()
	for c.Machine.Current() != status.Live {
		select {
		case <-ctx.Done():
			return fmt.Errorf("push stream not live: %w", ctx.Err())
		case <-ch:
		}
	}
	return nil
}

// Close releases channels, stops the stream and closes the connection.
func (c *Client) Close() error {
	c.Engine.Close()
	c.Push.Close()
	return c.conn.Close()
}
