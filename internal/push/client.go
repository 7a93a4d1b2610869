package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("push client closed")

// Client is a Transport over chatd's chatsync.v1.Push stream. It keeps one
// stream open, reconnecting with exponential backoff.
type Client struct {
	conn       grpc.ClientConnInterface
	userID     string
	machine    *status.Machine
	logger     *zap.Logger
	newBackoff func() backoff.BackOff

	mu          sync.Mutex
	stream      wire.PushClientStream
	handles     map[string]*handle
	onReconnect []func()
	closed      bool

	sendMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient creates a push client. Call Start to connect.
func NewClient(conn grpc.ClientConnInterface, userID string, machine *status.Machine, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		conn:    conn,
		userID:  userID,
		machine: machine,
		logger:  logger,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 15 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		handles: make(map[string]*handle),
		done:    make(chan struct{}),
	}
}

// WithBackoff replaces the reconnect policy. Must be called before Start.
func (c *Client) WithBackoff(newBackoff func() backoff.BackOff) *Client {
	c.newBackoff = newBackoff
	return c
}

// Start launches the connection loop. It returns immediately.
func (c *Client) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(ctx)
}

// Close stops the connection loop and waits for it to exit.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if c.cancel == nil {
		c.transition(status.Closed)
		return
	}
	c.cancel()
	<-c.done
}

// Subscribe registers channel and returns a fresh handle for it. When the
// stream is down the subscription is sent as soon as it is live.
func (c *Client) Subscribe(_ context.Context, channel string) (Handle, error) {
	h := newHandle()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.handles[channel] = h
	stream := c.stream
	c.mu.Unlock()

	if stream != nil {
		if err := c.send(stream, wire.ClientFrame{Op: wire.OpSubscribe, Channel: channel}); err != nil {
			// The stream is going down; the reconnect path resubscribes.
			c.logger.Warn("subscribe frame not sent", zap.String("channel", channel), zap.Error(err))
		}
	}
	return h, nil
}

// Unsubscribe drops channel. Unknown channels are ignored.
func (c *Client) Unsubscribe(channel string) error {
	c.mu.Lock()
	_, ok := c.handles[channel]
	delete(c.handles, channel)
	stream := c.stream
	c.mu.Unlock()
	if !ok || stream == nil {
		return nil
	}
	return c.send(stream, wire.ClientFrame{Op: wire.OpUnsubscribe, Channel: channel})
}

// OnReconnect registers fn to run every time the stream is live again after a drop.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	c.onReconnect = append(c.onReconnect, fn)
	c.mu.Unlock()
}

// Channels returns the currently registered channel names.
func (c *Client) Channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.handles))
	for ch := range c.handles {
		out = append(out, ch)
	}
	return out
}

func (c *Client) send(stream wire.PushClientStream, frame wire.ClientFrame) error {
	s, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return stream.Send(s)
}

func (c *Client) transition(to status.State) {
	if c.machine == nil {
		return
	}
	if err := c.machine.Transition(to); err != nil {
		c.logger.Debug("push status transition skipped", zap.Error(err))
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.transition(status.Closed)

	b := c.newBackoff()
	wasLive := false
	for ctx.Err() == nil {
		c.transition(status.Connecting)
		live, err := c.session(ctx, wasLive)
		if live {
			wasLive = true
			b.Reset()
		}
		if ctx.Err() != nil {
			return
		}
		if live {
			c.dropSubscriptions()
		}
		c.transition(status.Reconnecting)

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.logger.Error("push reconnect gave up", zap.Error(err))
			return
		}
		c.logger.Warn("push stream lost", zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session runs one stream until it fails. live reports whether it got past
// the ready frame.
func (c *Client) session(ctx context.Context, reconnect bool) (live bool, err error) {
	streamCtx, cancel := context.WithCancel(wire.WithUser(ctx, c.userID))
	defer cancel()

	stream, err := wire.OpenPush(streamCtx, c.conn)
	if err != nil {
		return false, err
	}
	first, err := stream.Recv()
	if err != nil {
		return false, err
	}
	var ready wire.ServerFrame
	if err := wire.Decode(first, &ready); err != nil {
		return false, err
	}
	if ready.Event != wire.EventReady {
		return false, errors.New("push stream did not start with a ready frame")
	}

	c.mu.Lock()
	c.stream = stream
	pending := make([]string, 0, len(c.handles))
	for ch := range c.handles {
		pending = append(pending, ch)
	}
	callbacks := append([]func(){}, c.onReconnect...)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.stream = nil
		c.mu.Unlock()
	}()

	for _, ch := range pending {
		if err := c.send(stream, wire.ClientFrame{Op: wire.OpSubscribe, Channel: ch}); err != nil {
			return true, err
		}
	}
	c.transition(status.Live)
	c.logger.Info("push stream live", zap.Bool("reconnect", reconnect), zap.Int("channels", len(pending)))
	if reconnect {
		go func() {
			for _, fn := range callbacks {
				fn()
			}
		}()
	}

	for {
		msg, err := stream.Recv()
		if err != nil {
			return true, err
		}
		var frame wire.ServerFrame
		if err := wire.Decode(msg, &frame); err != nil {
			c.logger.Warn("undecodable push frame", zap.Error(err))
			continue
		}
		c.deliver(frame)
	}
}

func (c *Client) deliver(frame wire.ServerFrame) {
	if frame.Event == wire.EventError {
		c.logger.Warn("push frame rejected", zap.String("channel", frame.Channel), zap.String("error", frame.Error))
		return
	}
	c.mu.Lock()
	h := c.handles[frame.Channel]
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug("push frame for unsubscribed channel", zap.String("channel", frame.Channel))
		return
	}
	if !h.dispatch(frame.Event, frame.Payload) {
		c.logger.Debug("push event without callback", zap.String("channel", frame.Channel), zap.String("event", frame.Event))
	}
}

func (c *Client) dropSubscriptions() {
	c.mu.Lock()
	n := len(c.handles)
	c.handles = make(map[string]*handle)
	c.mu.Unlock()
	if n > 0 {
		c.logger.Info("push subscriptions dropped", zap.Int("channels", n))
	}
}
