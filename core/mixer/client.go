package mixer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrMixerUnavailable = errors.New("mixer unavailable")
	// ErrDropped is returned by Send when the command buffer is full.
	ErrDropped = errors.New("mixer command dropped")
)

const (
	DefaultBufferSize   = 64
	DefaultWriteTimeout = 2 * time.Second
)

type Dialer func(ctx context.Context) (net.Conn, error)

type Option func(*Client)

func WithDialer(dial Dialer) Option {
	return func(c *Client) {
		c.dial = dial
	}
}

// WithBufferSize bounds how many commands wait for the connection.
func WithBufferSize(size int) Option {
	return func(c *Client) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Client) {
		c.newBackOff = newBackOff
	}
}

// WithPathMappings rewrites audio paths by prefix before they are sent, for
// mixers that see the cache directory under a different mount.
func WithPathMappings(mappings map[string]string) Option {
	return func(c *Client) {
		c.pathMappings = mappings
	}
}

// WithUnavailableCallback is called once per disconnect.
func WithUnavailableCallback(callback func(err error)) Option {
	return func(c *Client) {
		c.onUnavailable = callback
	}
}

// WithRecoveredCallback is called when the connection is back after an
// outage, with the number of buffered commands about to be flushed and the
// number of commands dropped during the outage.
func WithRecoveredCallback(callback func(flushed, dropped int)) Option {
	return func(c *Client) {
		c.onRecovered = callback
	}
}

// Client holds one persistent control connection to the mixer. Commands are
// fire-and-forget and written by a single goroutine in the order they were
// sent; while the connection is down they wait in a bounded buffer.
type Client struct {
	address      string
	dial         Dialer
	bufferSize   int
	writeTimeout time.Duration
	newBackOff   func() backoff.BackOff
	pathMappings map[string]string

	onUnavailable func(error)
	onRecovered   func(flushed, dropped int)

	mu           sync.Mutex
	pending      []Command
	connected    bool
	inOutage     bool
	dropped      int
	closed       bool
	updateSignal chan struct{}

	running      atomic.Bool
	sentTotal    metric.Int64Counter
	droppedTotal metric.Int64Counter
}

func NewClient(address string, opts ...Option) *Client {
	c := &Client{
		address:      address,
		bufferSize:   DefaultBufferSize,
		writeTimeout: DefaultWriteTimeout,
		updateSignal: make(chan struct{}, 1),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 250 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
	c.dial = func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", c.address)
	}
	for _, opt := range opts {
		opt(c)
	}

	c.sentTotal, _ = meter.Int64Counter("mixer.commands.sent")
	c.droppedTotal, _ = meter.Int64Counter("mixer.commands.dropped")
	return c
}

func (c *Client) Address() string {
	return c.address
}

// Send queues a command. It never blocks on the network. ErrDropped means the
// buffer was full and the command is gone.
func (c *Client) Send(cmd Command) error {
	cmd = c.mapPaths(cmd)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrMixerUnavailable
	}
	if len(c.pending) >= c.bufferSize {
		c.dropped++
		connected := c.connected
		c.mu.Unlock()

		c.droppedTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("verb", cmd.Verb)))
		logger.Warn("mixer command dropped", "command", cmd.String(), "connected", connected)
		return fmt.Errorf("%w: %s", ErrDropped, cmd.Verb)
	}
	c.pending = append(c.pending, cmd)
	c.mu.Unlock()

	c.signalUpdate()
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Pending returns how many commands wait to be written.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Run keeps the connection alive and drains the command buffer until ctx is
// done or the client is closed.
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return fmt.Errorf("mixer client already running")
	}
	defer c.running.Store(false)

	retry := c.newBackOff()
	for !c.isClosed() {
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.markDisconnected(err)

			wait := retry.NextBackOff()
			if wait == backoff.Stop {
				wait = time.Second
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}

		retry.Reset()
		c.markConnected()
		err = c.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil || c.isClosed() {
			return nil
		}
		c.markDisconnected(err)
	}
	return nil
}

// Close stops accepting commands. Run returns once it notices.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.signalUpdate()
	return nil
}

func (c *Client) serve(ctx context.Context, conn net.Conn) error {
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			logger.Debug("mixer replied", "line", scanner.Text())
		}
		err := scanner.Err()
		if err == nil {
			err = io.EOF
		}
		readErr <- err
	}()

	for {
		cmd, ok := c.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case err := <-readErr:
				return fmt.Errorf("mixer connection lost: %w", err)
			case <-c.updateSignal:
			}
			if c.isClosed() {
				return nil
			}
			continue
		}

		select {
		case err := <-readErr:
			return fmt.Errorf("mixer connection lost: %w", err)
		default:
		}

		_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		if _, err := io.WriteString(conn, cmd.String()+"\n"); err != nil {
			return fmt.Errorf("failed to write mixer command: %w", err)
		}
		c.pop()
		c.sentTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("verb", cmd.Verb)))
	}
}

func (c *Client) markConnected() {
	c.mu.Lock()
	c.connected = true
	recovered := c.inOutage
	flushed, dropped := len(c.pending), c.dropped
	c.inOutage = false
	c.dropped = 0
	c.mu.Unlock()

	logger.Info("mixer connected", "address", c.address, "buffered", flushed)
	if recovered && c.onRecovered != nil {
		c.onRecovered(flushed, dropped)
	}
}

func (c *Client) markDisconnected(err error) {
	c.mu.Lock()
	c.connected = false
	first := !c.inOutage
	c.inOutage = true
	c.mu.Unlock()

	if first {
		logger.Error("mixer unavailable", "address", c.address, "error", err)
		if c.onUnavailable != nil {
			c.onUnavailable(err)
		}
	}
}

func (c *Client) peek() (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return Command{}, false
	}
	return c.pending[0], true
}

func (c *Client) pop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) > 0 {
		c.pending[0] = Command{}
		c.pending = c.pending[1:]
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) mapPaths(cmd Command) Command {
	if cmd.Verb != VerbEnqueueAudio || len(cmd.Args) < 2 || len(c.pathMappings) == 0 {
		return cmd
	}
	path, best := cmd.Args[1], ""
	for from := range c.pathMappings {
		if strings.HasPrefix(path, from) && len(from) > len(best) {
			best = from
		}
	}
	if best == "" {
		return cmd
	}
	return EnqueueAudio(cmd.Args[0], c.pathMappings[best]+strings.TrimPrefix(path, best))
}

func (c *Client) signalUpdate() {
	select {
	case c.updateSignal <- struct{}{}:
	default:
	}
}
