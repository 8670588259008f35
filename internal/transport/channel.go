// Package transport owns the single realtime socket between the client and
// the gateway.
//
// A Channel keeps at most one underlying Conn open. Frames received on it are
// decoded and fanned out to OnFrame subscribers from one read goroutine, so
// subscribers observe frames in arrival order. When the socket drops without
// the caller asking for it, the Channel reconnects with exponential backoff
// (base * 1.5^attempt + jitter) up to MaxAttempts, then reports a fatal
// CloseExhausted event. Close is voluntary and never triggers a reconnect.
//
// The Channel has no knowledge of sessions. A resume token set by the session
// layer is attached to every handshake as the session_id query parameter so
// the gateway can bind the new socket to an existing remote shell.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gluk-w/sshdash/internal/observer"
	"github.com/gluk-w/sshdash/internal/protocol"
)

// Backoff configuration. Package-level vars so tests can override.
var (
	defaultBaseDelay    = 1 * time.Second
	defaultMaxAttempts  = 10
	defaultMaxJitter    = 500 * time.Millisecond
	defaultWriteTimeout = 10 * time.Second
)

// backoffFactor is the growth rate of the reconnect delay.
const backoffFactor = 1.5

var (
	// ErrNotOpen is returned by Send when no socket is open.
	ErrNotOpen = errors.New("transport: channel not open")
	// ErrBackoffExhausted is reported when every reconnect attempt failed.
	ErrBackoffExhausted = errors.New("transport: reconnect attempts exhausted")
	// ErrClosed is returned when the channel was closed voluntarily while
	// an operation was in progress.
	ErrClosed = errors.New("transport: channel closed")
)

// CloseKind distinguishes why the socket went away.
type CloseKind int

const (
	// CloseVoluntary follows an explicit Close call. No reconnect follows.
	CloseVoluntary CloseKind = iota
	// CloseDropped is an involuntary loss. A reconnect has been scheduled.
	CloseDropped
	// CloseExhausted means reconnection gave up. It is fatal.
	CloseExhausted
)

// String returns the human-readable name of the close kind.
func (k CloseKind) String() string {
	switch k {
	case CloseVoluntary:
		return "voluntary"
	case CloseDropped:
		return "dropped"
	case CloseExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// CloseEvent is delivered to OnClose subscribers.
type CloseEvent struct {
	Kind CloseKind
	Err  error
}

// OpenEvent is delivered to OnOpen subscribers.
type OpenEvent struct {
	// Reconnect is true when the socket was reopened after a drop.
	Reconnect bool
	// Attempt is the 1-based dial attempt that succeeded.
	Attempt int
}

// Options configures a Channel. Zero fields take package defaults.
type Options struct {
	Dialer       Dialer
	BaseDelay    time.Duration
	MaxAttempts  int
	MaxJitter    time.Duration
	WriteTimeout time.Duration
}

// Channel is the realtime connection to the gateway.
type Channel struct {
	url  string
	opts Options

	mu              sync.Mutex
	conn            Conn
	generation      uint64
	resumeToken     string
	closed          bool
	reconnecting    bool
	cancelReconnect context.CancelFunc

	lastActivity atomic.Int64

	frames observer.List[protocol.Frame]
	opens  observer.List[OpenEvent]
	closes observer.List[CloseEvent]
}

// NewChannel creates a Channel for the gateway websocket URL. It does not
// dial until Open is called.
func NewChannel(gatewayURL string, opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.MaxJitter < 0 {
		opts.MaxJitter = 0
	} else if opts.MaxJitter == 0 {
		opts.MaxJitter = defaultMaxJitter
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Channel{url: gatewayURL, opts: opts}
}

// BackoffDelay returns the wait before reconnect attempt n (0-based):
// base * 1.5^n plus a uniform jitter in [0, maxJitter).
func BackoffDelay(base time.Duration, attempt int, maxJitter time.Duration) time.Duration {
	d := time.Duration(float64(base) * math.Pow(backoffFactor, float64(attempt)))
	if maxJitter > 0 {
		d += time.Duration(rand.Int63n(int64(maxJitter)))
	}
	return d
}

// OnFrame registers a handler for every decoded inbound frame.
func (c *Channel) OnFrame(fn func(protocol.Frame)) func() { return c.frames.Add(fn) }

// OnOpen registers a handler called each time a socket opens.
func (c *Channel) OnOpen(fn func(OpenEvent)) func() { return c.opens.Add(fn) }

// OnClose registers a handler called when a socket closes or reconnection
// gives up.
func (c *Channel) OnClose(fn func(CloseEvent)) func() { return c.closes.Add(fn) }

// SetResumeToken sets the token attached to subsequent handshakes. An empty
// token requests a fresh remote session.
func (c *Channel) SetResumeToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumeToken = token
}

// IsOpen reports whether a socket is currently open.
func (c *Channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// LastActivity returns the time of the last inbound frame or outbound
// non-probe frame. Zero if nothing has happened yet.
func (c *Channel) LastActivity() time.Time {
	n := c.lastActivity.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (c *Channel) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Open dials the gateway, retrying with backoff, and blocks until a socket is
// open, the context ends or attempts are exhausted. Opening an already-open
// channel is a no-op.
func (c *Channel) Open(ctx context.Context, resumeToken string) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = false
	c.resumeToken = resumeToken
	c.mu.Unlock()

	return c.connectLoop(ctx, false)
}

// Close shuts the socket down voluntarily and cancels any pending reconnect.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed && c.conn == nil && !c.reconnecting {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancelReconnect
	c.cancelReconnect = nil
	c.reconnecting = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	log.Printf("[transport] channel closed voluntarily")
	c.closes.Emit(CloseEvent{Kind: CloseVoluntary})
	return err
}

// Reinit drops the current socket as if the network had failed, forcing a
// reconnect through the normal backoff path.
func (c *Channel) Reinit() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		log.Printf("[transport] forcing channel re-init")
		conn.Close()
	}
}

// Send encodes and writes one frame. It does not wait for any reply.
func (c *Channel) Send(ctx context.Context, f protocol.Frame) error {
	b, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotOpen
	}

	wctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()
	if err := conn.Write(wctx, b); err != nil {
		return fmt.Errorf("send %s: %w", f.Type, err)
	}
	if !f.IsProbe() {
		c.touch()
	}
	return nil
}

func (c *Channel) dialURL() string {
	c.mu.Lock()
	token := c.resumeToken
	c.mu.Unlock()
	if token == "" {
		return c.url
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return c.url
	}
	q := u.Query()
	q.Set("session_id", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// connectLoop dials until success. Reconnects wait before the first attempt;
// an initial open dials immediately.
func (c *Channel) connectLoop(ctx context.Context, reconnect bool) error {
	var lastErr error
	for attempt := 0; attempt < c.opts.MaxAttempts; attempt++ {
		if reconnect || attempt > 0 {
			delay := BackoffDelay(c.opts.BaseDelay, attempt, c.opts.MaxJitter)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return ErrClosed
		}

		err := c.dialOnce(ctx, reconnect, attempt+1)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return err
		}
		lastErr = err
		log.Printf("[transport] dial attempt %d/%d failed: %v", attempt+1, c.opts.MaxAttempts, err)
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrBackoffExhausted, c.opts.MaxAttempts, lastErr)
}

func (c *Channel) dialOnce(ctx context.Context, reconnect bool, attempt int) error {
	conn, err := c.opts.Dialer.Dial(ctx, c.dialURL())
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.generation++
	gen := c.generation
	c.reconnecting = false
	c.cancelReconnect = nil
	c.mu.Unlock()

	c.touch()
	go c.readLoop(conn, gen)

	if reconnect {
		log.Printf("[transport] reconnected after %d attempt(s)", attempt)
	} else {
		log.Printf("[transport] channel open")
	}
	c.opens.Emit(OpenEvent{Reconnect: reconnect, Attempt: attempt})
	return nil
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	ctx := context.Background()
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.handleDrop(conn, gen, err)
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			log.Printf("[transport] dropping undecodable frame: %v", err)
			continue
		}
		if !f.IsProbeReply() {
			c.touch()
		}
		c.frames.Emit(f)
	}
}

// handleDrop runs when a socket's read loop fails. Stale sockets and
// voluntary closes are ignored; anything else schedules a reconnect.
func (c *Channel) handleDrop(conn Conn, gen uint64, cause error) {
	c.mu.Lock()
	if c.generation != gen || c.conn == nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	if c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelReconnect = cancel
	c.mu.Unlock()

	conn.Close()
	log.Printf("[transport] channel dropped: %v", cause)
	c.closes.Emit(CloseEvent{Kind: CloseDropped, Err: cause})

	go c.reconnect(ctx)
}

func (c *Channel) reconnect(ctx context.Context) {
	err := c.connectLoop(ctx, true)
	if err == nil {
		return
	}

	c.mu.Lock()
	c.reconnecting = false
	c.cancelReconnect = nil
	closed := c.closed
	c.mu.Unlock()

	if closed || errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
		return
	}
	log.Printf("[transport] giving up: %v", err)
	c.closes.Emit(CloseEvent{Kind: CloseExhausted, Err: err})
}
