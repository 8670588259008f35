// Package client assembles the terminal client: one transport channel shared
// by the session manager, the command and batch executors, the interactive
// stream, heartbeat, resize signaling and resource monitoring.
//
// A Client is constructed once per terminal and passed by reference. It has
// no package-level state.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gluk-w/sshdash/internal/config"
	"github.com/gluk-w/sshdash/internal/executor"
	"github.com/gluk-w/sshdash/internal/heartbeat"
	"github.com/gluk-w/sshdash/internal/monitoring"
	"github.com/gluk-w/sshdash/internal/observer"
	"github.com/gluk-w/sshdash/internal/protocol"
	"github.com/gluk-w/sshdash/internal/resize"
	"github.com/gluk-w/sshdash/internal/session"
	"github.com/gluk-w/sshdash/internal/store"
	"github.com/gluk-w/sshdash/internal/stream"
	"github.com/gluk-w/sshdash/internal/transport"
)

type Options struct {
	GatewayURL string
	// Dialer overrides the websocket dialer. Tests inject fakes here.
	Dialer transport.Dialer
	// Store persists the session record. Nil selects a MemoryStore.
	Store session.PersistenceStore

	ReconnectBase     time.Duration
	ReconnectAttempts int

	Command executor.Options

	HeartbeatInterval time.Duration
	InputMinGap       time.Duration
	ResizeDebounce    time.Duration
	QueueWindow       time.Duration
	QueueSize         int
	// MetricsSchedule is a cron expression. Empty disables monitoring.
	MetricsSchedule string
}

// OptionsFromConfig builds Options from config.Cfg.
func OptionsFromConfig() Options {
	return Options{
		GatewayURL:        config.Cfg.GatewayURL,
		ReconnectBase:     config.Cfg.ReconnectBase,
		ReconnectAttempts: config.Cfg.ReconnectAttempts,
		Command: executor.Options{
			Timeout:    config.Cfg.CommandTimeout,
			RetryCount: config.Cfg.CommandRetries,
			RetryDelay: config.Cfg.CommandRetryDelay,
		},
		HeartbeatInterval: config.Cfg.HeartbeatInterval,
		MetricsSchedule:   config.Cfg.MetricsSchedule,
	}
}

type NoticeKind string

const (
	NoticeConnecting NoticeKind = "connecting"
	NoticeConnected  NoticeKind = "connected"
	NoticeClosed     NoticeKind = "closed"
	NoticeError      NoticeKind = "error"
)

// Notice is a user-visible system message about the connection.
type Notice struct {
	Kind    NoticeKind
	Message string
	Time    time.Time
}

type Client struct {
	channel  *transport.Channel
	session  *session.Manager
	commands *executor.Commands
	batches  *executor.Batches
	queue    *executor.Queue
	stream   *stream.Stream
	beat     *heartbeat.Monitor
	resizer  *resize.Resizer
	metrics  *monitoring.Monitor

	notices observer.List[Notice]
	unsubs  []func()
}

// New wires a client. Nothing is dialed until Connect or Resume.
func New(opts Options) (*Client, error) {
	if opts.GatewayURL == "" {
		return nil, errors.New("client: gateway URL is required")
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	if opts.Command.Timeout <= 0 {
		opts.Command = executor.DefaultOptions()
	}

	c := &Client{}
	c.channel = transport.NewChannel(opts.GatewayURL, transport.Options{
		Dialer:      opts.Dialer,
		BaseDelay:   opts.ReconnectBase,
		MaxAttempts: opts.ReconnectAttempts,
	})
	c.session = session.NewManager(c.channel, st)
	c.commands = executor.NewCommands(c.channel, c.session, opts.Command)
	c.batches = executor.NewBatches(c.channel, c.session)
	c.queue = executor.NewQueue(c.batches, opts.QueueWindow, opts.QueueSize)
	c.stream = stream.New(c.channel, c.session, opts.InputMinGap)
	c.beat = heartbeat.New(c.channel, c.session, opts.HeartbeatInterval)
	c.resizer = resize.New(c.channel, c.session, opts.ResizeDebounce)

	if opts.MetricsSchedule != "" {
		m, err := monitoring.New(c.queue, c.session, opts.MetricsSchedule)
		if err != nil {
			c.session.Close()
			return nil, err
		}
		c.metrics = m
	}

	c.unsubs = []func(){
		c.channel.OnFrame(c.dispatch),
		c.session.OnStatusChange(c.handleStatus),
	}
	return c, nil
}

func (c *Client) dispatch(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeOutput, protocol.TypeErrorBytes:
		c.stream.HandleFrame(f)
	case protocol.TypeCommandResult:
		c.commands.HandleFrame(f)
	case protocol.TypeBatchResult:
		c.batches.HandleFrame(f)
	case protocol.TypeError:
		if !f.NotAttached() {
			c.notify(NoticeError, f.Message)
		}
	}
}

func (c *Client) handleStatus(chg session.StatusChange) {
	switch chg.To {
	case session.StatusConnecting:
		c.beat.Stop()
		c.notify(NoticeConnecting, chg.Reason)
	case session.StatusConnected:
		c.notify(NoticeConnected, chg.Reason)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.resizer.Resend(ctx); err != nil {
			log.Printf("[client] resend geometry: %v", err)
		}
		cancel()
		c.beat.Start()
		if c.metrics != nil {
			if err := c.metrics.Start(); err != nil {
				log.Printf("[client] start monitoring: %v", err)
			}
		}
	case session.StatusDisconnected:
		c.commands.CancelAll(executor.ErrConnectionTerminated)
		c.batches.CancelAll(executor.ErrConnectionTerminated)
		c.beat.Stop()
		if c.metrics != nil {
			c.metrics.Stop()
		}
		msg := chg.Reason
		if chg.Err != nil {
			msg = fmt.Sprintf("%s: %v", chg.Reason, chg.Err)
		}
		c.notify(NoticeClosed, msg)
	}
}

func (c *Client) notify(kind NoticeKind, msg string) {
	c.notices.Emit(Notice{Kind: kind, Message: msg, Time: time.Now()})
}

// OnNotice registers fn for connection notices.
func (c *Client) OnNotice(fn func(Notice)) func() { return c.notices.Add(fn) }

// OnStatusChange registers fn for session status transitions.
func (c *Client) OnStatusChange(fn func(session.StatusChange)) func() {
	return c.session.OnStatusChange(fn)
}

// OnOutput registers fn for terminal output.
func (c *Client) OnOutput(fn func([]byte)) func() { return c.stream.OnOutput(fn) }

// OnErrorOutput registers fn for terminal stderr output.
func (c *Client) OnErrorOutput(fn func([]byte)) func() { return c.stream.OnErrorOutput(fn) }

func (c *Client) Connect(ctx context.Context, cfg session.ConnectionConfig) error {
	return c.session.Connect(ctx, cfg)
}

// Resume reattaches to the session saved in the store.
func (c *Client) Resume(ctx context.Context) error {
	return c.session.Resume(ctx)
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.session.Disconnect(ctx)
}

func (c *Client) Status() session.Status { return c.session.Status() }

func (c *Client) IsConnected() bool { return c.session.IsConnected() }

func (c *Client) SessionID() string { return c.session.SessionID() }

func (c *Client) Handle() session.Handle { return c.session.Handle() }

// Execute runs a command with the configured default options.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	if !c.session.IsConnected() {
		return "", session.ErrNotConnected
	}
	return c.commands.Execute(ctx, command)
}

func (c *Client) ExecuteWithOptions(ctx context.Context, command string, opts executor.Options) (string, error) {
	if !c.session.IsConnected() {
		return "", session.ErrNotConnected
	}
	return c.commands.ExecuteWithOptions(ctx, command, opts)
}

func (c *Client) ExecuteBatch(ctx context.Context, commands []string) (map[string]string, error) {
	if len(commands) == 0 {
		return map[string]string{}, nil
	}
	if !c.session.IsConnected() {
		return nil, session.ErrNotConnected
	}
	return c.batches.ExecuteBatch(ctx, commands)
}

func (c *Client) ExecuteBatchResults(ctx context.Context, commands []string) ([]executor.BatchItem, error) {
	if len(commands) == 0 {
		return []executor.BatchItem{}, nil
	}
	if !c.session.IsConnected() {
		return nil, session.ErrNotConnected
	}
	return c.batches.ExecuteBatchResults(ctx, commands)
}

// Enqueue adds a low-priority command to the auto-batching queue.
func (c *Client) Enqueue(ctx context.Context, command string) (string, error) {
	if !c.session.IsConnected() {
		return "", session.ErrNotConnected
	}
	return c.queue.Enqueue(ctx, command)
}

// SendInput forwards keystrokes to the remote shell.
func (c *Client) SendInput(p []byte) {
	c.stream.SendInput(p)
}

func (c *Client) Resize(ctx context.Context, cols, rows int) error {
	return c.resizer.Resize(ctx, cols, rows)
}

// RequestResize debounces geometry changes per source.
func (c *Client) RequestResize(source string, cols, rows int) {
	c.resizer.Request(source, cols, rows)
}

func (c *Client) RestartShell(ctx context.Context) error {
	return c.session.RestartShell(ctx)
}

// VisibilityChanged runs an immediate session check when the terminal
// becomes visible again.
func (c *Client) VisibilityChanged(ctx context.Context, visible bool) {
	if visible {
		c.beat.Wake(ctx)
	}
}

// Metrics returns the resource monitor, or nil when monitoring is disabled.
func (c *Client) Metrics() *monitoring.Monitor { return c.metrics }

// Close releases every background resource without tearing the remote
// session down; a later Resume can reattach.
func (c *Client) Close() error {
	for _, u := range c.unsubs {
		u()
	}
	c.beat.Stop()
	c.resizer.Stop()
	c.stream.Close()
	c.queue.Close()
	if c.metrics != nil {
		c.metrics.Stop()
	}
	c.commands.CancelAll(executor.ErrConnectionTerminated)
	c.batches.CancelAll(executor.ErrConnectionTerminated)
	c.session.Close()
	return c.channel.Close()
}
