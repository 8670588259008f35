package executor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshdash/internal/logutil"
	"github.com/gluk-w/sshdash/internal/observer"
	"github.com/gluk-w/sshdash/internal/protocol"
)

// Default command policy. Package-level vars so tests can override.
var (
	defaultTimeout    = 30 * time.Second
	defaultRetryCount = 2
	defaultRetryDelay = 1 * time.Second
)

// Options controls one Execute call.
type Options struct {
	Timeout    time.Duration
	RetryCount int
	RetryDelay time.Duration
	// Stream asks the gateway for partial results while the command runs.
	Stream bool
	// OnPartial receives each partial output chunk when Stream is set.
	OnPartial func(output string)
}

// DefaultOptions returns the package default policy.
func DefaultOptions() Options {
	return Options{
		Timeout:    defaultTimeout,
		RetryCount: defaultRetryCount,
		RetryDelay: defaultRetryDelay,
	}
}

// PartialOutput is broadcast for every partial command-result frame.
type PartialOutput struct {
	ExecutionID string
	Output      string
}

type outcome struct {
	output string
	err    error
}

type pendingCommand struct {
	id        string
	command   string
	done      chan outcome
	onPartial func(string)
}

// Commands executes single commands. It owns the pending command set.
type Commands struct {
	sender   Sender
	session  SessionIDSource
	defaults Options

	mu       sync.Mutex
	pending  map[string]*pendingCommand
	partials observer.List[PartialOutput]
}

// NewCommands creates a command executor. defaults is used by Execute.
func NewCommands(sender Sender, session SessionIDSource, defaults Options) *Commands {
	if defaults.Timeout <= 0 {
		defaults.Timeout = defaultTimeout
	}
	return &Commands{
		sender:   sender,
		session:  session,
		defaults: defaults,
		pending:  make(map[string]*pendingCommand),
	}
}

// OnPartial registers a listener for streamed partial output.
func (c *Commands) OnPartial(fn func(PartialOutput)) func() {
	return c.partials.Add(fn)
}

// Pending returns the number of commands awaiting a result.
func (c *Commands) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Execute runs command with the executor's default options.
func (c *Commands) Execute(ctx context.Context, command string) (string, error) {
	return c.ExecuteWithOptions(ctx, command, c.defaults)
}

// ExecuteWithOptions runs command, retrying timeouts and transport failures
// up to opts.RetryCount times with opts.RetryDelay between attempts. Every
// attempt uses a new execution ID. Application errors are returned as
// *CommandError without retry. Empty output is a valid result.
func (c *Commands) ExecuteWithOptions(ctx context.Context, command string, opts Options) (string, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = c.defaults.Timeout
	}
	if opts.RetryCount < 0 {
		opts.RetryCount = 0
	}
	attempts := opts.RetryCount + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := c.attempt(ctx, command, opts)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !retryable(err) {
			return "", err
		}
		if attempt == attempts {
			break
		}
		log.Printf("[executor] command %q attempt %d/%d failed: %v, retrying in %s",
			logutil.Truncate(logutil.SanitizeForLog(command), 60), attempt, attempts, err, opts.RetryDelay)
		if err := waitDelay(ctx, opts.RetryDelay); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("execute %q after %d attempt(s): %w", command, attempts, lastErr)
}

func (c *Commands) attempt(ctx context.Context, command string, opts Options) (string, error) {
	id := newID("exec")
	p := &pendingCommand{
		id:        id,
		command:   command,
		done:      make(chan outcome, 1),
		onPartial: opts.OnPartial,
	}

	c.mu.Lock()
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return "", fmt.Errorf("execution id %s already pending", id)
	}
	c.pending[id] = p
	c.mu.Unlock()
	defer c.remove(id)

	err := c.sender.Send(ctx, protocol.Frame{
		Type:        protocol.TypeExecute,
		Command:     command,
		ExecutionID: id,
		SessionID:   c.session.SessionID(),
		Stream:      opts.Stream,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTransport, err)
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case o := <-p.done:
		return o.output, o.err
	case <-timer.C:
		return "", fmt.Errorf("%w: %s after %s", ErrTimeout, id, opts.Timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Commands) remove(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// HandleFrame consumes command-result frames. Results for unknown execution
// IDs (late, duplicated or stale) are ignored. Partial frames notify
// listeners and leave the command pending.
func (c *Commands) HandleFrame(f protocol.Frame) {
	if f.Type != protocol.TypeCommandResult {
		return
	}

	c.mu.Lock()
	p, ok := c.pending[f.ExecutionID]
	if !ok {
		c.mu.Unlock()
		log.Printf("[executor] ignoring result for unknown execution %s", f.ExecutionID)
		return
	}
	if f.Partial {
		c.mu.Unlock()
		if p.onPartial != nil {
			p.onPartial(f.Output)
		}
		c.partials.Emit(PartialOutput{ExecutionID: f.ExecutionID, Output: f.Output})
		return
	}
	delete(c.pending, f.ExecutionID)
	c.mu.Unlock()

	o := outcome{output: f.Output}
	switch {
	case f.NotAttached():
		o.err = fmt.Errorf("%w: %s", ErrTransport, errNotAttached(f))
	case f.Error != "":
		o.err = &CommandError{Command: p.command, Output: f.Output, Message: f.Error}
	}
	p.done <- o
}

// CancelAll fails every pending command with err.
func (c *Commands) CancelAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]*pendingCommand)
	c.mu.Unlock()

	for _, p := range pending {
		p.done <- outcome{err: err}
	}
	if len(pending) > 0 {
		log.Printf("[executor] cancelled %d pending command(s): %v", len(pending), err)
	}
}
