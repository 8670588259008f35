// Package executor runs remote commands over the shared channel and
// correlates their asynchronous results.
//
// Commands sends one execute-command frame per attempt, each with a fresh
// execution ID, and waits for the matching command-result. Batches groups
// several commands into one execute-batch round trip. Queue accumulates
// low-priority commands and flushes them through Batches after a short
// debounce window or once a size threshold is reached.
//
// No ordering holds between concurrent calls. Callers that need ordering
// must wait for one call before issuing the next.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gluk-w/sshdash/internal/protocol"
)

var (
	// ErrTimeout means no result arrived before the deadline.
	ErrTimeout = errors.New("executor: command timed out")
	// ErrTransport wraps failures to hand a frame to the channel.
	ErrTransport = errors.New("executor: transport error")
	// ErrConnectionTerminated is delivered to every pending command and
	// batch when the session disconnects.
	ErrConnectionTerminated = errors.New("executor: connection terminated")
	// ErrQueueClosed is returned by Enqueue after Close.
	ErrQueueClosed = errors.New("executor: queue closed")
)

// Sender hands frames to the channel.
type Sender interface {
	Send(ctx context.Context, f protocol.Frame) error
}

// SessionIDSource supplies the session ID attached to outgoing frames.
type SessionIDSource interface {
	SessionID() string
}

// CommandError is an application-level failure reported by the remote side.
// The round trip succeeded; the command did not.
type CommandError struct {
	Command string
	Output  string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Command, e.Message)
}

// BatchError is returned when every command in a batch failed.
type BatchError struct {
	Failures []string
}

func (e *BatchError) Error() string {
	return "batch failed: " + strings.Join(e.Failures, "; ")
}

// newID builds a correlation token from a timestamp and a random UUID.
func newID(prefix string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixNano(), uuid.NewString())
}

// retryable reports whether a failed attempt may be repeated.
func retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrTransport)
}

// errNotAttached describes a not-attached reply from the gateway.
func errNotAttached(f protocol.Frame) string {
	if f.Error != "" {
		return f.Error
	}
	if f.Message != "" {
		return f.Message
	}
	return "gateway has no session attached"
}

func waitDelay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
