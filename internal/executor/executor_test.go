package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/sshdash/internal/protocol"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []protocol.Frame
	times   []time.Time
	failN   int
	respond func(f protocol.Frame)
}

func (s *fakeSender) Send(_ context.Context, f protocol.Frame) error {
	s.mu.Lock()
	s.sent = append(s.sent, f)
	s.times = append(s.times, time.Now())
	if s.failN > 0 {
		s.failN--
		s.mu.Unlock()
		return errors.New("transport: not open")
	}
	respond := s.respond
	s.mu.Unlock()
	if respond != nil {
		respond(f)
	}
	return nil
}

func (s *fakeSender) frames() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Frame, len(s.sent))
	copy(out, s.sent)
	return out
}

type staticSession string

func (s staticSession) SessionID() string { return string(s) }

func fastOptions() Options {
	return Options{Timeout: 20 * time.Millisecond, RetryCount: 2, RetryDelay: 30 * time.Millisecond}
}

func TestExecuteReturnsOutput(t *testing.T) {
	s := &fakeSender{}
	c := NewCommands(s, staticSession("abc123"), fastOptions())
	s.respond = func(f protocol.Frame) {
		c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Output: "up 3 days\n"})
	}

	out, err := c.Execute(context.Background(), "uptime")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "up 3 days\n" {
		t.Errorf("output = %q", out)
	}
	sent := s.frames()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}
	if sent[0].Type != protocol.TypeExecute || sent[0].Command != "uptime" || sent[0].SessionID != "abc123" {
		t.Errorf("unexpected frame %+v", sent[0])
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d after completion", c.Pending())
	}
}

func TestExecuteEmptyOutputIsSuccess(t *testing.T) {
	s := &fakeSender{}
	c := NewCommands(s, staticSession("abc123"), fastOptions())
	s.respond = func(f protocol.Frame) {
		c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID})
	}

	out, err := c.Execute(context.Background(), "true")
	if err != nil || out != "" {
		t.Fatalf("Execute = %q, %v; want empty success", out, err)
	}
}

func TestExecuteApplicationErrorNotRetried(t *testing.T) {
	s := &fakeSender{}
	c := NewCommands(s, staticSession("abc123"), fastOptions())
	s.respond = func(f protocol.Frame) {
		c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Error: "exit status 1"})
	}

	_, err := c.Execute(context.Background(), "false")
	var ce *CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CommandError, got %v", err)
	}
	if ce.Message != "exit status 1" || ce.Command != "false" {
		t.Errorf("unexpected error %+v", ce)
	}
	if n := len(s.frames()); n != 1 {
		t.Errorf("sent %d frames, want 1", n)
	}
}

func TestExecuteTimeoutRetriesWithFreshIDs(t *testing.T) {
	s := &fakeSender{}
	opts := fastOptions()
	c := NewCommands(s, staticSession("abc123"), opts)

	_, err := c.Execute(context.Background(), "sleep 100")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	sent := s.frames()
	if len(sent) != opts.RetryCount+1 {
		t.Fatalf("sent %d attempts, want %d", len(sent), opts.RetryCount+1)
	}
	seen := make(map[string]bool)
	for _, f := range sent {
		if seen[f.ExecutionID] {
			t.Errorf("execution id %s reused", f.ExecutionID)
		}
		seen[f.ExecutionID] = true
	}

	s.mu.Lock()
	times := s.times
	s.mu.Unlock()
	for i := 1; i < len(times); i++ {
		gap := times[i].Sub(times[i-1])
		if gap < opts.Timeout+opts.RetryDelay {
			t.Errorf("attempt %d sent %s after the previous one, want >= %s", i+1, gap, opts.Timeout+opts.RetryDelay)
		}
	}
	if c.Pending() != 0 {
		t.Errorf("timed out commands left pending: %d", c.Pending())
	}
}

func TestExecuteRetriesSendFailure(t *testing.T) {
	s := &fakeSender{failN: 1}
	c := NewCommands(s, staticSession("abc123"), fastOptions())
	s.respond = func(f protocol.Frame) {
		c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Output: "ok"})
	}

	out, err := c.Execute(context.Background(), "hostname")
	if err != nil || out != "ok" {
		t.Fatalf("Execute = %q, %v", out, err)
	}
	if n := len(s.frames()); n != 2 {
		t.Errorf("sent %d frames, want 2", n)
	}
}

func TestExecuteRetriesWhenGatewayHasNoSession(t *testing.T) {
	s := &fakeSender{}
	c := NewCommands(s, staticSession("abc123"), fastOptions())
	var mu sync.Mutex
	attempts := 0
	s.respond = func(f protocol.Frame) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Error: "no active session", Code: protocol.CodeNotAttached})
			return
		}
		c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Output: "ok"})
	}

	out, err := c.Execute(context.Background(), "hostname")
	if err != nil || out != "ok" {
		t.Fatalf("Execute = %q, %v", out, err)
	}
	sent := s.frames()
	if len(sent) != 2 {
		t.Fatalf("sent %d frames, want 2", len(sent))
	}
	if sent[0].ExecutionID == sent[1].ExecutionID {
		t.Error("retry reused the execution id")
	}
}

func TestExecuteNoSessionExhaustedIsTransportError(t *testing.T) {
	s := &fakeSender{}
	c := NewCommands(s, staticSession("abc123"), fastOptions())
	s.respond = func(f protocol.Frame) {
		c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Error: "no active session", Code: protocol.CodeNotAttached})
	}

	_, err := c.Execute(context.Background(), "hostname")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		t.Errorf("no-session reply surfaced as a command error: %v", err)
	}
	if n := len(s.frames()); n != fastOptions().RetryCount+1 {
		t.Errorf("sent %d frames, want %d", n, fastOptions().RetryCount+1)
	}
}

func TestExecuteSendFailureExhausted(t *testing.T) {
	s := &fakeSender{failN: 10}
	c := NewCommands(s, staticSession(""), Options{Timeout: time.Second, RetryCount: 1, RetryDelay: time.Millisecond})

	_, err := c.Execute(context.Background(), "hostname")
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected ErrTransport, got %v", err)
	}
	if n := len(s.frames()); n != 2 {
		t.Errorf("sent %d frames, want 2", n)
	}
}

func TestUnknownExecutionIDIgnored(t *testing.T) {
	s := &fakeSender{}
	c := NewCommands(s, staticSession("abc123"), Options{Timeout: 200 * time.Millisecond})
	s.respond = func(f protocol.Frame) {
		c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: "exec_0_stale", Output: "wrong"})
		c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Output: "right"})
		c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Output: "duplicate"})
	}

	out, err := c.ExecuteWithOptions(context.Background(), "whoami", Options{Timeout: 200 * time.Millisecond})
	if err != nil || out != "right" {
		t.Fatalf("Execute = %q, %v; want right", out, err)
	}
}

func TestPartialOutputDoesNotComplete(t *testing.T) {
	s := &fakeSender{}
	c := NewCommands(s, staticSession("abc123"), fastOptions())

	var mu sync.Mutex
	var chunks []string
	var broadcast int
	c.OnPartial(func(PartialOutput) {
		mu.Lock()
		broadcast++
		mu.Unlock()
	})

	s.respond = func(f protocol.Frame) {
		c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Output: "line 1\n", Partial: true})
		c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Output: "line 2\n", Partial: true})
		go func() {
			time.Sleep(10 * time.Millisecond)
			c.HandleFrame(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Output: "line 1\nline 2\n"})
		}()
	}

	out, err := c.ExecuteWithOptions(context.Background(), "tail -n 2 log", Options{
		Timeout: time.Second,
		Stream:  true,
		OnPartial: func(o string) {
			mu.Lock()
			chunks = append(chunks, o)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "line 1\nline 2\n" {
		t.Errorf("output = %q", out)
	}
	if !s.frames()[0].Stream {
		t.Error("stream flag not sent")
	}
	mu.Lock()
	defer mu.Unlock()
	if strings.Join(chunks, "") != "line 1\nline 2\n" {
		t.Errorf("partial chunks = %q", chunks)
	}
	if broadcast != 2 {
		t.Errorf("broadcast %d partials, want 2", broadcast)
	}
}

func TestCancelAllTerminatesPending(t *testing.T) {
	s := &fakeSender{}
	c := NewCommands(s, staticSession("abc123"), Options{Timeout: 5 * time.Second, RetryCount: 2})

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := c.Execute(context.Background(), "sleep 10")
			errs <- err
		}()
	}
	deadline := time.Now().Add(time.Second)
	for c.Pending() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("commands never became pending")
		}
		time.Sleep(time.Millisecond)
	}

	c.CancelAll(ErrConnectionTerminated)
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, ErrConnectionTerminated) {
			t.Errorf("expected ErrConnectionTerminated, got %v", err)
		}
	}
	if n := len(s.frames()); n != 2 {
		t.Errorf("terminated commands were retried: %d sends", n)
	}
}

func TestExecuteHonoursContext(t *testing.T) {
	s := &fakeSender{}
	c := NewCommands(s, staticSession("abc123"), Options{Timeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Execute(ctx, "sleep 10")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if c.Pending() != 0 {
		t.Errorf("pending = %d", c.Pending())
	}
}
