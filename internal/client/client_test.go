package client

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/sshdash/internal/executor"
	"github.com/gluk-w/sshdash/internal/protocol"
	"github.com/gluk-w/sshdash/internal/session"
	"github.com/gluk-w/sshdash/internal/transport"
)

var errConnClosed = errors.New("conn closed")

// gatewayConn plays the gateway side of one socket.
type gatewayConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []protocol.Frame
	silent  map[string]bool
}

func newGatewayConn(silent map[string]bool) *gatewayConn {
	return &gatewayConn{in: make(chan []byte, 64), closed: make(chan struct{}), silent: silent}
}

func (g *gatewayConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case b := <-g.in:
		return b, nil
	case <-g.closed:
		return nil, errConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *gatewayConn) Write(_ context.Context, p []byte) error {
	select {
	case <-g.closed:
		return errConnClosed
	default:
	}
	f, err := protocol.Decode(p)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.written = append(g.written, f)
	g.mu.Unlock()

	switch f.Type {
	case protocol.TypeAuthenticate:
		g.reply(protocol.Frame{Type: protocol.TypeEstablished, SessionID: "abc123"})
	case protocol.TypeExecute:
		if g.silent[f.Command] {
			return nil
		}
		g.reply(protocol.Frame{Type: protocol.TypeCommandResult, ExecutionID: f.ExecutionID, Output: "out:" + f.Command})
	case protocol.TypeExecuteBatch:
		results := make([]protocol.BatchEntry, len(f.Commands))
		for i, c := range f.Commands {
			results[i] = protocol.BatchEntry{Command: c, Output: "out:" + c}
		}
		g.reply(protocol.Frame{Type: protocol.TypeBatchResult, BatchID: f.BatchID, Results: results})
	case protocol.TypeInput:
		g.reply(protocol.Frame{Type: protocol.TypeOutput, Data: f.Data})
	case protocol.TypeTeardown:
		g.reply(protocol.Frame{Type: protocol.TypeClosed, SessionID: f.SessionID})
	}
	return nil
}

func (g *gatewayConn) reply(f protocol.Frame) {
	b, err := protocol.Encode(f)
	if err != nil {
		panic(err)
	}
	g.in <- b
}

func (g *gatewayConn) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}

func (g *gatewayConn) framesOfType(t protocol.Type) []protocol.Frame {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []protocol.Frame
	for _, f := range g.written {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

type gatewayDialer struct {
	mu     sync.Mutex
	conns  []*gatewayConn
	silent map[string]bool
}

func (d *gatewayDialer) Dial(context.Context, string) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := newGatewayConn(d.silent)
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *gatewayDialer) last() *gatewayConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func testConfig() session.ConnectionConfig {
	return session.ConnectionConfig{Host: "10.0.0.5", Port: 22, Username: "ops", PrivateKey: "key"}
}

func newTestClient(t *testing.T, d *gatewayDialer) *Client {
	t.Helper()
	c, err := New(Options{
		GatewayURL:        "ws://gateway.test/ws",
		Dialer:            d,
		ReconnectBase:     5 * time.Millisecond,
		ReconnectAttempts: 2,
		Command:           executor.Options{Timeout: time.Second},
		InputMinGap:       time.Millisecond,
		ResizeDebounce:    5 * time.Millisecond,
		QueueWindow:       5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNewRequiresGatewayURL(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without gateway URL")
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	if _, err := New(Options{GatewayURL: "ws://x/ws", MetricsSchedule: "sometimes"}); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestConnectExecuteAndNotices(t *testing.T) {
	d := &gatewayDialer{}
	c := newTestClient(t, d)

	var mu sync.Mutex
	var kinds []NoticeKind
	c.OnNotice(func(n Notice) {
		mu.Lock()
		kinds = append(kinds, n.Kind)
		mu.Unlock()
	})

	ctx := context.Background()
	if err := c.Connect(ctx, testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.IsConnected() || c.SessionID() != "abc123" {
		t.Fatalf("status=%s id=%q", c.Status(), c.SessionID())
	}

	out, err := c.Execute(ctx, "uptime")
	if err != nil || out != "out:uptime" {
		t.Fatalf("Execute = %q, %v", out, err)
	}

	results, err := c.ExecuteBatch(ctx, []string{"df -h", "free -m"})
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if results["df -h"] != "out:df -h" || results["free -m"] != "out:free -m" {
		t.Errorf("batch results = %v", results)
	}

	queued, err := c.Enqueue(ctx, "nproc")
	if err != nil || queued != "out:nproc" {
		t.Errorf("Enqueue = %q, %v", queued, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) < 2 || kinds[0] != NoticeConnecting || kinds[1] != NoticeConnected {
		t.Errorf("notices = %v", kinds)
	}
}

func TestInputEchoedToOutput(t *testing.T) {
	d := &gatewayDialer{}
	c := newTestClient(t, d)

	var mu sync.Mutex
	var out strings.Builder
	c.OnOutput(func(p []byte) {
		mu.Lock()
		out.Write(p)
		mu.Unlock()
	})

	if err := c.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for _, k := range []string{"l", "s", "\r"} {
		c.SendInput([]byte(k))
	}
	waitFor(t, "echo", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return out.String() == "ls\r"
	})
}

func TestGeometryResentOnConnect(t *testing.T) {
	d := &gatewayDialer{}
	c := newTestClient(t, d)

	if err := c.Resize(context.Background(), 120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := c.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	resizes := d.last().framesOfType(protocol.TypeResize)
	if len(resizes) != 1 || resizes[0].Cols != 120 || resizes[0].Rows != 40 {
		t.Errorf("resize frames = %+v", resizes)
	}
}

func TestDisconnectTerminatesPendingCommands(t *testing.T) {
	d := &gatewayDialer{silent: map[string]bool{"sleep 60": true}}
	c := newTestClient(t, d)
	if err := c.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	errs := make(chan error, 1)
	go func() {
		_, err := c.Execute(context.Background(), "sleep 60")
		errs <- err
	}()
	waitFor(t, "command sent", func() bool {
		return len(d.last().framesOfType(protocol.TypeExecute)) == 1
	})

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case err := <-errs:
		if !errors.Is(err, executor.ErrConnectionTerminated) {
			t.Errorf("expected ErrConnectionTerminated, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending command never terminated")
	}
	if c.Status() != session.StatusDisconnected || c.SessionID() != "" {
		t.Errorf("status=%s id=%q after disconnect", c.Status(), c.SessionID())
	}
	if n := len(d.last().framesOfType(protocol.TypeTeardown)); n != 1 {
		t.Errorf("teardown frames = %d", n)
	}
}

func TestOperationsRequireConnection(t *testing.T) {
	c := newTestClient(t, &gatewayDialer{})
	ctx := context.Background()

	if _, err := c.Execute(ctx, "uptime"); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("Execute: %v", err)
	}
	if _, err := c.ExecuteBatch(ctx, []string{"uptime"}); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("ExecuteBatch: %v", err)
	}
	if got, err := c.ExecuteBatch(ctx, nil); err != nil || len(got) != 0 {
		t.Errorf("empty ExecuteBatch = %v, %v", got, err)
	}
	if _, err := c.Enqueue(ctx, "uptime"); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("Enqueue: %v", err)
	}
	if err := c.RestartShell(ctx); !errors.Is(err, session.ErrNotConnected) {
		t.Errorf("RestartShell: %v", err)
	}
}

func TestDropResumesSameSession(t *testing.T) {
	d := &gatewayDialer{}
	c := newTestClient(t, d)
	if err := c.Connect(context.Background(), testConfig()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	first := d.last()
	first.Close()

	waitFor(t, "reconnect", func() bool {
		d.mu.Lock()
		n := len(d.conns)
		d.mu.Unlock()
		return n == 2 && c.IsConnected()
	})
	auths := d.last().framesOfType(protocol.TypeAuthenticate)
	if len(auths) != 1 || auths[0].SessionID != "abc123" {
		t.Errorf("reconnect authenticate = %+v", auths)
	}
}
