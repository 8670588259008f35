package gateway

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/sshdash/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	frames []protocol.Frame
}

func (r *recorder) Deliver(f protocol.Frame) {
	r.mu.Lock()
	r.frames = append(r.frames, f)
	r.mu.Unlock()
}

func (r *recorder) output() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b bytes.Buffer
	for _, f := range r.frames {
		if f.Type == protocol.TypeOutput {
			b.Write(f.Data)
		}
	}
	return b.Bytes()
}

func (r *recorder) has(t protocol.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.frames {
		if f.Type == t {
			return true
		}
	}
	return false
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

func TestCreateAttachAndEcho(t *testing.T) {
	d := &fakeDialer{}
	reg := NewRegistry(d, RegistryOptions{})
	defer reg.Stop()

	s, err := reg.Create(context.Background(), testConfig(), 120, 40)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.ID == "" || s.State() != StateDetached {
		t.Fatalf("unexpected session %+v", s.Info())
	}

	rec := &recorder{}
	if _, err := s.Attach(rec); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if s.State() != StateActive {
		t.Errorf("state = %s, want active", s.State())
	}
	if err := s.WriteInput([]byte("ls\r")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}
	waitFor(t, "echo", func() bool { return string(rec.output()) == "ls\r" })
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	reg := NewRegistry(&fakeDialer{}, RegistryOptions{})
	cfg := testConfig()
	cfg.PrivateKey = ""
	if _, err := reg.Create(context.Background(), cfg, 80, 24); err == nil {
		t.Fatal("expected validation error")
	}
	if reg.Count() != 0 {
		t.Errorf("count = %d", reg.Count())
	}
}

func TestCreateDialFailure(t *testing.T) {
	reg := NewRegistry(&fakeDialer{}, RegistryOptions{})
	cfg := testConfig()
	cfg.Username = "bad"
	if _, err := reg.Create(context.Background(), cfg, 80, 24); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestCreateRejectsDisallowedShell(t *testing.T) {
	reg := NewRegistry(&fakeDialer{}, RegistryOptions{Shell: "/usr/bin/python3"})
	if _, err := reg.Create(context.Background(), testConfig(), 80, 24); err == nil {
		t.Fatal("expected shell validation error")
	}
}

func TestScrollbackReplayedOnReattach(t *testing.T) {
	d := &fakeDialer{}
	reg := NewRegistry(d, RegistryOptions{})
	defer reg.Stop()

	s, _ := reg.Create(context.Background(), testConfig(), 80, 24)
	first := &recorder{}
	s.Attach(first)
	s.WriteInput([]byte("hello"))
	waitFor(t, "echo", func() bool { return string(first.output()) == "hello" })

	s.Detach(first)
	if s.State() != StateDetached {
		t.Fatalf("state = %s, want detached", s.State())
	}
	s.WriteInput([]byte(" world"))
	waitFor(t, "scrollback", func() bool { return s.scrollback.Len() == len("hello world") })

	second := &recorder{}
	history, err := s.Attach(second)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if string(history) != "hello world" {
		t.Errorf("history = %q", history)
	}
}

func TestDetachIgnoresStaleAttachment(t *testing.T) {
	reg := NewRegistry(&fakeDialer{}, RegistryOptions{})
	defer reg.Stop()
	s, _ := reg.Create(context.Background(), testConfig(), 80, 24)

	old, current := &recorder{}, &recorder{}
	s.Attach(old)
	s.Attach(current)
	s.Detach(old)
	if s.State() != StateActive {
		t.Errorf("stale detach changed state to %s", s.State())
	}
}

func TestShellExitEndsSession(t *testing.T) {
	d := &fakeDialer{}
	reg := NewRegistry(d, RegistryOptions{})
	defer reg.Stop()

	s, _ := reg.Create(context.Background(), testConfig(), 80, 24)
	rec := &recorder{}
	s.Attach(rec)

	d.remote(0).shell(0).Close()
	waitFor(t, "session-ended", func() bool { return rec.has(protocol.TypeEnded) })
	if s.State() != StateClosed {
		t.Errorf("state = %s", s.State())
	}
	if reg.Alive(s.ID) {
		t.Error("closed session reported alive")
	}
	if !d.remote(0).isClosed() {
		t.Error("remote connection left open")
	}
}

func TestAliveClosesSessionWhenKeepaliveFails(t *testing.T) {
	d := &fakeDialer{}
	reg := NewRegistry(d, RegistryOptions{})
	defer reg.Stop()

	s, _ := reg.Create(context.Background(), testConfig(), 80, 24)
	if !reg.Alive(s.ID) {
		t.Fatal("fresh session reported dead")
	}
	if d.remote(0).pingCount() == 0 {
		t.Error("Alive did not ping the connection")
	}

	d.remote(0).failPings(errors.New("ssh: connection lost"))
	if reg.Alive(s.ID) {
		t.Error("session with a dead connection reported alive")
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if !d.remote(0).isClosed() {
		t.Error("remote connection left open")
	}
}

func TestKeepaliveFailureEndsSession(t *testing.T) {
	old := keepaliveInterval
	keepaliveInterval = 5 * time.Millisecond
	defer func() { keepaliveInterval = old }()

	d := &fakeDialer{}
	reg := NewRegistry(d, RegistryOptions{})
	defer reg.Stop()

	s, _ := reg.Create(context.Background(), testConfig(), 80, 24)
	rec := &recorder{}
	s.Attach(rec)
	waitFor(t, "keepalive", func() bool { return d.remote(0).pingCount() >= 2 })
	if s.State() == StateClosed {
		t.Fatal("healthy keepalive closed the session")
	}

	d.remote(0).failPings(errors.New("ssh: connection lost"))
	waitFor(t, "session-ended", func() bool { return rec.has(protocol.TypeEnded) })
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if reg.Get(s.ID) != nil {
		t.Error("dead session still returned by Get")
	}
	n := d.remote(0).pingCount()
	time.Sleep(20 * time.Millisecond)
	if d.remote(0).pingCount() != n {
		t.Error("keepalive kept running after the session closed")
	}
}

func TestRestartShellKeepsSession(t *testing.T) {
	d := &fakeDialer{}
	reg := NewRegistry(d, RegistryOptions{})
	defer reg.Stop()

	s, _ := reg.Create(context.Background(), testConfig(), 80, 24)
	rec := &recorder{}
	s.Attach(rec)

	if err := reg.RestartShell(s.ID); err != nil {
		t.Fatalf("RestartShell: %v", err)
	}
	r := d.remote(0)
	if !r.shell(0).isClosed() {
		t.Error("old shell not closed")
	}
	time.Sleep(10 * time.Millisecond)
	if s.State() != StateActive || rec.has(protocol.TypeEnded) {
		t.Fatalf("restart ended the session: %s", s.State())
	}
	s.WriteInput([]byte("pwd"))
	waitFor(t, "echo from new shell", func() bool { return string(rec.output()) == "pwd" })
}

func TestResizeClamped(t *testing.T) {
	d := &fakeDialer{}
	reg := NewRegistry(d, RegistryOptions{})
	defer reg.Stop()
	s, _ := reg.Create(context.Background(), testConfig(), 80, 24)

	if err := s.Resize(9000, 9000); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if got := d.remote(0).shell(0).lastResize(); got != [2]int{MaxCols, MaxRows} {
		t.Errorf("resize = %v", got)
	}
	if err := s.Resize(0, 10); err == nil {
		t.Error("expected error for zero cols")
	}
}

func TestCloseUnknownSession(t *testing.T) {
	reg := NewRegistry(&fakeDialer{}, RegistryOptions{})
	if err := reg.Close("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Close = %v", err)
	}
	if err := reg.RestartShell("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("RestartShell = %v", err)
	}
}

func TestCleanupIdleReapsDetachedOnly(t *testing.T) {
	d := &fakeDialer{}
	reg := NewRegistry(d, RegistryOptions{IdleTimeout: 30 * time.Minute})
	defer reg.Stop()

	detached, _ := reg.Create(context.Background(), testConfig(), 80, 24)
	active, _ := reg.Create(context.Background(), testConfig(), 80, 24)
	active.Attach(&recorder{})

	if n := reg.CleanupIdle(); n != 0 {
		t.Fatalf("reaped %d fresh sessions", n)
	}

	reg.now = func() time.Time { return time.Now().Add(time.Hour) }
	if n := reg.CleanupIdle(); n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if reg.Get(detached.ID) != nil {
		t.Error("detached session survived cleanup")
	}
	if reg.Get(active.ID) == nil {
		t.Error("active session was reaped")
	}
}

func TestCleanupDisabled(t *testing.T) {
	reg := NewRegistry(&fakeDialer{}, RegistryOptions{IdleTimeout: -1})
	defer reg.Stop()
	reg.Create(context.Background(), testConfig(), 80, 24)
	reg.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	if n := reg.CleanupIdle(); n != 0 {
		t.Errorf("reaped %d with cleanup disabled", n)
	}
}

func TestStartCleanupSchedule(t *testing.T) {
	reg := NewRegistry(&fakeDialer{}, RegistryOptions{})
	defer reg.Stop()
	if err := reg.StartCleanup("not a schedule"); err == nil {
		t.Fatal("expected schedule error")
	}
	if err := reg.StartCleanup("@every 1m"); err != nil {
		t.Fatalf("StartCleanup: %v", err)
	}
}

func TestListNewestFirst(t *testing.T) {
	reg := NewRegistry(&fakeDialer{}, RegistryOptions{})
	defer reg.Stop()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return base }
	a, _ := reg.Create(context.Background(), testConfig(), 80, 24)
	reg.now = func() time.Time { return base.Add(time.Minute) }
	b, _ := reg.Create(context.Background(), testConfig(), 80, 24)

	list := reg.List()
	if len(list) != 2 || list[0].ID != b.ID || list[1].ID != a.ID {
		t.Errorf("unexpected order %+v", list)
	}
	if list[0].Host != "10.0.0.5" || list[0].Username != "ops" {
		t.Errorf("unexpected info %+v", list[0])
	}
}
