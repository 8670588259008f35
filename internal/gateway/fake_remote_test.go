package gateway

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/gluk-w/sshdash/internal/session"
)

type fakeShell struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	resizes [][2]int
	closed  bool
}

func newFakeShell() *fakeShell {
	r, w := io.Pipe()
	return &fakeShell{outR: r, outW: w}
}

// Write echoes input back as output, like a PTY with echo on.
func (s *fakeShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	return s.outW.Write(p)
}

func (s *fakeShell) Stdout() io.Reader { return s.outR }
func (s *fakeShell) Stderr() io.Reader { return nil }

func (s *fakeShell) Resize(cols, rows int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resizes = append(s.resizes, [2]int{cols, rows})
	return nil
}

func (s *fakeShell) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.outW.Close()
}

func (s *fakeShell) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeShell) lastResize() [2]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.resizes) == 0 {
		return [2]int{}
	}
	return s.resizes[len(s.resizes)-1]
}

type fakeRemote struct {
	mu      sync.Mutex
	shells  []*fakeShell
	closed  bool
	pingErr error
	pings   int
}

func (r *fakeRemote) OpenShell(string, int, int) (Shell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := newFakeShell()
	r.shells = append(r.shells, s)
	return s, nil
}

func (r *fakeRemote) Run(ctx context.Context, command string, partial func(string)) (string, error) {
	switch command {
	case "false":
		return "", errors.New("exit status 1")
	case "stream":
		if partial != nil {
			partial("a")
			partial("b")
		}
		return "ab", nil
	case "sleep":
		<-ctx.Done()
		return "", ctx.Err()
	}
	return "out:" + command, nil
}

func (r *fakeRemote) Ping() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pings++
	if r.closed {
		return errors.New("ssh: connection closed")
	}
	return r.pingErr
}

func (r *fakeRemote) failPings(err error) {
	r.mu.Lock()
	r.pingErr = err
	r.mu.Unlock()
}

func (r *fakeRemote) pingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pings
}

func (r *fakeRemote) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) shell(i int) *fakeShell {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shells[i]
}

func (r *fakeRemote) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type fakeDialer struct {
	mu      sync.Mutex
	remotes []*fakeRemote
}

func (d *fakeDialer) Dial(_ context.Context, cfg session.ConnectionConfig) (Remote, error) {
	if cfg.Username == "bad" {
		return nil, errors.New("ssh handshake with " + cfg.Address() + ": ssh: handshake failed: ssh: unable to authenticate, attempted methods [none publickey]")
	}
	if cfg.Host == "unreachable" {
		return nil, errors.New("dial " + cfg.Address() + ": connection refused")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r := &fakeRemote{}
	d.remotes = append(d.remotes, r)
	return r, nil
}

func (d *fakeDialer) remote(i int) *fakeRemote {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remotes[i]
}

func testConfig() session.ConnectionConfig {
	return session.ConnectionConfig{Host: "10.0.0.5", Port: 22, Username: "ops", PrivateKey: "key"}
}
