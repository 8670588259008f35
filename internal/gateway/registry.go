package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/gluk-w/sshdash/internal/logutil"
	"github.com/gluk-w/sshdash/internal/protocol"
	"github.com/gluk-w/sshdash/internal/session"
)

var (
	ErrUnknownSession = errors.New("gateway: unknown session")
	ErrSessionClosed  = errors.New("gateway: session closed")
)

// State is the lifecycle state of a remote session.
type State string

const (
	// StateActive: shell alive, a socket attached.
	StateActive State = "active"
	// StateDetached: shell alive, no socket attached.
	StateDetached State = "detached"
	StateClosed   State = "closed"
)

const defaultIdleTimeout = 30 * time.Minute

// keepaliveInterval is how often each session's SSH connection is checked.
// Package-level var so tests can override.
var keepaliveInterval = 30 * time.Second

// Attachment receives frames produced by a session's shell.
type Attachment interface {
	Deliver(f protocol.Frame)
}

// Session is one remote shell kept alive across socket reconnects.
//
// Lifecycle:
//  1. Registry.Create dials the host and starts a shell; state=active
//  2. the socket goes away; state=detached, output keeps filling scrollback
//  3. a socket authenticates with the session ID; state=active, scrollback
//     replayed
//  4. the shell exits, teardown, or idle cleanup; state=closed
type Session struct {
	ID        string
	Host      string
	Port      int
	Username  string
	CreatedAt time.Time

	remote     Remote
	shellPath  string
	scrollback *Scrollback

	mu           sync.Mutex
	shell        Shell
	cols, rows   int
	state        State
	lastActivity time.Time
	attached     Attachment
	closedAt     time.Time
	done         chan struct{}
}

// SessionInfo is the listing view of a Session.
type SessionInfo struct {
	ID           string    `json:"id"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Username     string    `json:"username"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Scrollback   int       `json:"scrollback_bytes"`
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:           s.ID,
		Host:         s.Host,
		Port:         s.Port,
		Username:     s.Username,
		State:        s.state,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Scrollback:   s.scrollback.Len(),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Attach binds a to the session, replacing any previous attachment, and
// returns the scrollback to replay.
func (s *Session) Attach(a Attachment) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil, ErrSessionClosed
	}
	if s.attached != nil && s.attached != a {
		log.Printf("[gateway] session %s taken over by a new socket", s.ID)
	}
	s.attached = a
	s.state = StateActive
	s.lastActivity = time.Now()
	return s.scrollback.Snapshot(), nil
}

// Detach unbinds a. It is a no-op when a is no longer the attachment.
func (s *Session) Detach(a Attachment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached != a {
		return
	}
	s.attached = nil
	if s.state == StateActive {
		s.state = StateDetached
	}
	s.lastActivity = time.Now()
}

func (s *Session) deliver(f protocol.Frame) {
	s.mu.Lock()
	a := s.attached
	s.mu.Unlock()
	if a != nil {
		a.Deliver(f)
	}
}

// WriteInput forwards keystrokes to the shell.
func (s *Session) WriteInput(p []byte) error {
	s.mu.Lock()
	sh := s.shell
	closed := s.state == StateClosed
	s.lastActivity = time.Now()
	s.mu.Unlock()
	if closed || sh == nil {
		return ErrSessionClosed
	}
	if _, err := sh.Write(p); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// Resize clamps and applies a new PTY geometry.
func (s *Session) Resize(cols, rows int) error {
	cols, rows, ok := ClampSize(cols, rows)
	if !ok {
		return fmt.Errorf("invalid terminal size")
	}
	s.mu.Lock()
	sh := s.shell
	s.cols, s.rows = cols, rows
	s.mu.Unlock()
	if sh == nil {
		return ErrSessionClosed
	}
	return sh.Resize(cols, rows)
}

// Run executes a command on the session's connection.
func (s *Session) Run(ctx context.Context, command string, partial func(string)) (string, error) {
	if s.State() == StateClosed {
		return "", ErrSessionClosed
	}
	s.touch()
	return s.remote.Run(ctx, command, partial)
}

// restart replaces the shell with a fresh one on the same connection.
func (s *Session) restart() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	old := s.shell
	cols, rows := s.cols, s.rows
	s.mu.Unlock()

	sh, err := s.remote.OpenShell(s.shellPath, cols, rows)
	if err != nil {
		return fmt.Errorf("open shell: %w", err)
	}
	s.mu.Lock()
	s.shell = sh
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.scrollback.Reset()
	go s.relay(sh)

	if old != nil {
		old.Close()
	}
	return nil
}

// relay copies shell output into scrollback and to the attached socket
// until the shell exits. An exit of the current shell ends the session.
func (s *Session) relay(sh Shell) {
	go s.relayStderr(sh)

	buf := make([]byte, 32*1024)
	for {
		n, err := sh.Stdout().Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			s.scrollback.Write(data)
			s.deliver(protocol.Frame{Type: protocol.TypeOutput, SessionID: s.ID, Data: data})
		}
		if err != nil {
			s.mu.Lock()
			current := s.shell == sh
			s.mu.Unlock()
			if !current {
				return
			}
			if !errors.Is(err, io.EOF) {
				log.Printf("[gateway] session %s stdout ended: %v", s.ID, err)
			}
			if s.close() {
				log.Printf("[gateway] session %s shell exited", s.ID)
				s.deliver(protocol.Frame{Type: protocol.TypeEnded, SessionID: s.ID, Message: "shell exited"})
			}
			return
		}
	}
}

func (s *Session) relayStderr(sh Shell) {
	r := sh.Stderr()
	if r == nil {
		return
	}
	buf := make([]byte, 8*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.deliver(protocol.Frame{Type: protocol.TypeErrorBytes, SessionID: s.ID, Data: append([]byte(nil), buf[:n]...)})
		}
		if err != nil {
			return
		}
	}
}

// keepalive pings the connection until the session closes. A failed ping
// ends the session, as a dead connection cannot be resumed.
func (s *Session) keepalive(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.remote.Ping(); err != nil {
				s.lost(err)
				return
			}
		}
	}
}

// lost closes a session whose connection stopped answering and tells the
// attached socket.
func (s *Session) lost(err error) {
	if s.close() {
		log.Printf("[gateway] session %s connection lost: %v", s.ID, err)
		s.deliver(protocol.Frame{Type: protocol.TypeEnded, SessionID: s.ID, Message: "connection lost"})
	}
}

// close shuts the shell and connection down. It reports whether this call
// performed the close.
func (s *Session) close() bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.state = StateClosed
	s.closedAt = time.Now()
	s.lastActivity = s.closedAt
	sh := s.shell
	if s.done != nil {
		close(s.done)
	}
	s.mu.Unlock()

	if sh != nil {
		sh.Close()
	}
	s.remote.Close()
	return true
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Shell          string
	ScrollbackSize int
	// IdleTimeout reaps detached sessions. Zero selects 30 minutes;
	// negative disables reaping.
	IdleTimeout time.Duration
}

// Registry tracks every remote session on the gateway.
type Registry struct {
	dialer RemoteDialer
	opts   RegistryOptions
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
	cron     *cron.Cron
}

func NewRegistry(dialer RemoteDialer, opts RegistryOptions) *Registry {
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = defaultIdleTimeout
	}
	return &Registry{
		dialer:   dialer,
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create dials the target and starts a shell.
func (r *Registry) Create(ctx context.Context, cfg session.ConnectionConfig, cols, rows int) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateShell(r.opts.Shell); err != nil {
		return nil, err
	}
	if c, rr, ok := ClampSize(cols, rows); ok {
		cols, rows = c, rr
	} else {
		cols, rows = 80, 24
	}

	remote, err := r.dialer.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	sh, err := remote.OpenShell(r.opts.Shell, cols, rows)
	if err != nil {
		remote.Close()
		return nil, err
	}

	now := r.now()
	s := &Session{
		ID:           uuid.NewString(),
		Host:         cfg.Host,
		Port:         cfg.Port,
		Username:     cfg.Username,
		CreatedAt:    now,
		remote:       remote,
		shellPath:    r.opts.Shell,
		scrollback:   NewScrollback(r.opts.ScrollbackSize),
		shell:        sh,
		cols:         cols,
		rows:         rows,
		state:        StateDetached,
		lastActivity: now,
		done:         make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	go s.relay(sh)
	go s.keepalive(s.done, keepaliveInterval)

	log.Printf("[gateway] created session %s for %s@%s",
		s.ID, logutil.SanitizeForLog(cfg.Username), logutil.SanitizeForLog(cfg.Address()))
	return s, nil
}

// Get returns a live session, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	s := r.sessions[id]
	r.mu.RUnlock()
	if s == nil || s.State() == StateClosed {
		return nil
	}
	return s
}

// Alive reports whether id names a live session whose connection still
// answers a keepalive. A session that fails the check is closed.
func (r *Registry) Alive(id string) bool {
	if id == "" {
		return false
	}
	s := r.Get(id)
	if s == nil {
		return false
	}
	if err := s.remote.Ping(); err != nil {
		if s.close() {
			log.Printf("[gateway] session %s failed liveness check: %v", id, err)
		}
		return false
	}
	return true
}

// Close terminates a session and forgets it.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	s.close()
	log.Printf("[gateway] closed session %s", id)
	return nil
}

// RestartShell replaces the shell of a session, keeping the connection.
func (r *Registry) RestartShell(id string) error {
	s := r.Get(id)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if err := s.restart(); err != nil {
		return err
	}
	log.Printf("[gateway] restarted shell for session %s", id)
	return nil
}

// List returns every tracked session, newest first.
func (r *Registry) List() []SessionInfo {
	r.mu.RLock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Info())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CleanupIdle closes detached sessions idle past the timeout and forgets
// closed ones. It returns the number of sessions reaped.
func (r *Registry) CleanupIdle() int {
	if r.opts.IdleTimeout < 0 {
		return 0
	}
	cutoff := r.now().Add(-r.opts.IdleTimeout)

	r.mu.Lock()
	var reap []*Session
	for id, s := range r.sessions {
		switch s.State() {
		case StateDetached:
			if s.LastActivity().Before(cutoff) {
				reap = append(reap, s)
				delete(r.sessions, id)
			}
		case StateClosed:
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range reap {
		log.Printf("[gateway] reaping idle session %s (detached since %s)",
			s.ID, s.LastActivity().Format(time.RFC3339))
		s.close()
	}
	return len(reap)
}

// StartCleanup runs CleanupIdle on a cron schedule such as "@every 1m".
func (r *Registry) StartCleanup(schedule string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if n := r.CleanupIdle(); n > 0 {
			log.Printf("[gateway] idle cleanup reaped %d session(s)", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule idle cleanup: %w", err)
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop halts cleanup and closes every session.
func (r *Registry) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	for _, s := range sessions {
		s.close()
	}
}
