// Package session tracks the identity and status of the remote shell.
//
// The Manager owns the ConnectionConfig and the gateway-issued persistent ID.
// It drives the status machine
//
//	Disconnected -> Connecting -> Connected -> Disconnected
//	Connected -> Connecting            (transport dropped, resume pending)
//	Connecting -> Disconnected         (auth failure, backoff exhausted,
//	                                    resume rejected)
//
// and decides, on every transport reopen, whether to resume the existing
// remote shell (persistent ID known) or authenticate afresh.
//
// Persisted state is cleared only on an explicit Disconnect, a confirmed
// authentication failure, or a gateway report that the remote shell ended.
// Transport drops and backoff exhaustion keep the persisted session ID so the
// shell can still be reattached later.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshdash/internal/logutil"
	"github.com/gluk-w/sshdash/internal/observer"
	"github.com/gluk-w/sshdash/internal/protocol"
	"github.com/gluk-w/sshdash/internal/transport"
)

// Timeouts. Package-level vars so tests can override.
var (
	connectTimeout = 30 * time.Second
	persistTimeout = 5 * time.Second
)

// Transport is the part of transport.Channel the Manager needs.
type Transport interface {
	Open(ctx context.Context, resumeToken string) error
	Close() error
	Send(ctx context.Context, f protocol.Frame) error
	SetResumeToken(token string)
	OnFrame(fn func(protocol.Frame)) func()
	OnOpen(fn func(transport.OpenEvent)) func()
	OnClose(fn func(transport.CloseEvent)) func()
}

type connectResult struct {
	sessionID string
	resumed   bool
	err       error
}

// Manager is the session state machine. Create one per client with
// NewManager.
type Manager struct {
	tr    Transport
	store PersistenceStore

	mu           sync.Mutex
	status       Status
	cfg          *ConnectionConfig
	persistentID string
	lastActivity time.Time
	waiter       chan connectResult

	changes observer.List[StatusChange]
	unsubs  []func()
}

// NewManager creates a Manager bound to tr. store may be nil, in which case
// nothing survives a reload.
func NewManager(tr Transport, store PersistenceStore) *Manager {
	m := &Manager{tr: tr, store: store}
	m.unsubs = []func(){
		tr.OnFrame(m.handleFrame),
		tr.OnOpen(m.handleOpen),
		tr.OnClose(m.handleClose),
	}
	return m
}

// Close detaches the Manager from its transport.
func (m *Manager) Close() {
	for _, u := range m.unsubs {
		u()
	}
}

// OnStatusChange registers fn for every status transition.
func (m *Manager) OnStatusChange(fn func(StatusChange)) func() {
	return m.changes.Add(fn)
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected reports whether the session is Connected.
func (m *Manager) IsConnected() bool {
	return m.Status() == StatusConnected
}

// SessionID returns the persistent ID, or "" when there is none.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistentID
}

// HasConfig reports whether a ConnectionConfig is retained for reconnection.
func (m *Manager) HasConfig() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg != nil
}

// Handle returns a snapshot of the session identity.
func (m *Manager) Handle() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Handle{
		PersistentID:   m.persistentID,
		Status:         m.status,
		LastActivityAt: m.lastActivity,
	}
}

// Connect opens the transport and authenticates. It blocks until the gateway
// establishes or resumes the session, rejects it, or the context ends.
func (m *Manager) Connect(ctx context.Context, cfg ConnectionConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	c := cfg
	m.cfg = &c
	token := m.persistentID
	waiter := make(chan connectResult, 1)
	m.waiter = waiter
	from := m.status
	m.status = StatusConnecting
	m.mu.Unlock()

	if token == "" {
		token = m.savedTokenFor(ctx, cfg)
		m.mu.Lock()
		m.persistentID = token
		m.mu.Unlock()
	}

	m.emit(from, StatusConnecting, fmt.Sprintf("connecting to %s", logutil.SanitizeForLog(cfg.Address())), nil)

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := m.tr.Open(ctx, token); err != nil {
		err = fmt.Errorf("open transport: %w", err)
		m.abortConnect(waiter, err)
		return err
	}
	if err := m.sendAuthenticate(ctx, cfg, token); err != nil {
		m.abortConnect(waiter, err)
		return err
	}

	select {
	case res := <-waiter:
		return res.err
	case <-ctx.Done():
		err := fmt.Errorf("connect to %s: %w", cfg.Address(), ctx.Err())
		m.abortConnect(waiter, err)
		return err
	}
}

// Resume reconnects using the persisted record, reattaching to the same
// remote shell. It is the reload path.
func (m *Manager) Resume(ctx context.Context) error {
	if m.store == nil {
		return ErrNoSavedSession
	}
	rec, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session record: %w", err)
	}
	if rec == nil || !rec.Connected || rec.Config == nil {
		return ErrNoSavedSession
	}

	m.mu.Lock()
	if m.status != StatusDisconnected {
		m.mu.Unlock()
		return ErrAlreadyActive
	}
	m.persistentID = rec.SessionID
	m.mu.Unlock()

	log.Printf("[session] resuming session %s", rec.SessionID)
	return m.Connect(ctx, *rec.Config)
}

// Disconnect tears the remote session down. It is terminal: no reconnect
// follows, and all persisted state is cleared.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	from := m.status
	id := m.persistentID
	waiter := m.waiter
	m.waiter = nil
	m.status = StatusDisconnected
	m.cfg = nil
	m.persistentID = ""
	m.mu.Unlock()

	if from != StatusDisconnected {
		if err := m.tr.Send(ctx, protocol.Frame{Type: protocol.TypeTeardown, SessionID: id}); err != nil {
			log.Printf("[session] teardown frame not sent: %v", err)
		}
	}
	m.tr.SetResumeToken("")
	if err := m.tr.Close(); err != nil {
		log.Printf("[session] transport close: %v", err)
	}
	m.clearStore()

	if waiter != nil {
		waiter <- connectResult{err: ErrDisconnected}
	}
	if from != StatusDisconnected {
		m.emit(from, StatusDisconnected, "disconnected by user", nil)
	}
	return nil
}

// Refresh asks the gateway whether the remote session is still alive.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	id := m.persistentID
	status := m.status
	m.mu.Unlock()
	if status != StatusConnected || id == "" {
		return ErrNotConnected
	}
	return m.tr.Send(ctx, protocol.Frame{Type: protocol.TypeCheckSession, SessionID: id})
}

// Ping sends a liveness probe.
func (m *Manager) Ping(ctx context.Context) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}
	return m.tr.Send(ctx, protocol.Frame{Type: protocol.TypePing})
}

// RestartShell resets the remote shell without dropping the session.
func (m *Manager) RestartShell(ctx context.Context) error {
	m.mu.Lock()
	id := m.persistentID
	status := m.status
	m.mu.Unlock()
	if status != StatusConnected {
		return ErrNotConnected
	}
	return m.tr.Send(ctx, protocol.Frame{Type: protocol.TypeRestartShell, SessionID: id})
}

func (m *Manager) sendAuthenticate(ctx context.Context, cfg ConnectionConfig, token string) error {
	err := m.tr.Send(ctx, protocol.Frame{
		Type:       protocol.TypeAuthenticate,
		SessionID:  token,
		Host:       cfg.Host,
		Port:       cfg.Port,
		Username:   cfg.Username,
		PrivateKey: cfg.PrivateKey,
		Passphrase: cfg.Passphrase,
	})
	if err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}
	return nil
}

// abortConnect fails an in-flight Connect. The persisted record is kept.
func (m *Manager) abortConnect(waiter chan connectResult, err error) {
	m.mu.Lock()
	if m.waiter != waiter {
		m.mu.Unlock()
		return
	}
	m.waiter = nil
	from := m.status
	m.status = StatusDisconnected
	m.cfg = nil
	m.persistentID = ""
	m.mu.Unlock()

	m.tr.Close()
	if from != StatusDisconnected {
		m.emit(from, StatusDisconnected, "connect failed", err)
	}
}

func (m *Manager) touch() {
	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
}

func (m *Manager) handleFrame(f protocol.Frame) {
	m.touch()
	switch f.Type {
	case protocol.TypeEstablished, protocol.TypeResumed:
		m.handleEstablished(f)
	case protocol.TypeError:
		m.handleError(f)
	case protocol.TypeClosed, protocol.TypeEnded:
		m.handleEnded(f)
	case protocol.TypeSessionStatus:
		m.handleSessionStatus(f)
	}
}

func (m *Manager) handleEstablished(f protocol.Frame) {
	resumed := f.Type == protocol.TypeResumed

	m.mu.Lock()
	if m.status == StatusDisconnected {
		m.mu.Unlock()
		log.Printf("[session] ignoring %s while disconnected", f.Type)
		return
	}
	from := m.status
	m.status = StatusConnected
	m.persistentID = f.SessionID
	m.lastActivity = time.Now()
	waiter := m.waiter
	m.waiter = nil
	var cfg ConnectionConfig
	if m.cfg != nil {
		cfg = *m.cfg
	}
	m.mu.Unlock()

	m.tr.SetResumeToken(f.SessionID)
	m.save(Record{
		SessionID: f.SessionID,
		Connected: true,
		Config:    &cfg,
		Info: ConnectionInfo{
			Host:      cfg.Host,
			Username:  cfg.Username,
			Port:      cfg.Port,
			Timestamp: time.Now(),
		},
	})

	reason := "session established"
	if resumed {
		reason = "session resumed"
	}
	log.Printf("[session] %s: %s", reason, f.SessionID)
	// Subscribers run before Connect returns.
	if from != StatusConnected {
		m.emit(from, StatusConnected, reason, nil)
	}
	if waiter != nil {
		waiter <- connectResult{sessionID: f.SessionID, resumed: resumed}
	}
}

func (m *Manager) handleError(f protocol.Frame) {
	msg := logutil.SanitizeForLog(f.Message)
	if f.NotAttached() {
		// A frame raced ahead of session-resumed; the resume is still pending.
		log.Printf("[session] gateway has no session bound yet: %s", msg)
		return
	}
	if IsAuthFailure(f.Message) {
		log.Printf("[session] authentication failed: %s", msg)
		m.terminate(fmt.Errorf("%w: %s", ErrAuthFailed, f.Message), "authentication failed")
		return
	}

	m.mu.Lock()
	waiter := m.waiter
	status := m.status
	m.mu.Unlock()

	if status == StatusConnecting && waiter != nil {
		err := fmt.Errorf("%w: %s", ErrRejected, f.Message)
		m.abortConnect(waiter, err)
		waiter <- connectResult{err: err}
		return
	}
	if status == StatusConnecting {
		// A resume after a drop was refused. Nothing else would leave
		// Connecting, so give up and keep the ID for a manual reconnect.
		log.Printf("[session] resume rejected: %s", msg)
		m.giveUp(fmt.Errorf("%w: %s", ErrRejected, f.Message), "resume rejected", true)
		return
	}
	log.Printf("[session] gateway error: %s", msg)
}

func (m *Manager) handleEnded(f protocol.Frame) {
	log.Printf("[session] remote session ended: %s", logutil.SanitizeForLog(f.Message))
	m.terminate(fmt.Errorf("%w: %s", ErrSessionEnded, f.Message), "remote session ended")
}

// terminate clears every piece of session state, persisted included.
func (m *Manager) terminate(err error, reason string) {
	m.mu.Lock()
	from := m.status
	waiter := m.waiter
	m.waiter = nil
	m.status = StatusDisconnected
	m.cfg = nil
	m.persistentID = ""
	m.mu.Unlock()

	m.tr.SetResumeToken("")
	m.tr.Close()
	m.clearStore()

	if waiter != nil {
		waiter <- connectResult{err: err}
	}
	if from != StatusDisconnected {
		m.emit(from, StatusDisconnected, reason, err)
	}
}

// handleSessionStatus processes the reply to a refresh probe. A dead remote
// session with a retained config is replaced by a fresh login.
func (m *Manager) handleSessionStatus(f protocol.Frame) {
	if f.Alive {
		return
	}

	m.mu.Lock()
	if m.status != StatusConnected || m.cfg == nil {
		m.mu.Unlock()
		return
	}
	cfg := *m.cfg
	m.persistentID = ""
	m.status = StatusConnecting
	m.mu.Unlock()

	log.Printf("[session] remote session %s no longer alive, re-authenticating", f.SessionID)
	m.tr.SetResumeToken("")
	m.emit(StatusConnected, StatusConnecting, "remote session expired", nil)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := m.sendAuthenticate(ctx, cfg, ""); err != nil {
		log.Printf("[session] re-authenticate failed: %v", err)
	}
}

func (m *Manager) handleOpen(e transport.OpenEvent) {
	if !e.Reconnect {
		return
	}

	m.mu.Lock()
	status := m.status
	token := m.persistentID
	var cfg ConnectionConfig
	hasCfg := m.cfg != nil
	if hasCfg {
		cfg = *m.cfg
	}
	m.mu.Unlock()

	if status == StatusDisconnected || !hasCfg {
		return
	}

	if token != "" {
		log.Printf("[session] transport reopened, resuming session %s", token)
	} else {
		log.Printf("[session] transport reopened, authenticating")
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := m.sendAuthenticate(ctx, cfg, token); err != nil {
		log.Printf("[session] resume failed: %v", err)
	}
}

func (m *Manager) handleClose(e transport.CloseEvent) {
	switch e.Kind {
	case transport.CloseDropped:
		m.mu.Lock()
		if m.status != StatusConnected {
			m.mu.Unlock()
			return
		}
		m.status = StatusConnecting
		m.mu.Unlock()
		m.emit(StatusConnected, StatusConnecting, "transport dropped, resuming", e.Err)

	case transport.CloseExhausted:
		err := e.Err
		if err == nil {
			err = transport.ErrBackoffExhausted
		}
		m.giveUp(err, "reconnect attempts exhausted", false)
	}
}

// giveUp moves to Disconnected after an unrecoverable reconnect failure.
// Unlike terminate it keeps the persisted session ID, marked disconnected.
func (m *Manager) giveUp(err error, reason string, closeTransport bool) {
	m.mu.Lock()
	from := m.status
	waiter := m.waiter
	m.waiter = nil
	id := m.persistentID
	m.status = StatusDisconnected
	m.cfg = nil
	m.persistentID = ""
	m.mu.Unlock()

	if closeTransport {
		if cerr := m.tr.Close(); cerr != nil {
			log.Printf("[session] transport close: %v", cerr)
		}
	}
	m.markStoreDisconnected(id)
	if waiter != nil {
		waiter <- connectResult{err: err}
	}
	if from != StatusDisconnected {
		m.emit(from, StatusDisconnected, reason, err)
	}
}

func (m *Manager) emit(from, to Status, reason string, err error) {
	if err != nil {
		log.Printf("[session] %s -> %s (%s): %v", from, to, reason, err)
	} else {
		log.Printf("[session] %s -> %s (%s)", from, to, reason)
	}
	m.changes.Emit(StatusChange{From: from, To: to, Reason: reason, Err: err})
}

// savedTokenFor returns the persisted session ID when the stored record
// targets the same account as cfg.
func (m *Manager) savedTokenFor(ctx context.Context, cfg ConnectionConfig) string {
	if m.store == nil {
		return ""
	}
	rec, err := m.store.Load(ctx)
	if err != nil || rec == nil || rec.SessionID == "" {
		return ""
	}
	saved := ConnectionConfig{Host: rec.Info.Host, Port: rec.Info.Port, Username: rec.Info.Username}
	if !saved.sameTarget(cfg) {
		return ""
	}
	return rec.SessionID
}

func (m *Manager) save(rec Record) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.Save(ctx, rec); err != nil {
		log.Printf("[session] persist session record: %v", err)
	}
}

func (m *Manager) clearStore() {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.Clear(ctx); err != nil {
		log.Printf("[session] clear session record: %v", err)
	}
}

// markStoreDisconnected keeps the session ID but drops the connected flag,
// so a reload does not auto-resume while a manual connect still can.
func (m *Manager) markStoreDisconnected(id string) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	rec, err := m.store.Load(ctx)
	if err != nil {
		log.Printf("[session] load session record: %v", err)
		return
	}
	if rec == nil {
		if id == "" {
			return
		}
		rec = &Record{SessionID: id}
	}
	rec.Connected = false
	if err := m.store.Save(ctx, *rec); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[session] persist session record: %v", err)
	}
}
