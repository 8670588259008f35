// Package heartbeat keeps an idle session honest. While the session is
// connected it probes the gateway after a quiet period and, after a longer
// one, asks whether the remote shell still exists.
package heartbeat

import (
	"context"
	"log"
	"sync"
	"time"
)

// Thresholds. Package-level vars so tests can override.
var (
	defaultTick  = 10 * time.Second
	probeAfter   = 30 * time.Second
	refreshAfter = 60 * time.Second
	probeTimeout = 5 * time.Second
)

// ActivitySource reports when traffic last crossed the channel.
type ActivitySource interface {
	LastActivity() time.Time
}

// Session is the part of session.Manager the monitor drives.
type Session interface {
	IsConnected() bool
	HasConfig() bool
	Ping(ctx context.Context) error
	Refresh(ctx context.Context) error
}

type Monitor struct {
	activity ActivitySource
	session  Session
	tick     time.Duration
	now      func() time.Time

	mu           sync.Mutex
	cancel       context.CancelFunc
	done         chan struct{}
	refreshedFor time.Time
}

// New creates a stopped monitor. A non-positive tick selects the default.
func New(activity ActivitySource, session Session, tick time.Duration) *Monitor {
	if tick <= 0 {
		tick = defaultTick
	}
	return &Monitor{activity: activity, session: session, tick: tick, now: time.Now}
}

// Start launches the ticker goroutine. Calling Start on a running monitor
// is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
}

// Stop halts the ticker and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the ticker goroutine is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check evaluates idleness once. Idle past probeAfter sends a ping. Idle
// past refreshAfter with a known config additionally sends one session check
// per idle stretch; new activity starts a new stretch.
func (m *Monitor) Check(ctx context.Context) {
	if !m.session.IsConnected() {
		return
	}
	last := m.activity.LastActivity()
	idle := m.now().Sub(last)

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if idle > refreshAfter && m.session.HasConfig() {
		m.mu.Lock()
		due := !m.refreshedFor.Equal(last)
		if due {
			m.refreshedFor = last
		}
		m.mu.Unlock()
		if due {
			log.Printf("[heartbeat] idle for %s, checking session", idle.Round(time.Second))
			if err := m.session.Refresh(ctx); err != nil {
				log.Printf("[heartbeat] session check failed: %v", err)
			}
			return
		}
	}
	if idle > probeAfter {
		if err := m.session.Ping(ctx); err != nil {
			log.Printf("[heartbeat] ping failed: %v", err)
		}
	}
}

// Wake runs an out-of-band session check, used when the terminal becomes
// visible again after being hidden.
func (m *Monitor) Wake(ctx context.Context) {
	if !m.session.IsConnected() || !m.session.HasConfig() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := m.session.Refresh(ctx); err != nil {
		log.Printf("[heartbeat] wake check failed: %v", err)
	}
}
