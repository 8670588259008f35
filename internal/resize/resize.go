// Package resize forwards terminal geometry to the remote PTY.
package resize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshdash/internal/protocol"
)

// Resize sources debounce independently.
const (
	SourceContainer = "container"
	SourceWindow    = "window"
)

var defaultDebounce = 100 * time.Millisecond

var ErrInvalidDimensions = errors.New("resize: dimensions must be positive")

type Sender interface {
	Send(ctx context.Context, f protocol.Frame) error
}

type Session interface {
	IsConnected() bool
	SessionID() string
}

// Size is a terminal geometry in character cells.
type Size struct {
	Cols int
	Rows int
}

type Resizer struct {
	sender   Sender
	session  Session
	debounce time.Duration

	mu     sync.Mutex
	last   *Size
	timers map[string]*time.Timer
}

// New creates a Resizer. A non-positive debounce selects the default.
func New(sender Sender, session Session, debounce time.Duration) *Resizer {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Resizer{
		sender:   sender,
		session:  session,
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
	}
}

// Last returns the most recent valid geometry, if any.
func (r *Resizer) Last() (Size, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.last == nil {
		return Size{}, false
	}
	return *r.last, true
}

// Resize records and sends the geometry. Non-positive dimensions are logged
// and never sent. While disconnected the geometry is only recorded; Resend
// delivers it once the session is back.
func (r *Resizer) Resize(ctx context.Context, cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		log.Printf("[resize] ignoring invalid dimensions %dx%d", cols, rows)
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, cols, rows)
	}
	r.mu.Lock()
	r.last = &Size{Cols: cols, Rows: rows}
	r.mu.Unlock()

	if !r.session.IsConnected() {
		return nil
	}
	return r.send(ctx, cols, rows)
}

// Request schedules a resize from source after the debounce window. A later
// request from the same source replaces the pending one; other sources are
// unaffected.
func (r *Resizer) Request(source string, cols, rows int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[source]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(r.debounce, func() {
		r.mu.Lock()
		if r.timers[source] == t {
			delete(r.timers, source)
		}
		r.mu.Unlock()
		if err := r.Resize(context.Background(), cols, rows); err != nil && !errors.Is(err, ErrInvalidDimensions) {
			log.Printf("[resize] %s resize to %dx%d failed: %v", source, cols, rows, err)
		}
	})
	r.timers[source] = t
}

// Resend sends the last known geometry immediately. It is a no-op when no
// geometry has been recorded.
func (r *Resizer) Resend(ctx context.Context) error {
	size, ok := r.Last()
	if !ok {
		return nil
	}
	return r.send(ctx, size.Cols, size.Rows)
}

// Stop cancels pending debounced requests.
func (r *Resizer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for source, t := range r.timers {
		t.Stop()
		delete(r.timers, source)
	}
}

func (r *Resizer) send(ctx context.Context, cols, rows int) error {
	err := r.sender.Send(ctx, protocol.Frame{
		Type:      protocol.TypeResize,
		SessionID: r.session.SessionID(),
		Cols:      cols,
		Rows:      rows,
	})
	if err != nil {
		return fmt.Errorf("send resize: %w", err)
	}
	return nil
}
