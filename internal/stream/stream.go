// Package stream carries interactive terminal traffic: keystrokes to the
// remote shell and raw output back.
package stream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gluk-w/sshdash/internal/observer"
	"github.com/gluk-w/sshdash/internal/protocol"
)

// Input sent closer than this to the previous send is coalesced.
var defaultMinGap = 16 * time.Millisecond

type Sender interface {
	Send(ctx context.Context, f protocol.Frame) error
}

type SessionIDSource interface {
	SessionID() string
}

// Stream preserves byte order in both directions. Output is delivered
// synchronously from the channel's read goroutine.
type Stream struct {
	sender  Sender
	session SessionIDSource
	minGap  time.Duration

	// sendMu is held from taking the buffer until the frame is written.
	sendMu sync.Mutex

	mu       sync.Mutex
	buf      []byte
	lastSend time.Time
	timer    *time.Timer

	outputs    observer.List[[]byte]
	errOutputs observer.List[[]byte]
}

// New creates a Stream. A non-positive minGap selects the default.
func New(sender Sender, session SessionIDSource, minGap time.Duration) *Stream {
	if minGap <= 0 {
		minGap = defaultMinGap
	}
	return &Stream{sender: sender, session: session, minGap: minGap}
}

// OnOutput registers fn for stdout bytes.
func (s *Stream) OnOutput(fn func([]byte)) func() { return s.outputs.Add(fn) }

// OnErrorOutput registers fn for stderr bytes.
func (s *Stream) OnErrorOutput(fn func([]byte)) func() { return s.errOutputs.Add(fn) }

// SendInput queues p for the remote shell. Input arriving within MinGap of
// the previous send is merged and flushed when the gap elapses.
func (s *Stream) SendInput(p []byte) {
	if len(p) == 0 {
		return
	}
	s.mu.Lock()
	s.buf = append(s.buf, p...)
	since := time.Since(s.lastSend)
	if since >= s.minGap && s.timer == nil {
		s.mu.Unlock()
		s.Flush()
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.minGap-since, s.Flush)
	}
	s.mu.Unlock()
}

// Flush sends any buffered input now.
func (s *Stream) Flush() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	data := s.buf
	s.buf = nil
	if len(data) > 0 {
		s.lastSend = time.Now()
	}
	s.mu.Unlock()

	if len(data) == 0 {
		return
	}
	err := s.sender.Send(context.Background(), protocol.Frame{
		Type:      protocol.TypeInput,
		SessionID: s.session.SessionID(),
		Data:      data,
	})
	if err != nil {
		log.Printf("[stream] dropping %d byte(s) of input: %v", len(data), err)
	}
}

// Close stops the flush timer and discards buffered input.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.buf = nil
}

// HandleFrame delivers output and error-output frames to subscribers.
func (s *Stream) HandleFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.TypeOutput:
		s.outputs.Emit(f.Data)
	case protocol.TypeErrorBytes:
		s.errOutputs.Emit(f.Data)
	}
}
