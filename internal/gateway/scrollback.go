package gateway

import "sync"

const defaultScrollbackSize = 1024 * 1024

// Scrollback keeps the most recent shell output of a session so a client
// that reattaches sees what it missed. Older bytes are trimmed from the
// front once the buffer exceeds its limit.
type Scrollback struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

func NewScrollback(maxLen int) *Scrollback {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &Scrollback{maxLen: maxLen}
}

func (s *Scrollback) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		s.data = append([]byte(nil), s.data[len(s.data)-s.maxLen:]...)
	}
}

// Snapshot returns a copy of the buffered output.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.data...)
}

func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *Scrollback) Reset() {
	s.mu.Lock()
	s.data = nil
	s.mu.Unlock()
}
