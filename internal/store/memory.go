// Package store implements session.PersistenceStore.
package store

import (
	"context"
	"sync"

	"github.com/gluk-w/sshdash/internal/session"
)

// MemoryStore keeps the record in process memory. It survives a client
// being rebuilt within the same process and nothing else.
type MemoryStore struct {
	mu  sync.Mutex
	rec *session.Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (*session.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, nil
	}
	return cloneRecord(*s.rec), nil
}

func (s *MemoryStore) Save(_ context.Context, rec session.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = cloneRecord(rec)
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}

func cloneRecord(rec session.Record) *session.Record {
	out := rec
	if rec.Config != nil {
		cfg := *rec.Config
		out.Config = &cfg
	}
	return &out
}
