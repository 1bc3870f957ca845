// Package memory provides an in-memory session.Store for tests and for
// applications that opt out of persistence.
package memory

import (
	"context"
	"sync"

	"github.com/sessionkit/sessionkit/pkg/session"
)

// Store implements session.Store in process memory.
type Store struct {
	mu  sync.Mutex
	rec *session.PersistedSession
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

func (s *Store) Load(_ context.Context) (*session.PersistedSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rec == nil {
		return nil, session.ErrNoPersistedSession
	}
	rec := *s.rec
	return &rec, nil
}

func (s *Store) Save(_ context.Context, rec *session.PersistedSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rec
	s.rec = &r
	return nil
}

func (s *Store) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rec = nil
	return nil
}
