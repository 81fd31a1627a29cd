package quote

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemStore is the in-memory quote repository.
type MemStore struct {
	mu     sync.Mutex
	quotes map[uuid.UUID]Quote
}

func NewMemStore() *MemStore {
	return &MemStore{quotes: make(map[uuid.UUID]Quote)}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Insert(_ context.Context, q Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[q.ID] = q
	return nil
}

func (s *MemStore) Get(_ context.Context, id uuid.UUID) (Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[id]
	if !ok {
		return Quote{}, ErrUnknownQuote
	}
	return q, nil
}
