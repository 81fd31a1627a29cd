package fee

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemStore is the in-memory fee repository.
type MemStore struct {
	mu   sync.Mutex
	fees []Fee
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Insert(_ context.Context, f Fee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees = append(s.fees, f)
	return nil
}

func (s *MemStore) Get(_ context.Context, id uuid.UUID) (Fee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.fees {
		if f.ID == id {
			return f, nil
		}
	}
	return Fee{}, ErrUnknownFee
}

func (s *MemStore) GetActive(_ context.Context, assetID uuid.UUID, t Type) (Fee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Latest insert wins.
	for i := len(s.fees) - 1; i >= 0; i-- {
		if s.fees[i].AssetID == assetID && s.fees[i].Type == t {
			return s.fees[i], nil
		}
	}
	return Fee{}, ErrUnknownFee
}
