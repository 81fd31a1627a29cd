package asset

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemStore is the in-memory asset repository for tests and standalone
// mode.
type MemStore struct {
	mu     sync.Mutex
	assets map[uuid.UUID]Asset
}

func NewMemStore() *MemStore {
	return &MemStore{assets: make(map[uuid.UUID]Asset)}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Insert(_ context.Context, a Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.assets {
		if existing.Code == a.Code && existing.Scale == a.Scale {
			return ErrDuplicate
		}
	}
	s.assets[a.ID] = a
	return nil
}

func (s *MemStore) Get(_ context.Context, id uuid.UUID) (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return Asset{}, ErrUnknownAsset
	}
	return a, nil
}

func (s *MemStore) GetByCodeAndScale(_ context.Context, code string, scale uint8) (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.assets {
		if a.Code == code && a.Scale == scale {
			return a, nil
		}
	}
	return Asset{}, ErrUnknownAsset
}

func (s *MemStore) UpdateWithdrawalThreshold(_ context.Context, id uuid.UUID, threshold *uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.assets[id]
	if !ok {
		return ErrUnknownAsset
	}
	a.WithdrawalThreshold = threshold
	s.assets[id] = a
	return nil
}

func (s *MemStore) List(_ context.Context) ([]Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assets := make([]Asset, 0, len(s.assets))
	for _, a := range s.assets {
		assets = append(assets, a)
	}
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].CreatedAt.Before(assets[j].CreatedAt)
	})
	return assets, nil
}
