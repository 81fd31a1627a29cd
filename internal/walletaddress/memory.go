package walletaddress

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is the in-memory wallet address repository.
type MemStore struct {
	mu        sync.Mutex
	addresses map[uuid.UUID]WalletAddress
}

func NewMemStore() *MemStore {
	return &MemStore{addresses: make(map[uuid.UUID]WalletAddress)}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Insert(_ context.Context, w WalletAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.addresses {
		if existing.URL == w.URL {
			return ErrDuplicateURL
		}
	}
	s.addresses[w.ID] = w
	return nil
}

func (s *MemStore) Get(_ context.Context, id uuid.UUID) (WalletAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.addresses[id]
	if !ok {
		return WalletAddress{}, ErrUnknownWalletAddress
	}
	return w, nil
}

func (s *MemStore) GetByURL(_ context.Context, url string) (WalletAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.addresses {
		if w.URL == url {
			return w, nil
		}
	}
	return WalletAddress{}, ErrUnknownWalletAddress
}

func (s *MemStore) Update(_ context.Context, w WalletAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.addresses[w.ID]
	if !ok {
		return ErrUnknownWalletAddress
	}
	stored.PublicName = w.PublicName
	stored.DeactivatedAt = w.DeactivatedAt
	s.addresses[w.ID] = stored
	return nil
}

func (s *MemStore) SetProcessAt(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.addresses[id]
	if !ok || w.ProcessAt != nil {
		return nil
	}
	w.ProcessAt = &at
	s.addresses[id] = w
	return nil
}

func (s *MemStore) ListDue(_ context.Context, now time.Time, limit int) ([]WalletAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []WalletAddress
	for _, w := range s.addresses {
		if w.ProcessAt != nil && !w.ProcessAt.After(now) {
			due = append(due, w)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ProcessAt.Before(*due[j].ProcessAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemStore) RecordEvents(_ context.Context, id uuid.UUID, total uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.addresses[id]
	if !ok {
		return ErrUnknownWalletAddress
	}
	w.TotalEventsAmount = total
	w.ProcessAt = nil
	s.addresses[id] = w
	return nil
}
