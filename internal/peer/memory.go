package peer

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemStore is the in-memory peer repository.
type MemStore struct {
	mu    sync.Mutex
	peers map[uuid.UUID]Peer
}

func NewMemStore() *MemStore {
	return &MemStore{peers: make(map[uuid.UUID]Peer)}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Insert(_ context.Context, p Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.ID] = p
	return nil
}

func (s *MemStore) Get(_ context.Context, id uuid.UUID) (Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[id]
	if !ok {
		return Peer{}, ErrUnknownPeer
	}
	return p, nil
}

func (s *MemStore) GetByIncomingToken(_ context.Context, token string) (Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		for _, t := range p.HTTP.IncomingTokens {
			if t == token {
				return p, nil
			}
		}
	}
	return Peer{}, ErrInvalidToken
}

func (s *MemStore) Update(_ context.Context, p Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[p.ID]; !ok {
		return ErrUnknownPeer
	}
	s.peers[p.ID] = p
	return nil
}

func (s *MemStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[id]; !ok {
		return ErrUnknownPeer
	}
	delete(s.peers, id)
	return nil
}

func (s *MemStore) List(_ context.Context) ([]Peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].CreatedAt.Before(peers[j].CreatedAt)
	})
	return peers, nil
}
