package incoming

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/event"
)

// MemStore is the in-memory incoming payment repository. Events ride
// each mutation into the sink, mirroring the relational store's
// transactional outbox.
type MemStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]Payment
	events   event.Sink
}

func NewMemStore(events event.Sink) *MemStore {
	return &MemStore{payments: make(map[uuid.UUID]Payment), events: events}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Insert(ctx context.Context, p Payment, events ...event.Event) error {
	s.mu.Lock()
	s.payments[p.ID] = p
	s.mu.Unlock()
	return s.emit(ctx, events)
}

func (s *MemStore) Get(_ context.Context, id uuid.UUID) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, ErrUnknownPayment
	}
	return p, nil
}

func (s *MemStore) GetByConnectionID(_ context.Context, connectionID uuid.UUID) (Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ConnectionID != nil && *p.ConnectionID == connectionID {
			return p, nil
		}
	}
	return Payment{}, ErrUnknownPayment
}

func (s *MemStore) Update(ctx context.Context, p Payment, events ...event.Event) error {
	s.mu.Lock()
	stored, ok := s.payments[p.ID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownPayment
	}
	stored.State = p.State
	stored.ReceivedAmount = p.ReceivedAmount
	stored.ConnectionID = p.ConnectionID
	stored.ProcessAt = p.ProcessAt
	s.payments[p.ID] = stored
	s.mu.Unlock()
	return s.emit(ctx, events)
}

func (s *MemStore) ListExpired(_ context.Context, now time.Time, limit int) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []Payment
	for _, p := range s.payments {
		if !p.State.Terminal() && !p.ExpiresAt.After(now) {
			expired = append(expired, p)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

func (s *MemStore) emit(ctx context.Context, events []event.Event) error {
	for _, ev := range events {
		if err := s.events.Enqueue(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}
