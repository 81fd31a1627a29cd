package outgoing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/event"
)

// MemStore keeps payments in memory for tests and standalone mode.
type MemStore struct {
	mu       sync.Mutex
	payments map[uuid.UUID]Payment
	byQuote  map[uuid.UUID]uuid.UUID
	claimed  map[uuid.UUID]bool
	events   event.Sink

	grantMu sync.Mutex
	grants  map[string]*sync.Mutex
}

func NewMemStore(events event.Sink) *MemStore {
	return &MemStore{
		payments: make(map[uuid.UUID]Payment),
		byQuote:  make(map[uuid.UUID]uuid.UUID),
		claimed:  make(map[uuid.UUID]bool),
		events:   events,
		grants:   make(map[string]*sync.Mutex),
	}
}

var _ Store = (*MemStore)(nil)

func (s *MemStore) Insert(ctx context.Context, p Payment, events ...event.Event) error {
	s.mu.Lock()
	if _, ok := s.byQuote[p.QuoteID]; ok {
		s.mu.Unlock()
		return ErrInvalidQuote
	}
	s.payments[p.ID] = clonePayment(p)
	s.byQuote[p.QuoteID] = p.ID
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
	return clonePayment(p), nil
}

func (s *MemStore) Update(ctx context.Context, p Payment, events ...event.Event) error {
	s.mu.Lock()
	if _, ok := s.payments[p.ID]; !ok {
		s.mu.Unlock()
		return ErrUnknownPayment
	}
	s.payments[p.ID] = clonePayment(p)
	s.mu.Unlock()
	return s.emit(ctx, events)
}

func (s *MemStore) ListByGrant(_ context.Context, grantID string) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Payment
	for _, p := range s.payments {
		if p.GrantID != nil && *p.GrantID == grantID {
			out = append(out, clonePayment(p))
		}
	}
	return out, nil
}

func (s *MemStore) WithGrantLock(ctx context.Context, grantID string, fn func(ctx context.Context, store GrantTx) error) error {
	s.grantMu.Lock()
	lock, ok := s.grants[grantID]
	if !ok {
		lock = &sync.Mutex{}
		s.grants[grantID] = lock
	}
	s.grantMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn(ctx, s)
}

func (s *MemStore) Claim(_ context.Context, now time.Time) (*Payment, ReleaseFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pick *Payment
	for id, p := range s.payments {
		if s.claimed[id] || p.State != StateSending {
			continue
		}
		if p.ProcessAt == nil || p.ProcessAt.After(now) {
			continue
		}
		if pick == nil || p.ProcessAt.Before(*pick.ProcessAt) {
			candidate := clonePayment(p)
			pick = &candidate
		}
	}
	if pick == nil {
		return nil, nil, nil
	}
	s.claimed[pick.ID] = true

	release := func(ctx context.Context, updated Payment, events ...event.Event) error {
		s.mu.Lock()
		delete(s.claimed, updated.ID)
		if _, ok := s.payments[updated.ID]; !ok {
			s.mu.Unlock()
			return ErrUnknownPayment
		}
		s.payments[updated.ID] = clonePayment(updated)
		s.mu.Unlock()
		return s.emit(ctx, events)
	}
	return pick, release, nil
}

func (s *MemStore) emit(ctx context.Context, events []event.Event) error {
	for _, ev := range events {
		if err := s.events.Enqueue(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func clonePayment(p Payment) Payment {
	if p.Error != nil {
		v := *p.Error
		p.Error = &v
	}
	if p.PeerID != nil {
		id := *p.PeerID
		p.PeerID = &id
	}
	if p.GrantID != nil {
		v := *p.GrantID
		p.GrantID = &v
	}
	if p.ProcessAt != nil {
		at := *p.ProcessAt
		p.ProcessAt = &at
	}
	if p.Metadata != nil {
		p.Metadata = append([]byte(nil), p.Metadata...)
	}
	return p
}
