package event

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/storage/postgres"
)

// Sink is where services enqueue events. Services that need the event
// committed atomically with a state change call Insert on their own
// transaction instead.
type Sink interface {
	Enqueue(ctx context.Context, ev Event) error
}

// DBSink appends events to the outbox table.
type DBSink struct {
	Ex    postgres.Executor
	Clock clock.Clock
}

func (s DBSink) Enqueue(ctx context.Context, ev Event) error {
	return Insert(ctx, s.Ex, ev, s.Clock.Now())
}

// MemSink collects events in memory for tests and standalone mode.
type MemSink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemSink() *MemSink {
	return &MemSink{}
}

func (s *MemSink) Enqueue(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Get returns an enqueued event by ID.
func (s *MemSink) Get(_ context.Context, id uuid.UUID) (Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.ID == id {
			return ev, nil
		}
	}
	return Event{}, ErrUnknownEvent
}

// Events returns a snapshot of everything enqueued.
func (s *MemSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType filters the snapshot by event type.
func (s *MemSink) OfType(eventType string) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}
