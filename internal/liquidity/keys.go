package liquidity

import (
	"context"
	"sync"

	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/storage/postgres"

	"github.com/google/uuid"
)

// DBKeys reserves idempotency keys in the shared idempotency_keys
// table.
type DBKeys struct {
	Ex    postgres.Executor
	Clock clock.Clock
}

func (k DBKeys) Reserve(ctx context.Context, operation, key string) (bool, error) {
	// The stored result is a per-call nonce: a replay reads back the
	// first call's nonce and reports ErrKeyExists.
	err := postgres.ReserveIdempotencyKey(ctx, k.Ex, operation, key, uuid.NewString(), k.Clock.Now())
	if err == postgres.ErrKeyExists {
		return true, nil
	}
	return false, err
}

// MemKeys is the in-memory reservation set for tests and standalone
// mode.
type MemKeys struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemKeys() *MemKeys {
	return &MemKeys{seen: make(map[string]struct{})}
}

func (k *MemKeys) Reserve(_ context.Context, operation, key string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	tuple := operation + "\x00" + key
	if _, ok := k.seen[tuple]; ok {
		return true, nil
	}
	k.seen[tuple] = struct{}{}
	return false, nil
}

// DBEvents reads events straight off the outbox table.
type DBEvents struct {
	Ex postgres.Executor
}

func (e DBEvents) Get(ctx context.Context, id uuid.UUID) (event.Event, error) {
	return event.Get(ctx, e.Ex, id)
}
