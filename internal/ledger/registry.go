package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// CreditHook runs after a credit settles on an account of the hook's
// kind. totalReceived is the account's posted credits after the settle,
// which hooks dedupe against their own derived totals.
type CreditHook func(ctx context.Context, accountID uuid.UUID, totalReceived uint64) error

// Registry maps account kinds to their lifecycle hooks. Backends call
// OnCredit after every settled credit; kinds without a hook are ignored.
type Registry struct {
	mu    sync.RWMutex
	hooks map[AccountKind]CreditHook
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{hooks: make(map[AccountKind]CreditHook)}
}

// RegisterOnCredit adds a hook for a kind. Registering a kind twice is a
// wiring bug and panics, like a duplicate handler registration.
func (r *Registry) RegisterOnCredit(kind AccountKind, hook CreditHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.hooks[kind]; exists {
		panic(fmt.Sprintf("credit hook already registered for kind %s", kind))
	}
	r.hooks[kind] = hook
}

// OnCredit dispatches to the kind's hook, if any.
func (r *Registry) OnCredit(ctx context.Context, account Account, totalReceived uint64) error {
	r.mu.RLock()
	hook := r.hooks[account.Kind]
	r.mu.RUnlock()
	if hook == nil {
		return nil
	}
	return hook(ctx, account.ID, totalReceived)
}
