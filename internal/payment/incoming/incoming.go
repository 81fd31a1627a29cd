// Package incoming manages payments received over STREAM: their state
// machine (Pending, Processing, Completed, Expired), their lazily
// created ledger accounts, and the expiry worker.
package incoming

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/event"
)

var (
	ErrUnknownPayment = errors.New("unknown incoming payment")
	ErrWrongState     = errors.New("incoming payment in wrong state")
)

// State is the incoming payment lifecycle state.
type State string

const (
	// StatePending: created, nothing received yet.
	StatePending State = "pending"
	// StateProcessing: at least one credit has settled.
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateExpired    State = "expired"
)

// Terminal reports whether the state accepts no further money.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateExpired
}

// Payment is one incoming payment.
type Payment struct {
	ID              uuid.UUID
	WalletAddressID uuid.UUID
	AssetID         uuid.UUID
	State           State

	// IncomingAmount is the requested total; nil means open-ended.
	IncomingAmount *uint64

	// ReceivedAmount mirrors the ledger's total received, de-duped by
	// the credit hook.
	ReceivedAmount uint64

	ExpiresAt time.Time

	// ConnectionID addresses the payment's connection resource; nulled
	// on entry to a terminal state.
	ConnectionID *uuid.UUID

	Metadata  json.RawMessage
	ProcessAt *time.Time
	CreatedAt time.Time
}

// Store is the incoming payment repository. Mutations take the
// lifecycle events they cause and commit them atomically with the
// payment, so a crash never loses an event for a state change that
// happened.
type Store interface {
	Insert(ctx context.Context, p Payment, events ...event.Event) error
	Get(ctx context.Context, id uuid.UUID) (Payment, error)
	GetByConnectionID(ctx context.Context, connectionID uuid.UUID) (Payment, error)

	// Update persists the mutable fields: state, receivedAmount,
	// connectionID, processAt.
	Update(ctx context.Context, p Payment, events ...event.Event) error

	// ListExpired returns non-terminal payments past their expiry.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Payment, error)
}
