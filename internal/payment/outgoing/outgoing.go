// Package outgoing is the outgoing payment lifecycle engine: creation
// under grant limits, funding, and the polling worker that drives
// funded payments through the pay runtime to Completed or Failed.
package outgoing

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/amount"
	"github.com/halcyonpay/ilpd/internal/event"
)

var (
	ErrUnknownPayment    = errors.New("unknown outgoing payment")
	ErrWrongState        = errors.New("outgoing payment in wrong state")
	ErrInvalidAmount     = errors.New("invalid funding amount")
	ErrInvalidQuote      = errors.New("invalid quote")
	ErrInsufficientGrant = errors.New("insufficient grant")
)

// State is the outgoing payment lifecycle state.
type State string

const (
	// StateFunding: created, waiting for the ledger deposit.
	StateFunding State = "funding"
	// StateSending: funded; the worker drives pay attempts.
	StateSending   State = "sending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the worker is done with the payment.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Payment is one outgoing payment. Its ID doubles as the consumed
// quote's ID and as its ledger account ID.
type Payment struct {
	ID              uuid.UUID
	WalletAddressID uuid.UUID
	QuoteID         uuid.UUID
	State           State

	// SentAmount accumulates source units actually sent across
	// attempts, persisted after every attempt.
	SentAmount uint64

	// StateAttempts counts pay attempts since entering Sending; it
	// keys the retry backoff.
	StateAttempts int

	Error   *string
	PeerID  *uuid.UUID
	GrantID *string

	Metadata  json.RawMessage
	Client    *string
	ProcessAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// GrantLimits bounds what payments under one grant may move.
type GrantLimits struct {
	Receiver      *string
	DebitAmount   *amount.Amount
	ReceiveAmount *amount.Amount

	// Interval is an ISO 8601 repeating interval; limits apply per
	// occurrence.
	Interval *string
}

// Grant is the authorization context for a payment creation. Only the
// ID is persisted; limits arrive with each request.
type Grant struct {
	ID     string
	Limits *GrantLimits
}

// Store is the outgoing payment repository. Mutations take the
// lifecycle events they cause and commit them atomically with the
// payment.
type Store interface {
	Insert(ctx context.Context, p Payment, events ...event.Event) error
	Get(ctx context.Context, id uuid.UUID) (Payment, error)

	// Update persists state, sentAmount, stateAttempts, error, peerId,
	// and processAt.
	Update(ctx context.Context, p Payment, events ...event.Event) error

	// ListByGrant returns every payment created under a grant.
	ListByGrant(ctx context.Context, grantID string) ([]Payment, error)

	// WithGrantLock runs fn while holding an exclusive lock on the
	// grant row, creating the row on first use. Creations under the
	// same grant serialize here; mutations through the handed-in view
	// commit with the lock.
	WithGrantLock(ctx context.Context, grantID string, fn func(ctx context.Context, store GrantTx) error) error

	// Claim locks one payment due for a pay attempt and returns it
	// with a release that persists the mutated payment and frees the
	// claim. Returns nil when nothing is due.
	Claim(ctx context.Context, now time.Time) (*Payment, ReleaseFunc, error)
}

// GrantTx is the store view held under the grant lock.
type GrantTx interface {
	Insert(ctx context.Context, p Payment, events ...event.Event) error
	ListByGrant(ctx context.Context, grantID string) ([]Payment, error)
}

// ReleaseFunc persists the processed payment with its events and
// releases the claim.
type ReleaseFunc func(ctx context.Context, p Payment, events ...event.Event) error
