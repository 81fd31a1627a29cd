// Package quote computes time-bounded commitments of source amount,
// receive amount, and exchange rate bounds for an outgoing payment.
package quote

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/halcyonpay/ilpd/internal/amount"
)

var (
	ErrUnknownQuote    = errors.New("unknown quote")
	ErrInvalidAmount   = errors.New("invalid quote amount")
	ErrInvalidReceiver = errors.New("invalid quote receiver")
)

// Quote is an immutable, single-use commitment.
type Quote struct {
	ID              uuid.UUID
	WalletAddressID uuid.UUID
	AssetID         uuid.UUID
	Receiver        string

	// DebitAmount is charged to the source wallet, fees included.
	DebitAmount amount.Amount

	// ReceiveAmount is what the receiver is expected to get.
	ReceiveAmount amount.Amount

	MaxPacketAmount uint64

	// MinExchangeRate is the worst destination-per-source rate the
	// sender will accept, in smallest units.
	MinExchangeRate decimal.Decimal

	// Low/HighEstimatedExchangeRate bracket the expected rate; the
	// upper bound is exclusive.
	LowEstimatedExchangeRate  decimal.Decimal
	HighEstimatedExchangeRate decimal.Decimal

	FeeID     *uuid.UUID
	ExpiresAt time.Time
	Client    *string
	CreatedAt time.Time
}

// Expired reports whether the quote can no longer fund a payment at t.
func (q Quote) Expired(t time.Time) bool {
	return !q.ExpiresAt.After(t)
}

// Store is the quote repository.
type Store interface {
	Insert(ctx context.Context, q Quote) error
	Get(ctx context.Context, id uuid.UUID) (Quote, error)
}
