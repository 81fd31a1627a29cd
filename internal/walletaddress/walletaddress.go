// Package walletaddress manages user-facing payment pointers and the
// web-monetization withdrawal cycle behind them.
package walletaddress

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownWalletAddress = errors.New("unknown wallet address")
	ErrInactive             = errors.New("wallet address inactive")
	ErrDuplicateURL         = errors.New("wallet address url already registered")
)

// WalletAddress is a user-facing account identifier.
type WalletAddress struct {
	ID         uuid.UUID
	URL        string
	AssetID    uuid.UUID
	PublicName *string

	// TotalEventsAmount accumulates credits already withdrawn through
	// web-monetization events; the delta against the ledger's total
	// received is what the next event withdraws.
	TotalEventsAmount uint64

	// ProcessAt schedules the next throttled withdrawal event.
	ProcessAt *time.Time

	DeactivatedAt *time.Time
	CreatedAt     time.Time
}

// Active reports whether the address accepts payments at t.
func (w WalletAddress) Active(t time.Time) bool {
	return w.DeactivatedAt == nil || w.DeactivatedAt.After(t)
}

// Store is the wallet address repository.
type Store interface {
	Insert(ctx context.Context, w WalletAddress) error
	Get(ctx context.Context, id uuid.UUID) (WalletAddress, error)
	GetByURL(ctx context.Context, url string) (WalletAddress, error)
	Update(ctx context.Context, w WalletAddress) error

	// SetProcessAt schedules the withdrawal event, only when none is
	// already scheduled.
	SetProcessAt(ctx context.Context, id uuid.UUID, at time.Time) error

	// ListDue returns addresses whose processAt has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]WalletAddress, error)

	// RecordEvents advances totalEventsAmount and clears processAt.
	RecordEvents(ctx context.Context, id uuid.UUID, total uint64) error
}
