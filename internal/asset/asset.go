// Package asset manages the currencies the engine can denominate
// accounts in. Creating an asset provisions its liquidity account and
// its settlement pool.
package asset

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownAsset = errors.New("unknown asset")
	ErrDuplicate    = errors.New("asset code and scale already registered")
)

// Asset identifies a currency. Immutable except WithdrawalThreshold.
type Asset struct {
	ID    uuid.UUID
	Code  string
	Scale uint8

	// WithdrawalThreshold, when set, is the minimum accumulated credit
	// before a web-monetization withdrawal event is emitted.
	WithdrawalThreshold *uint64

	CreatedAt time.Time
}

// SettlementAccountID derives the asset's settlement pool account ID.
func SettlementAccountID(assetID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(assetID, []byte("settlement"))
}

// Store is the asset repository.
type Store interface {
	Insert(ctx context.Context, a Asset) error
	Get(ctx context.Context, id uuid.UUID) (Asset, error)
	GetByCodeAndScale(ctx context.Context, code string, scale uint8) (Asset, error)
	UpdateWithdrawalThreshold(ctx context.Context, id uuid.UUID, threshold *uint64) error
	List(ctx context.Context) ([]Asset, error)
}
