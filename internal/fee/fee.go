// Package fee stores and applies per-asset sending and receiving fees.
package fee

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrUnknownFee = errors.New("unknown fee")

// Type distinguishes which side of a payment a fee applies to.
type Type string

const (
	TypeSending   Type = "sending"
	TypeReceiving Type = "receiving"
)

const basisPointDenominator = 10_000

// Fee is a fixed charge plus a proportional charge in basis points.
// The most recently set fee per (asset, type) is the active one.
type Fee struct {
	ID          uuid.UUID
	AssetID     uuid.UUID
	Type        Type
	Fixed       uint64
	BasisPoints int
	CreatedAt   time.Time
}

// Apply returns the fee charged on amount:
// fixed + ceil(amount × basisPoints / 10000).
func (f Fee) Apply(amount uint64) uint64 {
	proportional := (amount*uint64(f.BasisPoints) + basisPointDenominator - 1) / basisPointDenominator
	return f.Fixed + proportional
}

// Store is the fee repository.
type Store interface {
	Insert(ctx context.Context, f Fee) error
	Get(ctx context.Context, id uuid.UUID) (Fee, error)

	// GetActive returns the latest fee for an asset and type, or
	// ErrUnknownFee when none is configured.
	GetActive(ctx context.Context, assetID uuid.UUID, t Type) (Fee, error)
}
