package asset

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/ledger"
)

// Service provisions assets and their ledger accounts.
type Service struct {
	store  Store
	ledger ledger.Ledger
	clock  clock.Clock
	log    *zap.Logger
}

func NewService(store Store, l ledger.Ledger, c clock.Clock, log *zap.Logger) *Service {
	return &Service{store: store, ledger: l, clock: c, log: log}
}

// CreateOptions carries the optional asset fields.
type CreateOptions struct {
	WithdrawalThreshold *uint64
}

// Create registers a currency and provisions its liquidity account and
// settlement pool. An existing ledger account on retry is treated as
// success.
func (s *Service) Create(ctx context.Context, code string, scale uint8, opts CreateOptions) (Asset, error) {
	a := Asset{
		ID:                  uuid.New(),
		Code:                code,
		Scale:               scale,
		WithdrawalThreshold: opts.WithdrawalThreshold,
		CreatedAt:           s.clock.Now(),
	}
	if err := s.store.Insert(ctx, a); err != nil {
		return Asset{}, err
	}

	err := s.ledger.CreateAccount(ctx, ledger.Account{
		ID:      a.ID,
		Kind:    ledger.KindAsset,
		AssetID: a.ID,
	})
	if err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		return Asset{}, fmt.Errorf("create asset liquidity account: %w", err)
	}

	// Deterministic pool ID keeps retries idempotent under the one
	// settlement account per asset constraint.
	err = s.ledger.CreateAccount(ctx, ledger.Account{
		ID:      SettlementAccountID(a.ID),
		Kind:    ledger.KindSettlement,
		AssetID: a.ID,
	})
	if err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		return Asset{}, fmt.Errorf("create settlement account: %w", err)
	}

	s.log.Info("asset created",
		zap.String("asset", a.ID.String()),
		zap.String("code", code),
		zap.Uint8("scale", scale))
	return a, nil
}

// Get looks an asset up by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Asset, error) {
	return s.store.Get(ctx, id)
}

// Update changes the withdrawal threshold; everything else is
// immutable.
func (s *Service) Update(ctx context.Context, id uuid.UUID, threshold *uint64) (Asset, error) {
	if err := s.store.UpdateWithdrawalThreshold(ctx, id, threshold); err != nil {
		return Asset{}, err
	}
	return s.store.Get(ctx, id)
}

// List returns all assets, oldest first.
func (s *Service) List(ctx context.Context) ([]Asset, error) {
	return s.store.List(ctx)
}
