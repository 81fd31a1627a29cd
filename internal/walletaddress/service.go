package walletaddress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/ledger"
)

// Service manages wallet addresses and their lazily created
// web-monetization accounts.
type Service struct {
	store  Store
	assets asset.Store
	ledger ledger.Ledger
	clock  clock.Clock
	log    *zap.Logger

	// withdrawalThrottle delays the withdrawal event after a credit so
	// a stream of small packets collapses into one event.
	withdrawalThrottle time.Duration
}

func NewService(store Store, assets asset.Store, l ledger.Ledger, registry *ledger.Registry, c clock.Clock, withdrawalThrottle time.Duration, log *zap.Logger) *Service {
	s := &Service{
		store:              store,
		assets:             assets,
		ledger:             l,
		clock:              c,
		log:                log,
		withdrawalThrottle: withdrawalThrottle,
	}
	registry.RegisterOnCredit(ledger.KindWebMonetization, s.onCredit)
	return s
}

// CreateParams carries the wallet address fields.
type CreateParams struct {
	URL        string
	AssetID    uuid.UUID
	PublicName *string
}

// Create registers a payment pointer. The web-monetization ledger
// account is not provisioned here; it appears on first credit.
func (s *Service) Create(ctx context.Context, params CreateParams) (WalletAddress, error) {
	if _, err := s.assets.Get(ctx, params.AssetID); err != nil {
		return WalletAddress{}, err
	}
	w := WalletAddress{
		ID:         uuid.New(),
		URL:        params.URL,
		AssetID:    params.AssetID,
		PublicName: params.PublicName,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.Insert(ctx, w); err != nil {
		return WalletAddress{}, err
	}
	s.log.Info("wallet address created",
		zap.String("wallet_address", w.ID.String()),
		zap.String("url", w.URL))
	return w, nil
}

// Get looks a wallet address up by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (WalletAddress, error) {
	return s.store.Get(ctx, id)
}

// GetByURL looks a wallet address up by its public URL.
func (s *Service) GetByURL(ctx context.Context, url string) (WalletAddress, error) {
	return s.store.GetByURL(ctx, url)
}

// UpdateParams carries the mutable fields; nil leaves a field as is.
type UpdateParams struct {
	PublicName *string

	// Deactivate stamps deactivatedAt with now.
	Deactivate bool
}

// Update mutates public name and activation.
func (s *Service) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (WalletAddress, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return WalletAddress{}, err
	}
	if params.PublicName != nil {
		w.PublicName = params.PublicName
	}
	if params.Deactivate && w.DeactivatedAt == nil {
		now := s.clock.Now()
		w.DeactivatedAt = &now
	}
	if err := s.store.Update(ctx, w); err != nil {
		return WalletAddress{}, err
	}
	return w, nil
}

// EnsureAccount lazily provisions the web-monetization ledger account.
// Safe to call on every SPSP fallback packet.
func (s *Service) EnsureAccount(ctx context.Context, id uuid.UUID) (WalletAddress, error) {
	w, err := s.store.Get(ctx, id)
	if err != nil {
		return WalletAddress{}, err
	}
	err = s.ledger.CreateAccount(ctx, ledger.Account{
		ID:      w.ID,
		Kind:    ledger.KindWebMonetization,
		AssetID: w.AssetID,
	})
	if err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		return WalletAddress{}, fmt.Errorf("create web-monetization account: %w", err)
	}
	return w, nil
}

// onCredit schedules the throttled withdrawal event after a credit
// settles on the address's account.
func (s *Service) onCredit(ctx context.Context, accountID uuid.UUID, _ uint64) error {
	return s.store.SetProcessAt(ctx, accountID, s.clock.Now().Add(s.withdrawalThrottle))
}
