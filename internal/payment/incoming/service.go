package incoming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/ledger"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
)

// Service manages incoming payments. Credits settle through the ledger
// hook, which drives the Pending → Processing → Completed transitions.
type Service struct {
	store     Store
	addresses walletaddress.Store
	assets    asset.Store
	ledger    ledger.Ledger
	clock     clock.Clock
	log       *zap.Logger

	// defaultExpiry applies when a create names no expiry.
	defaultExpiry time.Duration
}

func NewService(store Store, addresses walletaddress.Store, assets asset.Store, l ledger.Ledger, registry *ledger.Registry, c clock.Clock, defaultExpiry time.Duration, log *zap.Logger) *Service {
	s := &Service{
		store:         store,
		addresses:     addresses,
		assets:        assets,
		ledger:        l,
		clock:         c,
		log:           log,
		defaultExpiry: defaultExpiry,
	}
	registry.RegisterOnCredit(ledger.KindIncoming, s.onCredit)
	return s
}

// CreateParams carries the incoming payment fields.
type CreateParams struct {
	WalletAddressID uuid.UUID
	IncomingAmount  *uint64
	ExpiresAt       *time.Time
	Metadata        json.RawMessage
}

// Create opens an incoming payment on an active wallet address.
func (s *Service) Create(ctx context.Context, params CreateParams) (Payment, error) {
	addr, err := s.addresses.Get(ctx, params.WalletAddressID)
	if err != nil {
		return Payment{}, err
	}
	now := s.clock.Now()
	if !addr.Active(now) {
		return Payment{}, walletaddress.ErrInactive
	}

	expiresAt := now.Add(s.defaultExpiry)
	if params.ExpiresAt != nil {
		expiresAt = *params.ExpiresAt
	}
	connectionID := uuid.New()
	p := Payment{
		ID:              uuid.New(),
		WalletAddressID: addr.ID,
		AssetID:         addr.AssetID,
		State:           StatePending,
		IncomingAmount:  params.IncomingAmount,
		ExpiresAt:       expiresAt,
		ConnectionID:    &connectionID,
		Metadata:        params.Metadata,
		CreatedAt:       now,
	}
	ev, err := s.lifecycleEvent(ctx, event.TypeIncomingPaymentCreated, p)
	if err != nil {
		return Payment{}, err
	}
	if err := s.store.Insert(ctx, p, ev); err != nil {
		return Payment{}, err
	}
	s.log.Info("incoming payment created",
		zap.String("payment", p.ID.String()),
		zap.String("wallet_address", addr.ID.String()))
	return p, nil
}

// Get looks a payment up by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	return s.store.Get(ctx, id)
}

// GetByConnectionID resolves the payment behind a connection resource.
func (s *Service) GetByConnectionID(ctx context.Context, connectionID uuid.UUID) (Payment, error) {
	return s.store.GetByConnectionID(ctx, connectionID)
}

// Complete finishes a payment explicitly, regardless of the amount
// received so far.
func (s *Service) Complete(ctx context.Context, id uuid.UUID) (Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	if p.State.Terminal() {
		return Payment{}, ErrWrongState
	}
	return s.finish(ctx, p, StateCompleted, event.TypeIncomingPaymentCompleted)
}

// Expire moves a payment past its deadline to Expired.
func (s *Service) Expire(ctx context.Context, p Payment) (Payment, error) {
	if p.State.Terminal() {
		return Payment{}, ErrWrongState
	}
	return s.finish(ctx, p, StateExpired, event.TypeIncomingPaymentExpired)
}

// ListExpired exposes due payments to the expiry worker.
func (s *Service) ListExpired(ctx context.Context, now time.Time, limit int) ([]Payment, error) {
	return s.store.ListExpired(ctx, now, limit)
}

// EnsureAccount lazily provisions the payment's ledger account; called
// on the first packet addressed to it.
func (s *Service) EnsureAccount(ctx context.Context, id uuid.UUID) (Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	err = s.ledger.CreateAccount(ctx, ledger.Account{
		ID:      p.ID,
		Kind:    ledger.KindIncoming,
		AssetID: p.AssetID,
	})
	if err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		return Payment{}, fmt.Errorf("create incoming payment account: %w", err)
	}
	return p, nil
}

// finish enters a terminal state: connectionId is nulled and the event
// committed with the update. Residual withdrawal of received funds is
// driven by the event consumer.
func (s *Service) finish(ctx context.Context, p Payment, state State, eventType string) (Payment, error) {
	p.State = state
	p.ConnectionID = nil
	ev, err := s.lifecycleEvent(ctx, eventType, p)
	if err != nil {
		return Payment{}, err
	}
	if err := s.store.Update(ctx, p, ev); err != nil {
		return Payment{}, err
	}
	return p, nil
}

// onCredit mirrors the ledger total into receivedAmount and advances
// the state machine.
func (s *Service) onCredit(ctx context.Context, accountID uuid.UUID, totalReceived uint64) error {
	p, err := s.store.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if p.State.Terminal() || totalReceived <= p.ReceivedAmount {
		return nil
	}
	p.ReceivedAmount = totalReceived
	if p.State == StatePending {
		p.State = StateProcessing
	}
	if p.IncomingAmount != nil && p.ReceivedAmount >= *p.IncomingAmount {
		_, err = s.finish(ctx, p, StateCompleted, event.TypeIncomingPaymentCompleted)
		return err
	}
	return s.store.Update(ctx, p)
}

// lifecycleEvent builds the webhook event reporting the payment's
// state. The caller hands it to the store so it commits with the
// mutation.
func (s *Service) lifecycleEvent(ctx context.Context, eventType string, p Payment) (event.Event, error) {
	a, err := s.assets.Get(ctx, p.AssetID)
	if err != nil {
		return event.Event{}, err
	}
	body := map[string]any{
		"id":              p.ID.String(),
		"walletAddressId": p.WalletAddressID.String(),
		"state":           string(p.State),
		"receivedAmount": map[string]any{
			"value":      fmt.Sprintf("%d", p.ReceivedAmount),
			"assetCode":  a.Code,
			"assetScale": a.Scale,
		},
		"expiresAt": p.ExpiresAt.UTC().Format(time.RFC3339),
	}
	if p.IncomingAmount != nil {
		body["incomingAmount"] = map[string]any{
			"value":      fmt.Sprintf("%d", *p.IncomingAmount),
			"assetCode":  a.Code,
			"assetScale": a.Scale,
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return event.Event{}, err
	}
	ev := event.Event{ID: uuid.New(), Type: eventType, Data: data, CreatedAt: s.clock.Now()}
	if p.ReceivedAmount > 0 && eventType != event.TypeIncomingPaymentCreated {
		ev.Withdrawal = &event.Withdrawal{
			AccountID: p.ID,
			AssetID:   p.AssetID,
			Amount:    p.ReceivedAmount,
		}
	}
	return ev, nil
}
