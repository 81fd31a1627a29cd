// Package liquidity exposes the admin-facing ledger operations: asset
// and peer deposits, two-phase withdrawals, and the event-driven
// deposit/withdraw pair. Every mutation is idempotent per caller key.
package liquidity

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/ledger"
	"github.com/halcyonpay/ilpd/internal/peer"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
)

var (
	// ErrInvalidID reports an id that does not denote a usable entity
	// for the operation.
	ErrInvalidID = errors.New("invalid id")

	// ErrAmountZero rejects zero-value liquidity movements.
	ErrAmountZero = errors.New("amount is zero")
)

// Keys reserves (operation, idempotencyKey) tuples. A true return marks
// a replay: the operation already ran and the caller returns its stored
// outcome.
type Keys interface {
	Reserve(ctx context.Context, operation, key string) (replayed bool, err error)
}

// EventStore is the slice of the event outbox the event-liquidity
// operations need.
type EventStore interface {
	Get(ctx context.Context, id uuid.UUID) (event.Event, error)
}

// Service runs the admin liquidity operations.
type Service struct {
	keys      Keys
	ledger    ledger.Ledger
	assets    asset.Store
	peers     peer.Store
	addresses walletaddress.Store
	events    EventStore
	clock     clock.Clock
	log       *zap.Logger
}

func NewService(keys Keys, l ledger.Ledger, assets asset.Store, peers peer.Store, addresses walletaddress.Store, events EventStore, c clock.Clock, log *zap.Logger) *Service {
	return &Service{
		keys:      keys,
		ledger:    l,
		assets:    assets,
		peers:     peers,
		addresses: addresses,
		events:    events,
		clock:     c,
		log:       log,
	}
}

// transferID derives a deterministic ledger transfer id from the
// operation and key, so a replay that slips past the key table still
// hits the ledger's own idempotency.
func transferID(operation, key string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("liquidity:"+operation+":"+key))
}

// AddAssetLiquidity deposits into the asset's liquidity account.
func (s *Service) AddAssetLiquidity(ctx context.Context, key string, assetID uuid.UUID, value uint64) error {
	if value == 0 {
		return ErrAmountZero
	}
	if _, err := s.assets.Get(ctx, assetID); err != nil {
		return err
	}
	return s.deposit(ctx, "addAssetLiquidity", key, assetID, value)
}

// AddPeerLiquidity deposits into the peer's liquidity account.
func (s *Service) AddPeerLiquidity(ctx context.Context, key string, peerID uuid.UUID, value uint64) error {
	if value == 0 {
		return ErrAmountZero
	}
	if _, err := s.peers.Get(ctx, peerID); err != nil {
		return err
	}
	return s.deposit(ctx, "addPeerLiquidity", key, peerID, value)
}

func (s *Service) deposit(ctx context.Context, operation, key string, accountID uuid.UUID, value uint64) error {
	replayed, err := s.keys.Reserve(ctx, operation, key)
	if err != nil || replayed {
		return err
	}
	err = s.ledger.CreateDeposit(ctx, ledger.Deposit{
		ID:        transferID(operation, key),
		AccountID: accountID,
		Amount:    value,
	})
	if err != nil {
		return err
	}
	s.log.Info("liquidity deposited",
		zap.String("operation", operation),
		zap.String("account", accountID.String()),
		zap.Uint64("amount", value))
	return nil
}

// CreateAssetLiquidityWithdrawal starts a two-phase withdrawal from the
// asset's liquidity account.
func (s *Service) CreateAssetLiquidityWithdrawal(ctx context.Context, key string, withdrawalID, assetID uuid.UUID, value uint64, timeout time.Duration) error {
	if value == 0 {
		return ErrAmountZero
	}
	if _, err := s.assets.Get(ctx, assetID); err != nil {
		return err
	}
	return s.withdraw(ctx, "createAssetLiquidityWithdrawal", key, withdrawalID, assetID, value, timeout)
}

// CreatePeerLiquidityWithdrawal starts a two-phase withdrawal from the
// peer's liquidity account.
func (s *Service) CreatePeerLiquidityWithdrawal(ctx context.Context, key string, withdrawalID, peerID uuid.UUID, value uint64, timeout time.Duration) error {
	if value == 0 {
		return ErrAmountZero
	}
	if _, err := s.peers.Get(ctx, peerID); err != nil {
		return err
	}
	return s.withdraw(ctx, "createPeerLiquidityWithdrawal", key, withdrawalID, peerID, value, timeout)
}

// CreateWalletAddressWithdrawal starts a two-phase withdrawal of the
// wallet address's web-monetization funds.
func (s *Service) CreateWalletAddressWithdrawal(ctx context.Context, key string, withdrawalID, addressID uuid.UUID, value uint64, timeout time.Duration) error {
	if value == 0 {
		return ErrAmountZero
	}
	if _, err := s.addresses.Get(ctx, addressID); err != nil {
		return err
	}
	return s.withdraw(ctx, "createWalletAddressWithdrawal", key, withdrawalID, addressID, value, timeout)
}

func (s *Service) withdraw(ctx context.Context, operation, key string, withdrawalID, accountID uuid.UUID, value uint64, timeout time.Duration) error {
	replayed, err := s.keys.Reserve(ctx, operation, key)
	if err != nil || replayed {
		return err
	}
	err = s.ledger.CreateWithdrawal(ctx, ledger.Withdrawal{
		ID:        withdrawalID,
		AccountID: accountID,
		Amount:    value,
		Timeout:   timeout,
	})
	if err != nil {
		return err
	}
	s.log.Info("liquidity withdrawal created",
		zap.String("operation", operation),
		zap.String("withdrawal", withdrawalID.String()),
		zap.String("account", accountID.String()),
		zap.Uint64("amount", value))
	return nil
}

// PostLiquidityWithdrawal commits a pending withdrawal.
func (s *Service) PostLiquidityWithdrawal(ctx context.Context, withdrawalID uuid.UUID) error {
	return s.ledger.PostWithdrawal(ctx, withdrawalID)
}

// VoidLiquidityWithdrawal rolls a pending withdrawal back.
func (s *Service) VoidLiquidityWithdrawal(ctx context.Context, withdrawalID uuid.UUID) error {
	return s.ledger.VoidWithdrawal(ctx, withdrawalID)
}

// createdEventData is the slice of an outgoing_payment.created event
// body the deposit operation needs.
type createdEventData struct {
	ID          string `json:"id"`
	DebitAmount struct {
		Value string `json:"value"`
	} `json:"debitAmount"`
}

// DepositEventLiquidity funds the outgoing payment named by a created
// event with its quoted debit amount.
func (s *Service) DepositEventLiquidity(ctx context.Context, key string, eventID uuid.UUID) error {
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return ErrInvalidID
	}
	if ev.Type != event.TypeOutgoingPaymentCreated {
		return ErrInvalidID
	}
	var data createdEventData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		return ErrInvalidID
	}
	paymentID, err := uuid.Parse(data.ID)
	if err != nil {
		return ErrInvalidID
	}
	value, err := strconv.ParseUint(data.DebitAmount.Value, 10, 64)
	if err != nil || value == 0 {
		return ErrInvalidID
	}
	return s.deposit(ctx, "depositEventLiquidity", key, paymentID, value)
}

// WithdrawEventLiquidity posts the withdrawal an event carries: the
// residual or received funds its consumer is entitled to move out.
func (s *Service) WithdrawEventLiquidity(ctx context.Context, key string, eventID uuid.UUID) error {
	ev, err := s.events.Get(ctx, eventID)
	if err != nil {
		return ErrInvalidID
	}
	if ev.Withdrawal == nil || ev.Withdrawal.Amount == 0 {
		return ErrInvalidID
	}
	replayed, err := s.keys.Reserve(ctx, "withdrawEventLiquidity", key)
	if err != nil || replayed {
		return err
	}
	err = s.ledger.CreateWithdrawal(ctx, ledger.Withdrawal{
		ID:        transferID("withdrawEventLiquidity", key),
		AccountID: ev.Withdrawal.AccountID,
		Amount:    ev.Withdrawal.Amount,
	})
	if err != nil {
		return err
	}
	s.log.Info("event liquidity withdrawn",
		zap.String("event", ev.ID.String()),
		zap.String("account", ev.Withdrawal.AccountID.String()),
		zap.Uint64("amount", ev.Withdrawal.Amount))
	return nil
}
