// Package ledger defines the contract between the engine and the
// double-entry ledger that holds all balances. Domain tables never store
// authoritative balances; everything money-shaped goes through here.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Tagged error kinds. Callers branch on these with errors.Is; the
// idempotent ones (ErrAccountExists, ErrTransferExists) double as
// success signals on retry.
var (
	ErrAccountExists       = errors.New("account already exists")
	ErrUnknownAccount      = errors.New("unknown account")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrTransferExists      = errors.New("transfer exists")
	ErrUnknownTransfer     = errors.New("unknown transfer")
	ErrAlreadyPosted       = errors.New("transfer already posted")
	ErrAlreadyVoided       = errors.New("transfer already voided")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAssetMismatch       = errors.New("account asset mismatch")
)

// AccountKind tags the domain entity behind a ledger account.
type AccountKind string

const (
	KindAsset           AccountKind = "asset"
	KindPeer            AccountKind = "peer"
	KindIncoming        AccountKind = "incoming"
	KindOutgoing        AccountKind = "outgoing"
	KindWebMonetization AccountKind = "web_monetization"

	// KindSettlement is the per-asset pool every deposit draws from and
	// every withdrawal returns to. Created alongside the asset account;
	// never owned by a domain entity.
	KindSettlement AccountKind = "settlement"
)

// Account binds a domain entity to a ledger account. The account ID is
// the entity's own ID, so lookups need no join table.
type Account struct {
	ID      uuid.UUID
	Kind    AccountKind
	AssetID uuid.UUID
}

// Deposit moves value from the asset's settlement pool into an account.
// Idempotent on ID.
type Deposit struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Amount    uint64
}

// Withdrawal moves value out of an account back into the settlement
// pool. A non-zero timeout makes it two-phase: it must be posted or
// voided before the timeout, else it auto-voids.
type Withdrawal struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	Amount    uint64
	Timeout   time.Duration
}

// Transfer is a two-phase cross-account transfer. Source and destination
// amounts may differ when the accounts are denominated in different
// assets; each side then settles against its own asset pool.
type Transfer struct {
	ID                   uuid.UUID
	SourceAccountID      uuid.UUID
	DestinationAccountID uuid.UUID
	SourceAmount         uint64
	DestinationAmount    uint64
	Timeout              time.Duration
}

// TwoPhase resolves a pending transfer. Exactly one of Post or Void may
// succeed; the other reports the prior resolution.
type TwoPhase struct {
	Post func(ctx context.Context) error
	Void func(ctx context.Context) error
}

// Ledger is the adapter every backend implements.
type Ledger interface {
	// CreateAccount registers a liquidity account. ErrAccountExists on
	// replay; callers treat that as success.
	CreateAccount(ctx context.Context, account Account) error

	// GetAccount looks an account up by ID.
	GetAccount(ctx context.Context, id uuid.UUID) (Account, error)

	// CreateDeposit posts a settlement-pool deposit. Idempotent on ID.
	CreateDeposit(ctx context.Context, d Deposit) error

	// CreateWithdrawal starts (or, with zero timeout, completes) a
	// withdrawal.
	CreateWithdrawal(ctx context.Context, w Withdrawal) error

	// PostWithdrawal commits a pending withdrawal.
	PostWithdrawal(ctx context.Context, id uuid.UUID) error

	// VoidWithdrawal rolls a pending withdrawal back.
	VoidWithdrawal(ctx context.Context, id uuid.UUID) error

	// CreateTransfer reserves a pending transfer and returns its
	// post/void pair. ErrInsufficientBalance when the source cannot
	// cover it.
	CreateTransfer(ctx context.Context, t Transfer) (*TwoPhase, error)

	// GetBalance returns the available balance: posted credits minus
	// posted and pending debits.
	GetBalance(ctx context.Context, accountID uuid.UUID) (uint64, error)

	// GetTotalSent returns posted debits.
	GetTotalSent(ctx context.Context, accountID uuid.UUID) (uint64, error)

	// GetTotalReceived returns posted credits.
	GetTotalReceived(ctx context.Context, accountID uuid.UUID) (uint64, error)
}
