// Package memory implements the ledger contract in process memory. It
// backs tests and standalone mode and mirrors the semantics of the SQL
// backend, including two-phase timeouts.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/ledger"
)

type accountState struct {
	account        ledger.Account
	creditsPosted  uint64
	debitsPosted   uint64
	debitsPending  uint64
	creditsPending uint64
}

// available is what the account can still spend.
func (a *accountState) available() uint64 {
	used := a.debitsPosted + a.debitsPending
	if used >= a.creditsPosted {
		return 0
	}
	return a.creditsPosted - used
}

type transferState int

const (
	statePending transferState = iota
	statePosted
	stateVoided
)

type transferEntry struct {
	state     transferState
	expiresAt time.Time // zero when not subject to timeout

	sourceID      uuid.UUID
	destinationID uuid.UUID
	sourceAmount  uint64
	destAmount    uint64
}

// Ledger is the in-memory backend.
type Ledger struct {
	mu        sync.Mutex
	clock     clock.Clock
	registry  *ledger.Registry
	accounts  map[uuid.UUID]*accountState
	transfers map[uuid.UUID]*transferEntry
	// settlement account per asset
	settlement map[uuid.UUID]uuid.UUID
}

// New creates an empty in-memory ledger.
func New(c clock.Clock, registry *ledger.Registry) *Ledger {
	return &Ledger{
		clock:      c,
		registry:   registry,
		accounts:   make(map[uuid.UUID]*accountState),
		transfers:  make(map[uuid.UUID]*transferEntry),
		settlement: make(map[uuid.UUID]uuid.UUID),
	}
}

var _ ledger.Ledger = (*Ledger)(nil)

// CreateAccount registers a liquidity account.
func (l *Ledger) CreateAccount(_ context.Context, account ledger.Account) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.accounts[account.ID]; exists {
		return ledger.ErrAccountExists
	}
	l.accounts[account.ID] = &accountState{account: account}
	if account.Kind == ledger.KindSettlement {
		l.settlement[account.AssetID] = account.ID
	}
	return nil
}

// GetAccount looks an account up by ID.
func (l *Ledger) GetAccount(_ context.Context, id uuid.UUID) (ledger.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrUnknownAccount
	}
	return state.account, nil
}

// CreateDeposit posts value from the settlement pool into an account.
func (l *Ledger) CreateDeposit(ctx context.Context, d ledger.Deposit) error {
	l.mu.Lock()

	if d.Amount == 0 {
		l.mu.Unlock()
		return ledger.ErrInvalidAmount
	}
	if _, exists := l.transfers[d.ID]; exists {
		l.mu.Unlock()
		return ledger.ErrTransferExists
	}
	target, ok := l.accounts[d.AccountID]
	if !ok {
		l.mu.Unlock()
		return ledger.ErrUnknownAccount
	}
	pool, err := l.settlementLocked(target.account.AssetID)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	pool.debitsPosted += d.Amount
	target.creditsPosted += d.Amount
	l.transfers[d.ID] = &transferEntry{
		state:         statePosted,
		sourceID:      pool.account.ID,
		destinationID: d.AccountID,
		sourceAmount:  d.Amount,
		destAmount:    d.Amount,
	}

	account := target.account
	total := target.creditsPosted
	l.mu.Unlock()

	return l.registry.OnCredit(ctx, account, total)
}

// CreateWithdrawal reserves (or, with zero timeout, posts) a withdrawal.
func (l *Ledger) CreateWithdrawal(_ context.Context, w ledger.Withdrawal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()

	if w.Amount == 0 {
		return ledger.ErrInvalidAmount
	}
	if _, exists := l.transfers[w.ID]; exists {
		return ledger.ErrTransferExists
	}
	source, ok := l.accounts[w.AccountID]
	if !ok {
		return ledger.ErrUnknownAccount
	}
	pool, err := l.settlementLocked(source.account.AssetID)
	if err != nil {
		return err
	}
	if source.account.Kind != ledger.KindSettlement && source.available() < w.Amount {
		return ledger.ErrInsufficientBalance
	}

	entry := &transferEntry{
		state:         statePending,
		sourceID:      w.AccountID,
		destinationID: pool.account.ID,
		sourceAmount:  w.Amount,
		destAmount:    w.Amount,
	}
	source.debitsPending += w.Amount
	pool.creditsPending += w.Amount
	l.transfers[w.ID] = entry

	if w.Timeout == 0 {
		l.postLocked(entry)
	} else {
		entry.expiresAt = l.clock.Now().Add(w.Timeout)
	}
	return nil
}

// PostWithdrawal commits a pending withdrawal.
func (l *Ledger) PostWithdrawal(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	return l.resolveLocked(id, true)
}

// VoidWithdrawal rolls a pending withdrawal back.
func (l *Ledger) VoidWithdrawal(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()
	return l.resolveLocked(id, false)
}

// CreateTransfer reserves a pending cross-account transfer.
func (l *Ledger) CreateTransfer(_ context.Context, t ledger.Transfer) (*ledger.TwoPhase, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()

	if t.SourceAmount == 0 || t.DestinationAmount == 0 {
		return nil, ledger.ErrInvalidAmount
	}
	if _, exists := l.transfers[t.ID]; exists {
		return nil, ledger.ErrTransferExists
	}
	source, ok := l.accounts[t.SourceAccountID]
	if !ok {
		return nil, ledger.ErrUnknownAccount
	}
	dest, ok := l.accounts[t.DestinationAccountID]
	if !ok {
		return nil, ledger.ErrUnknownAccount
	}
	if source.account.Kind != ledger.KindSettlement && source.available() < t.SourceAmount {
		return nil, ledger.ErrInsufficientBalance
	}

	entry := &transferEntry{
		state:         statePending,
		sourceID:      t.SourceAccountID,
		destinationID: t.DestinationAccountID,
		sourceAmount:  t.SourceAmount,
		destAmount:    t.DestinationAmount,
	}
	if t.Timeout > 0 {
		entry.expiresAt = l.clock.Now().Add(t.Timeout)
	}
	source.debitsPending += t.SourceAmount
	dest.creditsPending += t.DestinationAmount
	l.transfers[t.ID] = entry

	id := t.ID
	return &ledger.TwoPhase{
		Post: func(ctx context.Context) error { return l.resolve(ctx, id, true) },
		Void: func(ctx context.Context) error { return l.resolve(ctx, id, false) },
	}, nil
}

// GetBalance returns the available balance.
func (l *Ledger) GetBalance(_ context.Context, accountID uuid.UUID) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked()

	state, ok := l.accounts[accountID]
	if !ok {
		return 0, ledger.ErrUnknownAccount
	}
	return state.available(), nil
}

// GetTotalSent returns posted debits.
func (l *Ledger) GetTotalSent(_ context.Context, accountID uuid.UUID) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.accounts[accountID]
	if !ok {
		return 0, ledger.ErrUnknownAccount
	}
	return state.debitsPosted, nil
}

// GetTotalReceived returns posted credits.
func (l *Ledger) GetTotalReceived(_ context.Context, accountID uuid.UUID) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.accounts[accountID]
	if !ok {
		return 0, ledger.ErrUnknownAccount
	}
	return state.creditsPosted, nil
}

func (l *Ledger) resolve(ctx context.Context, id uuid.UUID, post bool) error {
	l.mu.Lock()
	l.sweepLocked()
	err := l.resolveLocked(id, post)
	var account ledger.Account
	var total uint64
	credited := false
	if err == nil && post {
		if dest, ok := l.accounts[l.transfers[id].destinationID]; ok {
			account = dest.account
			total = dest.creditsPosted
			credited = true
		}
	}
	l.mu.Unlock()

	if credited {
		return l.registry.OnCredit(ctx, account, total)
	}
	return err
}

func (l *Ledger) resolveLocked(id uuid.UUID, post bool) error {
	entry, ok := l.transfers[id]
	if !ok {
		return ledger.ErrUnknownTransfer
	}
	switch entry.state {
	case statePosted:
		return ledger.ErrAlreadyPosted
	case stateVoided:
		return ledger.ErrAlreadyVoided
	}
	if post {
		l.postLocked(entry)
	} else {
		l.voidLocked(entry)
	}
	return nil
}

func (l *Ledger) postLocked(entry *transferEntry) {
	source := l.accounts[entry.sourceID]
	dest := l.accounts[entry.destinationID]
	source.debitsPending -= entry.sourceAmount
	source.debitsPosted += entry.sourceAmount
	dest.creditsPending -= entry.destAmount
	dest.creditsPosted += entry.destAmount
	entry.state = statePosted
}

func (l *Ledger) voidLocked(entry *transferEntry) {
	source := l.accounts[entry.sourceID]
	dest := l.accounts[entry.destinationID]
	source.debitsPending -= entry.sourceAmount
	dest.creditsPending -= entry.destAmount
	entry.state = stateVoided
}

// sweepLocked voids every pending transfer past its timeout.
func (l *Ledger) sweepLocked() {
	now := l.clock.Now()
	for _, entry := range l.transfers {
		if entry.state == statePending && !entry.expiresAt.IsZero() && !entry.expiresAt.After(now) {
			l.voidLocked(entry)
		}
	}
}

func (l *Ledger) settlementLocked(assetID uuid.UUID) (*accountState, error) {
	id, ok := l.settlement[assetID]
	if !ok {
		return nil, ledger.ErrUnknownAccount
	}
	return l.accounts[id], nil
}
