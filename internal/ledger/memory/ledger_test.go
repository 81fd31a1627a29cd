package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/ledger"
)

type env struct {
	ctx    context.Context
	clock  *clock.Manual
	ledger *Ledger

	assetID uuid.UUID
	poolID  uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		ctx:     context.Background(),
		clock:   clock.NewManual(time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)),
		assetID: uuid.New(),
		poolID:  uuid.New(),
	}
	e.ledger = New(e.clock, ledger.NewRegistry())
	require.NoError(t, e.ledger.CreateAccount(e.ctx, ledger.Account{
		ID: e.poolID, Kind: ledger.KindSettlement, AssetID: e.assetID,
	}))
	return e
}

func (e *env) newAccount(t *testing.T, kind ledger.AccountKind) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, e.ledger.CreateAccount(e.ctx, ledger.Account{
		ID: id, Kind: kind, AssetID: e.assetID,
	}))
	return id
}

func (e *env) fund(t *testing.T, account uuid.UUID, amount uint64) {
	t.Helper()
	require.NoError(t, e.ledger.CreateDeposit(e.ctx, ledger.Deposit{
		ID: uuid.New(), AccountID: account, Amount: amount,
	}))
}

func TestCreateAccountIdempotencyError(t *testing.T) {
	e := newEnv(t)
	id := e.newAccount(t, ledger.KindPeer)

	err := e.ledger.CreateAccount(e.ctx, ledger.Account{ID: id, Kind: ledger.KindPeer, AssetID: e.assetID})
	assert.ErrorIs(t, err, ledger.ErrAccountExists)
}

func TestDeposit(t *testing.T) {
	e := newEnv(t)
	account := e.newAccount(t, ledger.KindPeer)

	depositID := uuid.New()
	require.NoError(t, e.ledger.CreateDeposit(e.ctx, ledger.Deposit{ID: depositID, AccountID: account, Amount: 100}))

	balance, err := e.ledger.GetBalance(e.ctx, account)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance)

	received, err := e.ledger.GetTotalReceived(e.ctx, account)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), received)

	// Replaying the same deposit id is observable and harmless.
	err = e.ledger.CreateDeposit(e.ctx, ledger.Deposit{ID: depositID, AccountID: account, Amount: 100})
	assert.ErrorIs(t, err, ledger.ErrTransferExists)
	balance, _ = e.ledger.GetBalance(e.ctx, account)
	assert.Equal(t, uint64(100), balance)
}

func TestDepositValidation(t *testing.T) {
	e := newEnv(t)
	account := e.newAccount(t, ledger.KindAsset)

	err := e.ledger.CreateDeposit(e.ctx, ledger.Deposit{ID: uuid.New(), AccountID: account, Amount: 0})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	err = e.ledger.CreateDeposit(e.ctx, ledger.Deposit{ID: uuid.New(), AccountID: uuid.New(), Amount: 1})
	assert.ErrorIs(t, err, ledger.ErrUnknownAccount)
}

func TestWithdrawalLifecycle(t *testing.T) {
	e := newEnv(t)
	account := e.newAccount(t, ledger.KindPeer)
	e.fund(t, account, 100)

	id := uuid.New()
	require.NoError(t, e.ledger.CreateWithdrawal(e.ctx, ledger.Withdrawal{
		ID: id, AccountID: account, Amount: 10, Timeout: 10 * time.Second,
	}))

	// Pending withdrawal already reduces the available balance.
	balance, _ := e.ledger.GetBalance(e.ctx, account)
	assert.Equal(t, uint64(90), balance)

	require.NoError(t, e.ledger.PostWithdrawal(e.ctx, id))
	balance, _ = e.ledger.GetBalance(e.ctx, account)
	assert.Equal(t, uint64(90), balance)
	sent, _ := e.ledger.GetTotalSent(e.ctx, account)
	assert.Equal(t, uint64(10), sent)

	assert.ErrorIs(t, e.ledger.PostWithdrawal(e.ctx, id), ledger.ErrAlreadyPosted)
	assert.ErrorIs(t, e.ledger.VoidWithdrawal(e.ctx, id), ledger.ErrAlreadyPosted)
}

func TestWithdrawalVoidRestoresBalance(t *testing.T) {
	e := newEnv(t)
	account := e.newAccount(t, ledger.KindAsset)
	e.fund(t, account, 100)

	id := uuid.New()
	require.NoError(t, e.ledger.CreateWithdrawal(e.ctx, ledger.Withdrawal{
		ID: id, AccountID: account, Amount: 40, Timeout: time.Minute,
	}))
	require.NoError(t, e.ledger.VoidWithdrawal(e.ctx, id))

	balance, _ := e.ledger.GetBalance(e.ctx, account)
	assert.Equal(t, uint64(100), balance)
	assert.ErrorIs(t, e.ledger.PostWithdrawal(e.ctx, id), ledger.ErrAlreadyVoided)
}

func TestWithdrawalBoundaries(t *testing.T) {
	e := newEnv(t)
	account := e.newAccount(t, ledger.KindPeer)
	e.fund(t, account, 100)

	// Exactly the balance succeeds.
	require.NoError(t, e.ledger.CreateWithdrawal(e.ctx, ledger.Withdrawal{
		ID: uuid.New(), AccountID: account, Amount: 100,
	}))

	e2 := newEnv(t)
	account2 := e2.newAccount(t, ledger.KindPeer)
	e2.fund(t, account2, 100)

	// One unit over fails.
	err := e2.ledger.CreateWithdrawal(e2.ctx, ledger.Withdrawal{
		ID: uuid.New(), AccountID: account2, Amount: 101,
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	err = e2.ledger.CreateWithdrawal(e2.ctx, ledger.Withdrawal{
		ID: uuid.New(), AccountID: account2, Amount: 0,
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	err = e2.ledger.PostWithdrawal(e2.ctx, uuid.New())
	assert.ErrorIs(t, err, ledger.ErrUnknownTransfer)
}

func TestWithdrawalTimeoutAutoVoids(t *testing.T) {
	e := newEnv(t)
	account := e.newAccount(t, ledger.KindPeer)
	e.fund(t, account, 100)

	id := uuid.New()
	require.NoError(t, e.ledger.CreateWithdrawal(e.ctx, ledger.Withdrawal{
		ID: id, AccountID: account, Amount: 10, Timeout: 10 * time.Second,
	}))

	e.clock.Advance(11 * time.Second)

	assert.ErrorIs(t, e.ledger.PostWithdrawal(e.ctx, id), ledger.ErrAlreadyVoided)
	balance, _ := e.ledger.GetBalance(e.ctx, account)
	assert.Equal(t, uint64(100), balance)
}

func TestTwoPhaseTransfer(t *testing.T) {
	e := newEnv(t)
	source := e.newAccount(t, ledger.KindPeer)
	dest := e.newAccount(t, ledger.KindIncoming)
	e.fund(t, source, 100)

	pending, err := e.ledger.CreateTransfer(e.ctx, ledger.Transfer{
		ID:                   uuid.New(),
		SourceAccountID:      source,
		DestinationAccountID: dest,
		SourceAmount:         30,
		DestinationAmount:    30,
		Timeout:              30 * time.Second,
	})
	require.NoError(t, err)

	// Reserved but not yet delivered.
	balance, _ := e.ledger.GetBalance(e.ctx, source)
	assert.Equal(t, uint64(70), balance)
	received, _ := e.ledger.GetTotalReceived(e.ctx, dest)
	assert.Equal(t, uint64(0), received)

	require.NoError(t, pending.Post(e.ctx))
	received, _ = e.ledger.GetTotalReceived(e.ctx, dest)
	assert.Equal(t, uint64(30), received)
	sent, _ := e.ledger.GetTotalSent(e.ctx, source)
	assert.Equal(t, uint64(30), sent)

	assert.ErrorIs(t, pending.Void(e.ctx), ledger.ErrAlreadyPosted)
}

func TestTransferTimeout(t *testing.T) {
	e := newEnv(t)
	source := e.newAccount(t, ledger.KindPeer)
	dest := e.newAccount(t, ledger.KindIncoming)
	e.fund(t, source, 100)

	pending, err := e.ledger.CreateTransfer(e.ctx, ledger.Transfer{
		ID:                   uuid.New(),
		SourceAccountID:      source,
		DestinationAccountID: dest,
		SourceAmount:         30,
		DestinationAmount:    30,
		Timeout:              5 * time.Second,
	})
	require.NoError(t, err)

	e.clock.Advance(6 * time.Second)

	assert.ErrorIs(t, pending.Post(e.ctx), ledger.ErrAlreadyVoided)
	balance, _ := e.ledger.GetBalance(e.ctx, source)
	assert.Equal(t, uint64(100), balance)
}

func TestTransferInsufficientBalance(t *testing.T) {
	e := newEnv(t)
	source := e.newAccount(t, ledger.KindPeer)
	dest := e.newAccount(t, ledger.KindIncoming)
	e.fund(t, source, 10)

	_, err := e.ledger.CreateTransfer(e.ctx, ledger.Transfer{
		ID:                   uuid.New(),
		SourceAccountID:      source,
		DestinationAccountID: dest,
		SourceAmount:         11,
		DestinationAmount:    11,
		Timeout:              time.Second,
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestOnCreditHook(t *testing.T) {
	ctx := context.Background()
	manual := clock.NewManual(time.Now())
	registry := ledger.NewRegistry()

	var gotAccount uuid.UUID
	var gotTotal uint64
	registry.RegisterOnCredit(ledger.KindIncoming, func(_ context.Context, accountID uuid.UUID, total uint64) error {
		gotAccount = accountID
		gotTotal = total
		return nil
	})

	l := New(manual, registry)
	assetID := uuid.New()
	require.NoError(t, l.CreateAccount(ctx, ledger.Account{ID: uuid.New(), Kind: ledger.KindSettlement, AssetID: assetID}))

	incoming := uuid.New()
	require.NoError(t, l.CreateAccount(ctx, ledger.Account{ID: incoming, Kind: ledger.KindIncoming, AssetID: assetID}))
	source := uuid.New()
	require.NoError(t, l.CreateAccount(ctx, ledger.Account{ID: source, Kind: ledger.KindPeer, AssetID: assetID}))
	require.NoError(t, l.CreateDeposit(ctx, ledger.Deposit{ID: uuid.New(), AccountID: source, Amount: 50}))

	pending, err := l.CreateTransfer(ctx, ledger.Transfer{
		ID:                   uuid.New(),
		SourceAccountID:      source,
		DestinationAccountID: incoming,
		SourceAmount:         20,
		DestinationAmount:    20,
		Timeout:              time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, pending.Post(ctx))

	assert.Equal(t, incoming, gotAccount)
	assert.Equal(t, uint64(20), gotTotal)
}

func TestCrossCurrencyTransfer(t *testing.T) {
	ctx := context.Background()
	l := New(clock.NewManual(time.Now()), ledger.NewRegistry())

	usd := uuid.New()
	xrp := uuid.New()
	require.NoError(t, l.CreateAccount(ctx, ledger.Account{ID: uuid.New(), Kind: ledger.KindSettlement, AssetID: usd}))
	require.NoError(t, l.CreateAccount(ctx, ledger.Account{ID: uuid.New(), Kind: ledger.KindSettlement, AssetID: xrp}))

	source := uuid.New()
	require.NoError(t, l.CreateAccount(ctx, ledger.Account{ID: source, Kind: ledger.KindOutgoing, AssetID: usd}))
	dest := uuid.New()
	require.NoError(t, l.CreateAccount(ctx, ledger.Account{ID: dest, Kind: ledger.KindIncoming, AssetID: xrp}))
	require.NoError(t, l.CreateDeposit(ctx, ledger.Deposit{ID: uuid.New(), AccountID: source, Amount: 123}))

	pending, err := l.CreateTransfer(ctx, ledger.Transfer{
		ID:                   uuid.New(),
		SourceAccountID:      source,
		DestinationAccountID: dest,
		SourceAmount:         122,
		DestinationAmount:    61,
		Timeout:              time.Minute,
	})
	require.NoError(t, err)
	require.NoError(t, pending.Post(ctx))

	sent, _ := l.GetTotalSent(ctx, source)
	assert.Equal(t, uint64(122), sent)
	received, _ := l.GetTotalReceived(ctx, dest)
	assert.Equal(t, uint64(61), received)
}
