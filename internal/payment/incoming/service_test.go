package incoming

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/ledger"
	"github.com/halcyonpay/ilpd/internal/ledger/memory"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
)

type testEnv struct {
	service *Service
	worker  *ExpiryWorker
	ledger  *memory.Ledger
	events  *event.MemSink
	clock   *clock.Manual
	address walletaddress.WalletAddress
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	manual := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	registry := ledger.NewRegistry()
	led := memory.New(manual, registry)
	log := zap.NewNop()

	assets := asset.NewMemStore()
	assetSvc := asset.NewService(assets, led, manual, log)
	a, err := assetSvc.Create(ctx, "USD", 9, asset.CreateOptions{})
	require.NoError(t, err)

	addresses := walletaddress.NewMemStore()
	addr := walletaddress.WalletAddress{
		ID:        uuid.New(),
		URL:       "https://wallet.example/alice",
		AssetID:   a.ID,
		CreatedAt: manual.Now(),
	}
	require.NoError(t, addresses.Insert(ctx, addr))

	events := event.NewMemSink()
	store := NewMemStore(events)
	service := NewService(store, addresses, assets, led, registry, manual, 24*time.Hour, log)

	return &testEnv{
		service: service,
		worker:  NewExpiryWorker(service, manual, log),
		ledger:  led,
		events:  events,
		clock:   manual,
		address: addr,
	}
}

func (e *testEnv) deposit(t *testing.T, account uuid.UUID, amount uint64) {
	t.Helper()
	require.NoError(t, e.ledger.CreateDeposit(context.Background(), ledger.Deposit{
		ID:        uuid.New(),
		AccountID: account,
		Amount:    amount,
	}))
}

func TestCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	target := uint64(56)

	p, err := env.service.Create(ctx, CreateParams{
		WalletAddressID: env.address.ID,
		IncomingAmount:  &target,
	})
	require.NoError(t, err)
	assert.Equal(t, StatePending, p.State)
	require.NotNil(t, p.ConnectionID)
	assert.Equal(t, env.clock.Now().Add(24*time.Hour), p.ExpiresAt)
	assert.Len(t, env.events.OfType(event.TypeIncomingPaymentCreated), 1)
}

func TestCreateInactiveWalletAddress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	addr := env.address
	past := env.clock.Now().Add(-time.Hour)
	addr.DeactivatedAt = &past
	require.NoError(t, env.service.addresses.Update(ctx, addr))

	_, err := env.service.Create(ctx, CreateParams{WalletAddressID: addr.ID})
	assert.ErrorIs(t, err, walletaddress.ErrInactive)
}

func TestCreditLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	target := uint64(100)

	p, err := env.service.Create(ctx, CreateParams{
		WalletAddressID: env.address.ID,
		IncomingAmount:  &target,
	})
	require.NoError(t, err)
	_, err = env.service.EnsureAccount(ctx, p.ID)
	require.NoError(t, err)

	// First credit: Pending moves to Processing.
	env.deposit(t, p.ID, 40)
	p, err = env.service.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, p.State)
	assert.Equal(t, uint64(40), p.ReceivedAmount)
	assert.NotNil(t, p.ConnectionID)

	// Target reached: Completed, connection nulled, event carries the
	// withdrawal for the received total.
	env.deposit(t, p.ID, 60)
	p, err = env.service.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, p.State)
	assert.Equal(t, uint64(100), p.ReceivedAmount)
	assert.Nil(t, p.ConnectionID)

	completed := env.events.OfType(event.TypeIncomingPaymentCompleted)
	require.Len(t, completed, 1)
	require.NotNil(t, completed[0].Withdrawal)
	assert.Equal(t, uint64(100), completed[0].Withdrawal.Amount)
	assert.Equal(t, p.ID, completed[0].Withdrawal.AccountID)
}

func TestExplicitComplete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.service.Create(ctx, CreateParams{WalletAddressID: env.address.ID})
	require.NoError(t, err)

	p, err = env.service.Complete(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, p.State)
	assert.Nil(t, p.ConnectionID)

	_, err = env.service.Complete(ctx, p.ID)
	assert.ErrorIs(t, err, ErrWrongState)
}

func TestExpiryWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.service.Create(ctx, CreateParams{WalletAddressID: env.address.ID})
	require.NoError(t, err)

	n, err := env.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(24*time.Hour + time.Second)
	n, err = env.worker.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err = env.service.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, p.State)
	assert.Nil(t, p.ConnectionID)
	assert.Len(t, env.events.OfType(event.TypeIncomingPaymentExpired), 1)
}
