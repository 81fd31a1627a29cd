package liquidity

import (
	"context"
	"encoding/json"
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
	"github.com/halcyonpay/ilpd/internal/peer"
	"github.com/halcyonpay/ilpd/internal/router"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
)

// fakeEvents serves canned events by id.
type fakeEvents map[uuid.UUID]event.Event

func (f fakeEvents) Get(_ context.Context, id uuid.UUID) (event.Event, error) {
	ev, ok := f[id]
	if !ok {
		return event.Event{}, event.ErrUnknownEvent
	}
	return ev, nil
}

type testEnv struct {
	service *Service
	ledger  *memory.Ledger
	events  fakeEvents
	asset   asset.Asset
	peer    peer.Peer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	manual := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	led := memory.New(manual, ledger.NewRegistry())
	log := zap.NewNop()

	assets := asset.NewMemStore()
	a, err := asset.NewService(assets, led, manual, log).Create(ctx, "USD", 2, asset.CreateOptions{})
	require.NoError(t, err)

	peers := peer.NewMemStore()
	p, err := peer.NewService(peers, assets, led, router.NewTable(), manual, log).Create(ctx, peer.CreateParams{
		AssetID:          a.ID,
		StaticILPAddress: "test.upstream",
	})
	require.NoError(t, err)

	events := fakeEvents{}
	service := NewService(NewMemKeys(), led, assets, peers, walletaddress.NewMemStore(), events, manual, log)

	return &testEnv{service: service, ledger: led, events: events, asset: a, peer: p}
}

func (e *testEnv) balance(t *testing.T, account uuid.UUID) uint64 {
	t.Helper()
	balance, err := e.ledger.GetBalance(context.Background(), account)
	require.NoError(t, err)
	return balance
}

func TestAddAssetLiquidity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.service.AddAssetLiquidity(ctx, "key-1", env.asset.ID, 500))
	assert.Equal(t, uint64(500), env.balance(t, env.asset.ID))

	// Replays are absorbed.
	require.NoError(t, env.service.AddAssetLiquidity(ctx, "key-1", env.asset.ID, 500))
	assert.Equal(t, uint64(500), env.balance(t, env.asset.ID))

	assert.ErrorIs(t, env.service.AddAssetLiquidity(ctx, "key-2", env.asset.ID, 0), ErrAmountZero)
	assert.ErrorIs(t, env.service.AddAssetLiquidity(ctx, "key-3", uuid.New(), 10), asset.ErrUnknownAsset)
}

func TestPeerLiquidityWithdrawal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.service.AddPeerLiquidity(ctx, "fund", env.peer.ID, 300))

	withdrawalID := uuid.New()
	require.NoError(t, env.service.CreatePeerLiquidityWithdrawal(ctx, "wd-1", withdrawalID, env.peer.ID, 120, time.Minute))

	// Pending: the amount is reserved.
	assert.Equal(t, uint64(180), env.balance(t, env.peer.ID))

	require.NoError(t, env.service.PostLiquidityWithdrawal(ctx, withdrawalID))
	assert.Equal(t, uint64(180), env.balance(t, env.peer.ID))

	assert.ErrorIs(t, env.service.PostLiquidityWithdrawal(ctx, withdrawalID), ledger.ErrAlreadyPosted)
	assert.ErrorIs(t, env.service.VoidLiquidityWithdrawal(ctx, withdrawalID), ledger.ErrAlreadyPosted)
}

func TestWithdrawalInsufficientBalance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	err := env.service.CreatePeerLiquidityWithdrawal(ctx, "wd-1", uuid.New(), env.peer.ID, 10, time.Minute)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestDepositEventLiquidity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	paymentID := uuid.New()
	require.NoError(t, env.ledger.CreateAccount(ctx, ledger.Account{
		ID:      paymentID,
		Kind:    ledger.KindOutgoing,
		AssetID: env.asset.ID,
	}))

	data, err := json.Marshal(map[string]any{
		"id":          paymentID.String(),
		"debitAmount": map[string]any{"value": "250", "assetCode": "USD", "assetScale": 2},
	})
	require.NoError(t, err)
	eventID := uuid.New()
	env.events[eventID] = event.Event{ID: eventID, Type: event.TypeOutgoingPaymentCreated, Data: data}

	require.NoError(t, env.service.DepositEventLiquidity(ctx, "dep-1", eventID))
	assert.Equal(t, uint64(250), env.balance(t, paymentID))

	// Replay.
	require.NoError(t, env.service.DepositEventLiquidity(ctx, "dep-1", eventID))
	assert.Equal(t, uint64(250), env.balance(t, paymentID))

	// Wrong event type.
	otherID := uuid.New()
	env.events[otherID] = event.Event{ID: otherID, Type: event.TypeOutgoingPaymentCompleted, Data: data}
	assert.ErrorIs(t, env.service.DepositEventLiquidity(ctx, "dep-2", otherID), ErrInvalidID)
}

func TestWithdrawEventLiquidity(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.service.AddPeerLiquidity(ctx, "fund", env.peer.ID, 100))

	eventID := uuid.New()
	env.events[eventID] = event.Event{
		ID:   eventID,
		Type: event.TypeOutgoingPaymentFailed,
		Data: json.RawMessage(`{}`),
		Withdrawal: &event.Withdrawal{
			AccountID: env.peer.ID,
			AssetID:   env.asset.ID,
			Amount:    40,
		},
	}

	require.NoError(t, env.service.WithdrawEventLiquidity(ctx, "wd-1", eventID))
	assert.Equal(t, uint64(60), env.balance(t, env.peer.ID))

	require.NoError(t, env.service.WithdrawEventLiquidity(ctx, "wd-1", eventID))
	assert.Equal(t, uint64(60), env.balance(t, env.peer.ID))

	assert.ErrorIs(t, env.service.WithdrawEventLiquidity(ctx, "wd-2", uuid.New()), ErrInvalidID)
}
