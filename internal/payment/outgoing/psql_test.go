package outgoing

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/storage/postgres"
)

func newSQLiteStore(t *testing.T) (*sql.DB, *PSQLStore) {
	t.Helper()
	db, err := postgres.Open(context.Background(), postgres.Config{
		Driver: "sqlite",
		DSN:    "file:" + filepath.Join(t.TempDir(), "outgoing.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, NewPSQLStore(db, "sqlite")
}

func sendingPayment(now time.Time) Payment {
	processAt := now
	return Payment{
		ID:              uuid.New(),
		WalletAddressID: uuid.New(),
		QuoteID:         uuid.New(),
		State:           StateSending,
		ProcessAt:       &processAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func storeTestEvent(now time.Time, eventType string) event.Event {
	return event.Event{
		ID:        uuid.New(),
		Type:      eventType,
		Data:      json.RawMessage(`{}`),
		CreatedAt: now,
	}
}

func TestClaimRunsOnSQLite(t *testing.T) {
	db, store := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	p := sendingPayment(now)
	require.NoError(t, store.Insert(ctx, p))

	claimed, release, err := store.Claim(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, p.ID, claimed.ID)

	claimed.State = StateCompleted
	claimed.ProcessAt = nil
	terminal := storeTestEvent(now, event.TypeOutgoingPaymentCompleted)
	require.NoError(t, release(ctx, *claimed, terminal))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, got.State)

	stored, err := event.Get(ctx, db, terminal.ID)
	require.NoError(t, err)
	assert.Equal(t, event.TypeOutgoingPaymentCompleted, stored.Type)

	// Nothing left due.
	claimed, _, err = store.Claim(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestPSQLInsertCommitsEventWithPayment(t *testing.T) {
	db, store := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	p := sendingPayment(now)
	ev := storeTestEvent(now, event.TypeOutgoingPaymentCreated)
	require.NoError(t, store.Insert(ctx, p, ev))

	stored, err := event.Get(ctx, db, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.TypeOutgoingPaymentCreated, stored.Type)

	// The quote is already consumed: the insert fails and must take its
	// event down with it.
	dup := sendingPayment(now)
	dup.QuoteID = p.QuoteID
	dupEv := storeTestEvent(now, event.TypeOutgoingPaymentCreated)
	require.ErrorIs(t, store.Insert(ctx, dup, dupEv), ErrInvalidQuote)

	_, err = event.Get(ctx, db, dupEv.ID)
	assert.ErrorIs(t, err, event.ErrUnknownEvent)
}

func TestWithGrantLockScopesMutations(t *testing.T) {
	db, store := newSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	grantID := "grant-lock"
	p := sendingPayment(now)
	p.GrantID = &grantID
	ev := storeTestEvent(now, event.TypeOutgoingPaymentCreated)

	err := store.WithGrantLock(ctx, grantID, func(ctx context.Context, locked GrantTx) error {
		before, err := locked.ListByGrant(ctx, grantID)
		require.NoError(t, err)
		require.Empty(t, before)

		if err := locked.Insert(ctx, p, ev); err != nil {
			return err
		}

		// The locking transaction sees its own insert.
		after, err := locked.ListByGrant(ctx, grantID)
		require.NoError(t, err)
		require.Len(t, after, 1)
		return nil
	})
	require.NoError(t, err)

	payments, err := store.ListByGrant(ctx, grantID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, p.ID, payments[0].ID)

	stored, err := event.Get(ctx, db, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, event.TypeOutgoingPaymentCreated, stored.Type)
}
