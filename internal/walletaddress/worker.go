package walletaddress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/ledger"
)

// Worker drains scheduled web-monetization withdrawals: for every due
// address it turns the credit delta since the last event into a
// withdrawal event and advances the accumulator.
type Worker struct {
	store  Store
	assets asset.Store
	ledger ledger.Ledger
	events event.Sink
	clock  clock.Clock
	log    *zap.Logger

	batchSize int
}

func NewWorker(store Store, assets asset.Store, l ledger.Ledger, events event.Sink, c clock.Clock, log *zap.Logger) *Worker {
	return &Worker{
		store:     store,
		assets:    assets,
		ledger:    l,
		events:    events,
		clock:     c,
		log:       log,
		batchSize: 20,
	}
}

// Tick processes one batch of due addresses; returns how many.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	due, err := w.store.ListDue(ctx, w.clock.Now(), w.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list due wallet addresses: %w", err)
	}
	for _, addr := range due {
		if err := w.process(ctx, addr); err != nil {
			w.log.Error("wallet address withdrawal event",
				zap.String("wallet_address", addr.ID.String()),
				zap.Error(err))
		}
	}
	return len(due), nil
}

func (w *Worker) process(ctx context.Context, addr WalletAddress) error {
	totalReceived, err := w.ledger.GetTotalReceived(ctx, addr.ID)
	if err != nil {
		return err
	}
	if totalReceived < addr.TotalEventsAmount {
		return fmt.Errorf("events amount %d ahead of ledger total %d", addr.TotalEventsAmount, totalReceived)
	}
	delta := totalReceived - addr.TotalEventsAmount

	a, err := w.assets.Get(ctx, addr.AssetID)
	if err != nil {
		return err
	}
	if delta == 0 || (a.WithdrawalThreshold != nil && delta < *a.WithdrawalThreshold) {
		// Below threshold; clear the schedule and wait for more
		// credits to re-arm it.
		return w.store.RecordEvents(ctx, addr.ID, addr.TotalEventsAmount)
	}

	data, err := json.Marshal(map[string]any{
		"walletAddressId": addr.ID.String(),
		"url":             addr.URL,
		"amount":          fmt.Sprintf("%d", delta),
		"assetCode":       a.Code,
		"assetScale":      a.Scale,
	})
	if err != nil {
		return err
	}
	err = w.events.Enqueue(ctx, event.Event{
		ID:   uuid.New(),
		Type: event.TypeWebMonetization,
		Data: data,
		Withdrawal: &event.Withdrawal{
			AccountID: addr.ID,
			AssetID:   addr.AssetID,
			Amount:    delta,
		},
	})
	if err != nil {
		return err
	}
	return w.store.RecordEvents(ctx, addr.ID, totalReceived)
}
