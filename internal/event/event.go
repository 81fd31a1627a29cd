// Package event is the webhook-event outbox. Services insert events in
// the same transaction as the state change they report; the dispatcher
// worker delivers them at least once.
package event

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/storage/postgres"
)

// Event types.
const (
	TypeIncomingPaymentCreated   = "incoming_payment.created"
	TypeIncomingPaymentExpired   = "incoming_payment.expired"
	TypeIncomingPaymentCompleted = "incoming_payment.completed"
	TypeOutgoingPaymentCreated   = "outgoing_payment.created"
	TypeOutgoingPaymentCompleted = "outgoing_payment.completed"
	TypeOutgoingPaymentFailed    = "outgoing_payment.failed"
	TypeWebMonetization          = "wallet_address.web_monetization"
	TypeWalletAddressNotFound    = "wallet_address.not_found"
)

// ErrUnknownEvent reports a lookup miss.
var ErrUnknownEvent = errors.New("unknown webhook event")

// Withdrawal binds an event to the ledger account liquidity should be
// withdrawn from when the consumer acts on the event.
type Withdrawal struct {
	AccountID uuid.UUID `json:"accountId"`
	AssetID   uuid.UUID `json:"assetId"`
	Amount    uint64    `json:"amount"`
}

// Event is one outbox row.
type Event struct {
	ID         uuid.UUID
	Type       string
	Data       json.RawMessage
	Attempts   int
	StatusCode *int
	ProcessAt  *time.Time
	Withdrawal *Withdrawal
	CreatedAt  time.Time
}

// Insert writes an event inside the caller's transaction. ProcessAt
// defaults to now so the dispatcher picks it up on its next tick.
func Insert(ctx context.Context, ex postgres.Executor, ev Event, now time.Time) error {
	processAt := now
	if ev.ProcessAt != nil {
		processAt = *ev.ProcessAt
	}
	var wAccount, wAsset any
	var wAmount any
	if ev.Withdrawal != nil {
		wAccount = ev.Withdrawal.AccountID.String()
		wAsset = ev.Withdrawal.AssetID.String()
		wAmount = int64(ev.Withdrawal.Amount)
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO webhook_events
			(id, type, data, attempts, process_at,
			 withdrawal_account_id, withdrawal_asset_id, withdrawal_amount, created_at)
		 VALUES ($1, $2, $3, 0, $4, $5, $6, $7, $8)`,
		ev.ID.String(), ev.Type, string(ev.Data), processAt, wAccount, wAsset, wAmount, now)
	return err
}

// Get loads one event by ID.
func Get(ctx context.Context, ex postgres.Executor, id uuid.UUID) (Event, error) {
	row := ex.QueryRowContext(ctx,
		`SELECT id, type, data, attempts, status_code, process_at,
			withdrawal_account_id, withdrawal_asset_id, withdrawal_amount, created_at
		 FROM webhook_events WHERE id = $1`, id.String())
	ev, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrUnknownEvent
	}
	return ev, err
}

// Due returns up to limit events whose processAt has passed, oldest
// first.
func Due(ctx context.Context, ex postgres.Executor, now time.Time, limit int) ([]Event, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT id, type, data, attempts, status_code, process_at,
			withdrawal_account_id, withdrawal_asset_id, withdrawal_amount, created_at
		 FROM webhook_events
		 WHERE process_at IS NOT NULL AND process_at <= $1
		 ORDER BY process_at ASC
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scan(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkAttempt records a delivery attempt. A nil nextAt retires the
// event (delivered, or attempts exhausted).
func MarkAttempt(ctx context.Context, ex postgres.Executor, id uuid.UUID, statusCode int, nextAt *time.Time) error {
	var status any
	if statusCode != 0 {
		status = statusCode
	}
	_, err := ex.ExecContext(ctx,
		`UPDATE webhook_events
		 SET attempts = attempts + 1, status_code = $1, process_at = $2
		 WHERE id = $3`,
		status, nextAt, id.String())
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (Event, error) {
	var ev Event
	var rawID, data string
	var status sql.NullInt64
	var processAt sql.NullTime
	var wAccount, wAsset sql.NullString
	var wAmount sql.NullInt64
	err := row.Scan(&rawID, &ev.Type, &data, &ev.Attempts, &status, &processAt,
		&wAccount, &wAsset, &wAmount, &ev.CreatedAt)
	if err != nil {
		return Event{}, err
	}
	ev.ID, _ = uuid.Parse(rawID)
	ev.Data = json.RawMessage(data)
	if status.Valid {
		code := int(status.Int64)
		ev.StatusCode = &code
	}
	if processAt.Valid {
		at := processAt.Time
		ev.ProcessAt = &at
	}
	if wAccount.Valid && wAsset.Valid && wAmount.Valid {
		account, _ := uuid.Parse(wAccount.String)
		asset, _ := uuid.Parse(wAsset.String)
		ev.Withdrawal = &Withdrawal{
			AccountID: account,
			AssetID:   asset,
			Amount:    uint64(wAmount.Int64),
		}
	}
	return ev, nil
}
