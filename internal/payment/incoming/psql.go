package incoming

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/storage/postgres"
)

// PSQLStore is the relational incoming payment repository.
type PSQLStore struct {
	db *sql.DB
}

func NewPSQLStore(db *sql.DB) *PSQLStore {
	return &PSQLStore{db: db}
}

var _ Store = (*PSQLStore)(nil)

const columns = `id, wallet_address_id, asset_id, state, incoming_amount,
	received_amount, expires_at, connection_id, metadata, process_at, created_at`

func (s *PSQLStore) Insert(ctx context.Context, p Payment, events ...event.Event) error {
	return s.withEvents(ctx, events, func(ex postgres.Executor) error {
		var connectionID any
		if p.ConnectionID != nil {
			connectionID = p.ConnectionID.String()
		}
		var metadata any
		if p.Metadata != nil {
			metadata = string(p.Metadata)
		}
		_, err := ex.ExecContext(ctx,
			`INSERT INTO incoming_payments (`+columns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			p.ID.String(), p.WalletAddressID.String(), p.AssetID.String(),
			string(p.State), optInt64(p.IncomingAmount), int64(p.ReceivedAmount),
			p.ExpiresAt, connectionID, metadata, p.ProcessAt, p.CreatedAt)
		return err
	})
}

func (s *PSQLStore) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM incoming_payments WHERE id = $1`, id.String())
	return scanPayment(row)
}

func (s *PSQLStore) GetByConnectionID(ctx context.Context, connectionID uuid.UUID) (Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM incoming_payments WHERE connection_id = $1`,
		connectionID.String())
	return scanPayment(row)
}

func (s *PSQLStore) Update(ctx context.Context, p Payment, events ...event.Event) error {
	return s.withEvents(ctx, events, func(ex postgres.Executor) error {
		var connectionID any
		if p.ConnectionID != nil {
			connectionID = p.ConnectionID.String()
		}
		res, err := ex.ExecContext(ctx,
			`UPDATE incoming_payments
			 SET state = $1, received_amount = $2, connection_id = $3, process_at = $4
			 WHERE id = $5`,
			string(p.State), int64(p.ReceivedAmount), connectionID, p.ProcessAt, p.ID.String())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrUnknownPayment
		}
		return nil
	})
}

// withEvents runs the mutation and appends its events in one
// transaction; without events it hits the pool directly.
func (s *PSQLStore) withEvents(ctx context.Context, events []event.Event, fn func(ex postgres.Executor) error) error {
	if len(events) == 0 {
		return fn(s.db)
	}
	return postgres.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		for _, ev := range events {
			if err := event.Insert(ctx, tx, ev, ev.CreatedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PSQLStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Payment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM incoming_payments
		 WHERE state IN ($1, $2) AND expires_at <= $3
		 ORDER BY expires_at ASC LIMIT $4`,
		string(StatePending), string(StateProcessing), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (Payment, error) {
	var p Payment
	var rawID, rawWallet, rawAsset, state string
	var incomingAmount sql.NullInt64
	var received int64
	var connectionID, metadata sql.NullString
	var processAt sql.NullTime
	err := row.Scan(&rawID, &rawWallet, &rawAsset, &state, &incomingAmount,
		&received, &p.ExpiresAt, &connectionID, &metadata, &processAt, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrUnknownPayment
	}
	if err != nil {
		return Payment{}, err
	}
	p.ID, _ = uuid.Parse(rawID)
	p.WalletAddressID, _ = uuid.Parse(rawWallet)
	p.AssetID, _ = uuid.Parse(rawAsset)
	p.State = State(state)
	p.ReceivedAmount = uint64(received)
	if incomingAmount.Valid {
		v := uint64(incomingAmount.Int64)
		p.IncomingAmount = &v
	}
	if connectionID.Valid {
		id, _ := uuid.Parse(connectionID.String)
		p.ConnectionID = &id
	}
	if metadata.Valid {
		p.Metadata = []byte(metadata.String)
	}
	if processAt.Valid {
		at := processAt.Time
		p.ProcessAt = &at
	}
	return p, nil
}

func optInt64(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
