package outgoing

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/storage/postgres"
)

// PSQLStore is the relational outgoing payment repository.
type PSQLStore struct {
	db     *sql.DB
	driver string
}

func NewPSQLStore(db *sql.DB, driver string) *PSQLStore {
	return &PSQLStore{db: db, driver: driver}
}

var _ Store = (*PSQLStore)(nil)

const columns = `id, wallet_address_id, quote_id, state, sent_amount,
	state_attempts, error, peer_id, grant_id, metadata, client,
	process_at, created_at, updated_at`

// forUpdate appends the row lock clause. sqlite runs single-writer and
// rejects the syntax, so there it is the transaction alone that locks.
func (s *PSQLStore) forUpdate(query string) string {
	if s.driver == "sqlite" {
		return query
	}
	return query + " FOR UPDATE"
}

func (s *PSQLStore) skipLocked(query string) string {
	if s.driver == "sqlite" {
		return query
	}
	return query + " FOR UPDATE SKIP LOCKED"
}

func (s *PSQLStore) Insert(ctx context.Context, p Payment, events ...event.Event) error {
	return s.withEvents(ctx, events, func(ex postgres.Executor) error {
		return insertPayment(ctx, ex, p)
	})
}

func (s *PSQLStore) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM outgoing_payments WHERE id = $1`, id.String())
	return scanPayment(row)
}

func (s *PSQLStore) Update(ctx context.Context, p Payment, events ...event.Event) error {
	return s.withEvents(ctx, events, func(ex postgres.Executor) error {
		return updatePayment(ctx, ex, p)
	})
}

func (s *PSQLStore) ListByGrant(ctx context.Context, grantID string) ([]Payment, error) {
	return listByGrant(ctx, s.db, grantID)
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
		return insertEvents(ctx, tx, events)
	})
}

// WithGrantLock serializes creations under one grant on its row lock.
// The lock is held for fn's full duration; mutations through the
// handed-in view land on the locking transaction and commit with it.
func (s *PSQLStore) WithGrantLock(ctx context.Context, grantID string, fn func(ctx context.Context, store GrantTx) error) error {
	return postgres.RunInTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outgoing_payment_grants (id) VALUES ($1)
			 ON CONFLICT (id) DO NOTHING`, grantID); err != nil {
			return err
		}
		var locked string
		if err := tx.QueryRowContext(ctx,
			s.forUpdate(`SELECT id FROM outgoing_payment_grants WHERE id = $1`),
			grantID).Scan(&locked); err != nil {
			return err
		}
		return fn(ctx, txStore{ex: tx})
	})
}

// Claim picks one due payment with SKIP LOCKED so parallel workers
// never share an attempt, holding its row lock until release.
func (s *PSQLStore) Claim(ctx context.Context, now time.Time) (*Payment, ReleaseFunc, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	row := tx.QueryRowContext(ctx,
		s.skipLocked(`SELECT `+columns+` FROM outgoing_payments
		 WHERE state = $1 AND process_at IS NOT NULL AND process_at <= $2
		 ORDER BY process_at ASC
		 LIMIT 1`),
		string(StateSending), now)
	p, err := scanPayment(row)
	if errors.Is(err, ErrUnknownPayment) {
		tx.Rollback()
		return nil, nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, nil, err
	}

	release := func(ctx context.Context, updated Payment, events ...event.Event) error {
		if err := updatePayment(ctx, tx, updated); err != nil {
			tx.Rollback()
			return err
		}
		if err := insertEvents(ctx, tx, events); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	}
	return &p, release, nil
}

// txStore is the grant-lock view: reads and writes run on the locking
// transaction.
type txStore struct {
	ex postgres.Executor
}

var _ GrantTx = txStore{}

func (t txStore) Insert(ctx context.Context, p Payment, events ...event.Event) error {
	if err := insertPayment(ctx, t.ex, p); err != nil {
		return err
	}
	return insertEvents(ctx, t.ex, events)
}

func (t txStore) ListByGrant(ctx context.Context, grantID string) ([]Payment, error) {
	return listByGrant(ctx, t.ex, grantID)
}

func insertPayment(ctx context.Context, ex postgres.Executor, p Payment) error {
	res, err := ex.ExecContext(ctx,
		`INSERT INTO outgoing_payments (`+columns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (quote_id) DO NOTHING`,
		p.ID.String(), p.WalletAddressID.String(), p.QuoteID.String(),
		string(p.State), int64(p.SentAmount), p.StateAttempts,
		p.Error, optUUID(p.PeerID), p.GrantID, optJSON(p.Metadata), p.Client,
		p.ProcessAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Quote already consumed by another payment.
		return ErrInvalidQuote
	}
	return nil
}

func updatePayment(ctx context.Context, ex postgres.Executor, p Payment) error {
	res, err := ex.ExecContext(ctx,
		`UPDATE outgoing_payments
		 SET state = $1, sent_amount = $2, state_attempts = $3, error = $4,
			peer_id = $5, process_at = $6, updated_at = $7
		 WHERE id = $8`,
		string(p.State), int64(p.SentAmount), p.StateAttempts, p.Error,
		optUUID(p.PeerID), p.ProcessAt, p.UpdatedAt, p.ID.String())
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
}

func listByGrant(ctx context.Context, ex postgres.Executor, grantID string) ([]Payment, error) {
	rows, err := ex.QueryContext(ctx,
		`SELECT `+columns+` FROM outgoing_payments
		 WHERE grant_id = $1 ORDER BY created_at ASC`, grantID)
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

func insertEvents(ctx context.Context, ex postgres.Executor, events []event.Event) error {
	for _, ev := range events {
		if err := event.Insert(ctx, ex, ev, ev.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPayment(row scanner) (Payment, error) {
	var p Payment
	var rawID, rawWallet, rawQuote, state string
	var sent int64
	var errMsg, peerID, grantID, metadata, client sql.NullString
	var processAt sql.NullTime
	err := row.Scan(&rawID, &rawWallet, &rawQuote, &state, &sent,
		&p.StateAttempts, &errMsg, &peerID, &grantID, &metadata, &client,
		&processAt, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrUnknownPayment
	}
	if err != nil {
		return Payment{}, err
	}
	p.ID, _ = uuid.Parse(rawID)
	p.WalletAddressID, _ = uuid.Parse(rawWallet)
	p.QuoteID, _ = uuid.Parse(rawQuote)
	p.State = State(state)
	p.SentAmount = uint64(sent)
	if errMsg.Valid {
		v := errMsg.String
		p.Error = &v
	}
	if peerID.Valid {
		id, _ := uuid.Parse(peerID.String)
		p.PeerID = &id
	}
	if grantID.Valid {
		v := grantID.String
		p.GrantID = &v
	}
	if metadata.Valid {
		p.Metadata = []byte(metadata.String)
	}
	if client.Valid {
		v := client.String
		p.Client = &v
	}
	if processAt.Valid {
		at := processAt.Time
		p.ProcessAt = &at
	}
	return p, nil
}

func optUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func optJSON(raw []byte) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}
