package postgres

import (
	"context"
	"errors"
	"time"
)

// Idempotency-key reservations. The reservation row commits in the same
// transaction as the operation's ledger transfer, so a replayed call
// either sees the stored result or races the first call's commit.

// ErrKeyExists reports a replay; the caller returns the stored result.
var ErrKeyExists = errors.New("idempotency key exists")

// ReserveIdempotencyKey stores (operation, key) → result. ErrKeyExists
// when the tuple is already reserved.
func ReserveIdempotencyKey(ctx context.Context, ex Executor, operation, key, result string, now time.Time) error {
	_, err := ex.ExecContext(ctx,
		`INSERT INTO idempotency_keys (operation, key, result, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (operation, key) DO NOTHING`,
		operation, key, result, now)
	if err != nil {
		return err
	}
	// ON CONFLICT DO NOTHING reports zero rows affected on replay, but
	// RowsAffected support differs between drivers; re-reading is
	// unambiguous on both.
	var stored string
	err = ex.QueryRowContext(ctx,
		`SELECT result FROM idempotency_keys WHERE operation = $1 AND key = $2`,
		operation, key).Scan(&stored)
	if err != nil {
		return err
	}
	if stored != result {
		return ErrKeyExists
	}
	return nil
}

// LookupIdempotencyKey returns the stored result for a tuple, or
// sql.ErrNoRows.
func LookupIdempotencyKey(ctx context.Context, ex Executor, operation, key string) (string, error) {
	var result string
	err := ex.QueryRowContext(ctx,
		`SELECT result FROM idempotency_keys WHERE operation = $1 AND key = $2`,
		operation, key).Scan(&result)
	if err != nil {
		return "", err
	}
	return result, nil
}
