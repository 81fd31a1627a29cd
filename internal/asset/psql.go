package asset

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/storage/postgres"
)

// PSQLStore is the relational asset repository.
type PSQLStore struct {
	ex postgres.Executor
}

// NewPSQLStore wraps an executor (connection pool or transaction).
func NewPSQLStore(ex postgres.Executor) *PSQLStore {
	return &PSQLStore{ex: ex}
}

var _ Store = (*PSQLStore)(nil)

func (s *PSQLStore) Insert(ctx context.Context, a Asset) error {
	res, err := s.ex.ExecContext(ctx,
		`INSERT INTO assets (id, code, scale, withdrawal_threshold, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (code, scale) DO NOTHING`,
		a.ID.String(), a.Code, a.Scale, thresholdArg(a.WithdrawalThreshold), a.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (s *PSQLStore) Get(ctx context.Context, id uuid.UUID) (Asset, error) {
	return s.get(ctx, `SELECT id, code, scale, withdrawal_threshold, created_at
		 FROM assets WHERE id = $1`, id.String())
}

func (s *PSQLStore) GetByCodeAndScale(ctx context.Context, code string, scale uint8) (Asset, error) {
	return s.get(ctx, `SELECT id, code, scale, withdrawal_threshold, created_at
		 FROM assets WHERE code = $1 AND scale = $2`, code, scale)
}

func (s *PSQLStore) get(ctx context.Context, query string, args ...any) (Asset, error) {
	var a Asset
	var rawID string
	var threshold sql.NullInt64
	err := s.ex.QueryRowContext(ctx, query, args...).
		Scan(&rawID, &a.Code, &a.Scale, &threshold, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrUnknownAsset
	}
	if err != nil {
		return Asset{}, err
	}
	a.ID, _ = uuid.Parse(rawID)
	if threshold.Valid {
		v := uint64(threshold.Int64)
		a.WithdrawalThreshold = &v
	}
	return a, nil
}

func (s *PSQLStore) UpdateWithdrawalThreshold(ctx context.Context, id uuid.UUID, threshold *uint64) error {
	res, err := s.ex.ExecContext(ctx,
		`UPDATE assets SET withdrawal_threshold = $1 WHERE id = $2`,
		thresholdArg(threshold), id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownAsset
	}
	return nil
}

func (s *PSQLStore) List(ctx context.Context) ([]Asset, error) {
	rows, err := s.ex.QueryContext(ctx,
		`SELECT id, code, scale, withdrawal_threshold, created_at
		 FROM assets ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		var a Asset
		var rawID string
		var threshold sql.NullInt64
		if err := rows.Scan(&rawID, &a.Code, &a.Scale, &threshold, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ID, _ = uuid.Parse(rawID)
		if threshold.Valid {
			v := uint64(threshold.Int64)
			a.WithdrawalThreshold = &v
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func thresholdArg(threshold *uint64) any {
	if threshold == nil {
		return nil
	}
	return int64(*threshold)
}
