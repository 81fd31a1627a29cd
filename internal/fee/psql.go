package fee

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/storage/postgres"
)

// PSQLStore is the relational fee repository.
type PSQLStore struct {
	ex postgres.Executor
}

func NewPSQLStore(ex postgres.Executor) *PSQLStore {
	return &PSQLStore{ex: ex}
}

var _ Store = (*PSQLStore)(nil)

func (s *PSQLStore) Insert(ctx context.Context, f Fee) error {
	_, err := s.ex.ExecContext(ctx,
		`INSERT INTO fees (id, asset_id, type, fixed, basis_points, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		f.ID.String(), f.AssetID.String(), string(f.Type),
		int64(f.Fixed), f.BasisPoints, f.CreatedAt)
	return err
}

func (s *PSQLStore) Get(ctx context.Context, id uuid.UUID) (Fee, error) {
	row := s.ex.QueryRowContext(ctx,
		`SELECT id, asset_id, type, fixed, basis_points, created_at
		 FROM fees WHERE id = $1`, id.String())
	return scanFee(row)
}

func (s *PSQLStore) GetActive(ctx context.Context, assetID uuid.UUID, t Type) (Fee, error) {
	row := s.ex.QueryRowContext(ctx,
		`SELECT id, asset_id, type, fixed, basis_points, created_at
		 FROM fees WHERE asset_id = $1 AND type = $2
		 ORDER BY created_at DESC LIMIT 1`,
		assetID.String(), string(t))
	return scanFee(row)
}

func scanFee(row *sql.Row) (Fee, error) {
	var f Fee
	var rawID, rawAsset, feeType string
	var fixed int64
	err := row.Scan(&rawID, &rawAsset, &feeType, &fixed, &f.BasisPoints, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Fee{}, ErrUnknownFee
	}
	if err != nil {
		return Fee{}, err
	}
	f.ID, _ = uuid.Parse(rawID)
	f.AssetID, _ = uuid.Parse(rawAsset)
	f.Type = Type(feeType)
	f.Fixed = uint64(fixed)
	return f, nil
}
