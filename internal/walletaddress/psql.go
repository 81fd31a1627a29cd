package walletaddress

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/storage/postgres"
)

// PSQLStore is the relational wallet address repository.
type PSQLStore struct {
	ex postgres.Executor
}

func NewPSQLStore(ex postgres.Executor) *PSQLStore {
	return &PSQLStore{ex: ex}
}

var _ Store = (*PSQLStore)(nil)

const columns = `id, url, asset_id, public_name, total_events_amount,
	process_at, deactivated_at, created_at`

func (s *PSQLStore) Insert(ctx context.Context, w WalletAddress) error {
	res, err := s.ex.ExecContext(ctx,
		`INSERT INTO wallet_addresses (`+columns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (url) DO NOTHING`,
		w.ID.String(), w.URL, w.AssetID.String(), w.PublicName,
		int64(w.TotalEventsAmount), w.ProcessAt, w.DeactivatedAt, w.CreatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateURL
	}
	return nil
}

func (s *PSQLStore) Get(ctx context.Context, id uuid.UUID) (WalletAddress, error) {
	row := s.ex.QueryRowContext(ctx,
		`SELECT `+columns+` FROM wallet_addresses WHERE id = $1`, id.String())
	return scanAddress(row)
}

func (s *PSQLStore) GetByURL(ctx context.Context, url string) (WalletAddress, error) {
	row := s.ex.QueryRowContext(ctx,
		`SELECT `+columns+` FROM wallet_addresses WHERE url = $1`, url)
	return scanAddress(row)
}

func (s *PSQLStore) Update(ctx context.Context, w WalletAddress) error {
	res, err := s.ex.ExecContext(ctx,
		`UPDATE wallet_addresses
		 SET public_name = $1, deactivated_at = $2
		 WHERE id = $3`,
		w.PublicName, w.DeactivatedAt, w.ID.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownWalletAddress
	}
	return nil
}

func (s *PSQLStore) SetProcessAt(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.ex.ExecContext(ctx,
		`UPDATE wallet_addresses SET process_at = $1
		 WHERE id = $2 AND process_at IS NULL`,
		at, id.String())
	return err
}

func (s *PSQLStore) ListDue(ctx context.Context, now time.Time, limit int) ([]WalletAddress, error) {
	rows, err := s.ex.QueryContext(ctx,
		`SELECT `+columns+` FROM wallet_addresses
		 WHERE process_at IS NOT NULL AND process_at <= $1
		 ORDER BY process_at ASC LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addresses []WalletAddress
	for rows.Next() {
		w, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		addresses = append(addresses, w)
	}
	return addresses, rows.Err()
}

func (s *PSQLStore) RecordEvents(ctx context.Context, id uuid.UUID, total uint64) error {
	_, err := s.ex.ExecContext(ctx,
		`UPDATE wallet_addresses
		 SET total_events_amount = $1, process_at = NULL
		 WHERE id = $2`,
		int64(total), id.String())
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAddress(row scanner) (WalletAddress, error) {
	var w WalletAddress
	var rawID, rawAsset string
	var publicName sql.NullString
	var total int64
	var processAt, deactivatedAt sql.NullTime
	err := row.Scan(&rawID, &w.URL, &rawAsset, &publicName, &total,
		&processAt, &deactivatedAt, &w.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WalletAddress{}, ErrUnknownWalletAddress
	}
	if err != nil {
		return WalletAddress{}, err
	}
	w.ID, _ = uuid.Parse(rawID)
	w.AssetID, _ = uuid.Parse(rawAsset)
	w.TotalEventsAmount = uint64(total)
	if publicName.Valid {
		name := publicName.String
		w.PublicName = &name
	}
	if processAt.Valid {
		at := processAt.Time
		w.ProcessAt = &at
	}
	if deactivatedAt.Valid {
		at := deactivatedAt.Time
		w.DeactivatedAt = &at
	}
	return w, nil
}
