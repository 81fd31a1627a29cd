package quote

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/halcyonpay/ilpd/internal/amount"
	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/storage/postgres"
)

// PSQLStore is the relational quote repository. Rates are stored as
// decimal strings to keep their precision.
type PSQLStore struct {
	ex     postgres.Executor
	assets asset.Store
}

func NewPSQLStore(ex postgres.Executor, assets asset.Store) *PSQLStore {
	return &PSQLStore{ex: ex, assets: assets}
}

var _ Store = (*PSQLStore)(nil)

func (s *PSQLStore) Insert(ctx context.Context, q Quote) error {
	var feeID any
	if q.FeeID != nil {
		feeID = q.FeeID.String()
	}
	_, err := s.ex.ExecContext(ctx,
		`INSERT INTO quotes
			(id, wallet_address_id, asset_id, receiver, debit_amount,
			 receive_amount_value, receive_amount_code, receive_amount_scale,
			 max_packet_amount, min_exchange_rate,
			 low_estimated_exchange_rate, high_estimated_exchange_rate,
			 fee_id, expires_at, client, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		q.ID.String(), q.WalletAddressID.String(), q.AssetID.String(), q.Receiver,
		int64(q.DebitAmount.Value),
		int64(q.ReceiveAmount.Value), q.ReceiveAmount.AssetCode, q.ReceiveAmount.AssetScale,
		int64(q.MaxPacketAmount), q.MinExchangeRate.String(),
		q.LowEstimatedExchangeRate.String(), q.HighEstimatedExchangeRate.String(),
		feeID, q.ExpiresAt, q.Client, q.CreatedAt)
	return err
}

func (s *PSQLStore) Get(ctx context.Context, id uuid.UUID) (Quote, error) {
	row := s.ex.QueryRowContext(ctx,
		`SELECT id, wallet_address_id, asset_id, receiver, debit_amount,
			receive_amount_value, receive_amount_code, receive_amount_scale,
			max_packet_amount, min_exchange_rate,
			low_estimated_exchange_rate, high_estimated_exchange_rate,
			fee_id, expires_at, client, created_at
		 FROM quotes WHERE id = $1`, id.String())

	var q Quote
	var rawID, rawWallet, rawAsset, minRate, lowRate, highRate string
	var debitValue, receiveValue, maxPacket int64
	var receiveCode string
	var receiveScale uint8
	var feeID, client sql.NullString
	err := row.Scan(&rawID, &rawWallet, &rawAsset, &q.Receiver, &debitValue,
		&receiveValue, &receiveCode, &receiveScale,
		&maxPacket, &minRate, &lowRate, &highRate,
		&feeID, &q.ExpiresAt, &client, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Quote{}, ErrUnknownQuote
	}
	if err != nil {
		return Quote{}, err
	}

	q.ID, _ = uuid.Parse(rawID)
	q.WalletAddressID, _ = uuid.Parse(rawWallet)
	q.AssetID, _ = uuid.Parse(rawAsset)
	q.MaxPacketAmount = uint64(maxPacket)
	q.ReceiveAmount = amount.New(uint64(receiveValue), receiveCode, receiveScale)

	sourceAsset, err := s.assets.Get(ctx, q.AssetID)
	if err != nil {
		return Quote{}, err
	}
	q.DebitAmount = amount.New(uint64(debitValue), sourceAsset.Code, sourceAsset.Scale)

	if q.MinExchangeRate, err = decimal.NewFromString(minRate); err != nil {
		return Quote{}, err
	}
	if q.LowEstimatedExchangeRate, err = decimal.NewFromString(lowRate); err != nil {
		return Quote{}, err
	}
	if q.HighEstimatedExchangeRate, err = decimal.NewFromString(highRate); err != nil {
		return Quote{}, err
	}
	if feeID.Valid {
		id, _ := uuid.Parse(feeID.String)
		q.FeeID = &id
	}
	if client.Valid {
		c := client.String
		q.Client = &c
	}
	return q, nil
}
