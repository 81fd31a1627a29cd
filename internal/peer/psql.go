package peer

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/halcyonpay/ilpd/internal/storage/postgres"
)

// Incoming tokens are stored newline-joined; tokens are opaque bearer
// strings that never contain newlines.
const tokenSeparator = "\n"

// PSQLStore is the relational peer repository.
type PSQLStore struct {
	ex postgres.Executor
}

func NewPSQLStore(ex postgres.Executor) *PSQLStore {
	return &PSQLStore{ex: ex}
}

var _ Store = (*PSQLStore)(nil)

const peerColumns = `id, asset_id, static_ilp_address, max_packet_amount,
	http_outgoing_url, http_outgoing_token, http_incoming_tokens,
	liquidity_threshold, created_at`

func (s *PSQLStore) Insert(ctx context.Context, p Peer) error {
	_, err := s.ex.ExecContext(ctx,
		`INSERT INTO peers (`+peerColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID.String(), p.AssetID.String(), p.StaticILPAddress,
		optInt64(p.MaxPacketAmount),
		p.HTTP.OutgoingURL, p.HTTP.OutgoingToken,
		strings.Join(p.HTTP.IncomingTokens, tokenSeparator),
		optInt64(p.LiquidityThreshold), p.CreatedAt)
	return err
}

func (s *PSQLStore) Get(ctx context.Context, id uuid.UUID) (Peer, error) {
	row := s.ex.QueryRowContext(ctx,
		`SELECT `+peerColumns+` FROM peers WHERE id = $1`, id.String())
	return scanPeer(row)
}

func (s *PSQLStore) GetByIncomingToken(ctx context.Context, token string) (Peer, error) {
	// Token sets are small; scan rather than index an unpacked table.
	peers, err := s.List(ctx)
	if err != nil {
		return Peer{}, err
	}
	for _, p := range peers {
		for _, t := range p.HTTP.IncomingTokens {
			if t == token {
				return p, nil
			}
		}
	}
	return Peer{}, ErrInvalidToken
}

func (s *PSQLStore) Update(ctx context.Context, p Peer) error {
	res, err := s.ex.ExecContext(ctx,
		`UPDATE peers SET static_ilp_address = $1, max_packet_amount = $2,
			http_outgoing_url = $3, http_outgoing_token = $4,
			http_incoming_tokens = $5, liquidity_threshold = $6
		 WHERE id = $7`,
		p.StaticILPAddress, optInt64(p.MaxPacketAmount),
		p.HTTP.OutgoingURL, p.HTTP.OutgoingToken,
		strings.Join(p.HTTP.IncomingTokens, tokenSeparator),
		optInt64(p.LiquidityThreshold), p.ID.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PSQLStore) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.ex.ExecContext(ctx, `DELETE FROM peers WHERE id = $1`, id.String())
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PSQLStore) List(ctx context.Context) ([]Peer, error) {
	rows, err := s.ex.QueryContext(ctx,
		`SELECT `+peerColumns+` FROM peers ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPeer(row scanner) (Peer, error) {
	var p Peer
	var rawID, rawAsset, tokens string
	var maxPacket, threshold sql.NullInt64
	err := row.Scan(&rawID, &rawAsset, &p.StaticILPAddress, &maxPacket,
		&p.HTTP.OutgoingURL, &p.HTTP.OutgoingToken, &tokens,
		&threshold, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Peer{}, ErrUnknownPeer
	}
	if err != nil {
		return Peer{}, err
	}
	p.ID, _ = uuid.Parse(rawID)
	p.AssetID, _ = uuid.Parse(rawAsset)
	if tokens != "" {
		p.HTTP.IncomingTokens = strings.Split(tokens, tokenSeparator)
	}
	if maxPacket.Valid {
		v := uint64(maxPacket.Int64)
		p.MaxPacketAmount = &v
	}
	if threshold.Valid {
		v := uint64(threshold.Int64)
		p.LiquidityThreshold = &v
	}
	return p, nil
}

func optInt64(v *uint64) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownPeer
	}
	return nil
}
