// Package peer manages ILP counterparties: their asset, routing
// prefix, ILP-over-HTTP credentials, and liquidity account.
package peer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownPeer     = errors.New("unknown peer")
	ErrDuplicatePrefix = errors.New("ilp address prefix already routed")
	ErrInvalidToken    = errors.New("invalid peer token")
)

// HTTP is the ILP-over-HTTP token pair: one token presented outbound,
// a set accepted inbound.
type HTTP struct {
	OutgoingURL    string
	OutgoingToken  string
	IncomingTokens []string
}

// Peer is a counterparty on the ILP network.
type Peer struct {
	ID      uuid.UUID
	AssetID uuid.UUID

	// StaticILPAddress is the routing prefix: destinations under it are
	// forwarded to this peer.
	StaticILPAddress string

	// MaxPacketAmount caps the amount of a single inbound prepare.
	MaxPacketAmount *uint64

	HTTP HTTP

	// LiquidityThreshold, when set, triggers a low-liquidity alert when
	// the peer's balance falls under it.
	LiquidityThreshold *uint64

	CreatedAt time.Time
}

// Store is the peer repository.
type Store interface {
	Insert(ctx context.Context, p Peer) error
	Get(ctx context.Context, id uuid.UUID) (Peer, error)
	GetByIncomingToken(ctx context.Context, token string) (Peer, error)
	Update(ctx context.Context, p Peer) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]Peer, error)
}
