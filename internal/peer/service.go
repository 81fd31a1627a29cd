package peer

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/ledger"
	"github.com/halcyonpay/ilpd/internal/router"
)

// Service provisions peers, their routes, and their ledger accounts.
type Service struct {
	store  Store
	assets asset.Store
	ledger ledger.Ledger
	routes *router.Table
	clock  clock.Clock
	log    *zap.Logger
}

func NewService(store Store, assets asset.Store, l ledger.Ledger, routes *router.Table, c clock.Clock, log *zap.Logger) *Service {
	return &Service{store: store, assets: assets, ledger: l, routes: routes, clock: c, log: log}
}

// CreateParams carries the peer fields.
type CreateParams struct {
	AssetID            uuid.UUID
	StaticILPAddress   string
	MaxPacketAmount    *uint64
	HTTP               HTTP
	LiquidityThreshold *uint64
}

// Create registers a peer, installs its route, and provisions its
// liquidity account.
func (s *Service) Create(ctx context.Context, params CreateParams) (Peer, error) {
	if _, err := s.assets.Get(ctx, params.AssetID); err != nil {
		return Peer{}, err
	}
	p := Peer{
		ID:                 uuid.New(),
		AssetID:            params.AssetID,
		StaticILPAddress:   params.StaticILPAddress,
		MaxPacketAmount:    params.MaxPacketAmount,
		HTTP:               params.HTTP,
		LiquidityThreshold: params.LiquidityThreshold,
		CreatedAt:          s.clock.Now(),
	}
	if err := s.store.Insert(ctx, p); err != nil {
		return Peer{}, err
	}

	err := s.ledger.CreateAccount(ctx, ledger.Account{
		ID:      p.ID,
		Kind:    ledger.KindPeer,
		AssetID: p.AssetID,
	})
	if err != nil && !errors.Is(err, ledger.ErrAccountExists) {
		return Peer{}, fmt.Errorf("create peer liquidity account: %w", err)
	}

	s.routes.Set(p.StaticILPAddress, p.ID)
	s.log.Info("peer created",
		zap.String("peer", p.ID.String()),
		zap.String("prefix", p.StaticILPAddress))
	return p, nil
}

// Get looks a peer up by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Peer, error) {
	return s.store.Get(ctx, id)
}

// GetByIncomingToken authenticates an inbound ILP-over-HTTP request.
func (s *Service) GetByIncomingToken(ctx context.Context, token string) (Peer, error) {
	return s.store.GetByIncomingToken(ctx, token)
}

// GetByDestination resolves the outgoing peer for an ILP destination.
func (s *Service) GetByDestination(ctx context.Context, destination string) (Peer, error) {
	id, ok := s.routes.Resolve(destination)
	if !ok {
		return Peer{}, ErrUnknownPeer
	}
	return s.store.Get(ctx, id)
}

// UpdateParams carries the mutable peer fields; nil leaves a field
// unchanged.
type UpdateParams struct {
	StaticILPAddress   *string
	MaxPacketAmount    *uint64
	HTTP               *HTTP
	LiquidityThreshold *uint64
}

// Update mutates a peer and keeps its route current.
func (s *Service) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (Peer, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Peer{}, err
	}
	oldPrefix := p.StaticILPAddress
	if params.StaticILPAddress != nil {
		p.StaticILPAddress = *params.StaticILPAddress
	}
	if params.MaxPacketAmount != nil {
		p.MaxPacketAmount = params.MaxPacketAmount
	}
	if params.HTTP != nil {
		p.HTTP = *params.HTTP
	}
	if params.LiquidityThreshold != nil {
		p.LiquidityThreshold = params.LiquidityThreshold
	}
	if err := s.store.Update(ctx, p); err != nil {
		return Peer{}, err
	}
	if p.StaticILPAddress != oldPrefix {
		s.routes.Remove(oldPrefix)
	}
	s.routes.Set(p.StaticILPAddress, p.ID)
	return p, nil
}

// Delete removes a peer and its routes. The ledger account and its
// history are retained.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.routes.RemovePeer(id)
	s.log.Info("peer deleted", zap.String("peer", id.String()))
	return nil
}

// LoadRoutes installs routes for every stored peer; called at startup.
func (s *Service) LoadRoutes(ctx context.Context) error {
	peers, err := s.store.List(ctx)
	if err != nil {
		return err
	}
	for _, p := range peers {
		s.routes.Set(p.StaticILPAddress, p.ID)
	}
	return nil
}
