// Package pipeline connects the ILP packet surfaces to the ledger: an
// ordered stage chain that resolves accounts, enforces peer limits,
// reserves a two-phase transfer per packet, and either answers locally
// through the stream receiver or forwards to the next hop.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/amount"
	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/ilp/ildcp"
	"github.com/halcyonpay/ilpd/internal/ilp/packet"
	"github.com/halcyonpay/ilpd/internal/ilp/stream"
	"github.com/halcyonpay/ilpd/internal/ledger"
	"github.com/halcyonpay/ilpd/internal/pay"
	"github.com/halcyonpay/ilpd/internal/payment/incoming"
	"github.com/halcyonpay/ilpd/internal/peer"
	"github.com/halcyonpay/ilpd/internal/rates"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
)

// Source is the authenticated origin of a packet: a peer link, or a
// local outgoing payment driving the loopback.
type Source struct {
	AccountID uuid.UUID
	AssetID   uuid.UUID

	// Peer is nil when the source is a local outgoing payment.
	Peer *peer.Peer
}

// Forwarder delivers a prepare to a peer over its transport.
type Forwarder interface {
	SendToPeer(ctx context.Context, p peer.Peer, prepare *packet.Prepare) (*packet.Fulfill, *packet.Reject, error)
}

// Config tunes the pipeline.
type Config struct {
	// ILPAddress attributes locally generated rejects.
	ILPAddress string

	// MaxHoldTime clamps packet expiry and bounds the per-packet ledger
	// reservation.
	MaxHoldTime time.Duration

	// Per-peer token bucket rates; zero disables the bucket.
	IncomingPacketsPerSecond float64
	IncomingAmountPerSecond  float64
	OutgoingAmountPerSecond  float64
}

func (c Config) applyDefaults() Config {
	if c.MaxHoldTime <= 0 {
		c.MaxHoldTime = 30 * time.Second
	}
	return c
}

// Pipeline runs packets through the stage chain.
type Pipeline struct {
	cfg       Config
	stream    *stream.Server
	incoming  *incoming.Service
	addresses *walletaddress.Service
	peers     *peer.Service
	assets    asset.Store
	rates     rates.Client
	ledger    ledger.Ledger
	forwarder Forwarder
	clock     clock.Clock
	log       *zap.Logger

	packetsIn *bucketSet
	amountIn  *bucketSet
	amountOut *bucketSet

	stages []stageFunc
}

func New(cfg Config, streamServer *stream.Server, incomingSvc *incoming.Service, addresses *walletaddress.Service, peers *peer.Service, assets asset.Store, ratesClient rates.Client, l ledger.Ledger, forwarder Forwarder, c clock.Clock, log *zap.Logger) *Pipeline {
	cfg = cfg.applyDefaults()
	p := &Pipeline{
		cfg:       cfg,
		stream:    streamServer,
		incoming:  incomingSvc,
		addresses: addresses,
		peers:     peers,
		assets:    assets,
		rates:     ratesClient,
		ledger:    l,
		forwarder: forwarder,
		clock:     c,
		log:       log,
		packetsIn: newBucketSet(c, cfg.IncomingPacketsPerSecond),
		amountIn:  newBucketSet(c, cfg.IncomingAmountPerSecond),
		amountOut: newBucketSet(c, cfg.OutgoingAmountPerSecond),
	}
	p.stages = []stageFunc{
		p.streamAddressStage,
		p.accountStage,
		p.maxPacketStage,
		p.rateLimitStage,
		p.incomingThroughputStage,
		p.ildcpStage,
		p.balanceStage,
		p.streamControllerStage,
		p.outgoingThroughputStage,
		p.expireReduceStage,
		p.expireGuardStage,
		p.fulfillmentValidatorStage,
		p.clientStage,
	}
	return p
}

// target is the resolved destination account.
type target struct {
	accountID uuid.UUID
	assetID   uuid.UUID

	// local marks a stream-receivable destination; secret is its
	// derived shared secret.
	local  bool
	secret []byte

	peer *peer.Peer
}

// call carries one packet through the chain.
type call struct {
	src       Source
	prepare   *packet.Prepare
	expiresAt time.Time

	tag   *stream.Tag
	token string

	target     *target
	destAmount uint64

	fulfill *packet.Fulfill
	reject  *packet.Reject
}

type stageFunc func(ctx context.Context, c *call, next func(context.Context) error) error

// Handle runs one packet. Typed stage failures come back as a reject
// attributed to this node; upstream rejects pass through unchanged.
func (p *Pipeline) Handle(ctx context.Context, src Source, prepare *packet.Prepare) (*packet.Fulfill, *packet.Reject, error) {
	c := &call{src: src, prepare: prepare, expiresAt: prepare.ExpiresAt}
	err := p.run(ctx, c, 0)
	if err != nil {
		var perr *packet.Error
		if !errors.As(err, &perr) {
			p.log.Error("packet pipeline failure",
				zap.String("destination", prepare.Destination),
				zap.Error(err))
			perr = packet.NewError(packet.CodeT00InternalError, "internal error")
		}
		return nil, perr.RejectFrom(p.cfg.ILPAddress), nil
	}
	if c.reject != nil {
		return nil, c.reject, nil
	}
	return c.fulfill, nil, nil
}

func (p *Pipeline) run(ctx context.Context, c *call, i int) error {
	if i >= len(p.stages) {
		return nil
	}
	return p.stages[i](ctx, c, func(ctx context.Context) error {
		return p.run(ctx, c, i+1)
	})
}

// streamAddressStage recognizes destinations minted by this server's
// stream receiver.
func (p *Pipeline) streamAddressStage(ctx context.Context, c *call, next func(context.Context) error) error {
	if tag, token, ok := p.stream.DecodeDestination(c.prepare.Destination); ok {
		c.tag = &tag
		c.token = token
	}
	return next(ctx)
}

// accountStage resolves the outgoing account: a local incoming payment,
// a wallet address (web monetization), or a routed peer.
func (p *Pipeline) accountStage(ctx context.Context, c *call, next func(context.Context) error) error {
	if ildcp.IsRequest(c.prepare) {
		return next(ctx)
	}
	if c.tag != nil {
		t, err := p.resolveLocal(ctx, c)
		if err != nil {
			return err
		}
		c.target = t
		return next(ctx)
	}
	pr, err := p.peers.GetByDestination(ctx, c.prepare.Destination)
	if err != nil {
		return packet.NewError(packet.CodeF02Unreachable, "no route to destination")
	}
	c.target = &target{accountID: pr.ID, assetID: pr.AssetID, peer: &pr}
	return next(ctx)
}

func (p *Pipeline) resolveLocal(ctx context.Context, c *call) (*target, error) {
	secret := p.stream.SharedSecret(c.token)
	switch c.tag.Kind {
	case stream.TagIncomingPayment:
		pmt, err := p.incoming.EnsureAccount(ctx, c.tag.ID)
		if err != nil {
			return nil, packet.NewError(packet.CodeF02Unreachable, "unknown incoming payment")
		}
		if pmt.State.Terminal() && c.prepare.Amount != 0 {
			return nil, packet.NewError(packet.CodeF02Unreachable, "incoming payment closed")
		}
		return &target{accountID: pmt.ID, assetID: pmt.AssetID, local: true, secret: secret}, nil
	case stream.TagWalletAddress:
		addr, err := p.addresses.EnsureAccount(ctx, c.tag.ID)
		if err != nil || !addr.Active(p.clock.Now()) {
			return nil, packet.NewError(packet.CodeF02Unreachable, "unknown wallet address")
		}
		return &target{accountID: addr.ID, assetID: addr.AssetID, local: true, secret: secret}, nil
	}
	return nil, packet.NewError(packet.CodeF02Unreachable, "unknown stream tag")
}

// maxPacketStage enforces the source peer's packet cap.
func (p *Pipeline) maxPacketStage(ctx context.Context, c *call, next func(context.Context) error) error {
	if c.src.Peer != nil && c.src.Peer.MaxPacketAmount != nil && c.prepare.Amount > *c.src.Peer.MaxPacketAmount {
		return packet.AmountTooLarge(c.prepare.Amount, *c.src.Peer.MaxPacketAmount)
	}
	return next(ctx)
}

func (p *Pipeline) rateLimitStage(ctx context.Context, c *call, next func(context.Context) error) error {
	if c.src.Peer != nil && !p.packetsIn.take(c.src.Peer.ID, 1) {
		return packet.NewError(packet.CodeT05RateLimited, "too many packets")
	}
	return next(ctx)
}

func (p *Pipeline) incomingThroughputStage(ctx context.Context, c *call, next func(context.Context) error) error {
	if c.src.Peer != nil && !p.amountIn.take(c.src.Peer.ID, float64(c.prepare.Amount)) {
		return packet.NewError(packet.CodeT04InsufficientLiquid, "exceeded money bandwidth, throttling")
	}
	return next(ctx)
}

// ildcpStage answers the peer's self-config request in place.
func (p *Pipeline) ildcpStage(ctx context.Context, c *call, next func(context.Context) error) error {
	if !ildcp.IsRequest(c.prepare) {
		return next(ctx)
	}
	if c.src.Peer == nil {
		return packet.NewError(packet.CodeF02Unreachable, "ildcp is peer-only")
	}
	a, err := p.assets.Get(ctx, c.src.Peer.AssetID)
	if err != nil {
		return err
	}
	fulfill, err := ildcp.Serve(c.prepare, ildcp.Response{
		ClientAddress: c.src.Peer.StaticILPAddress,
		AssetScale:    a.Scale,
		AssetCode:     a.Code,
	})
	if err != nil {
		return packet.NewError(packet.CodeF01InvalidPacket, "malformed ildcp request")
	}
	c.fulfill = fulfill
	return nil
}

// balanceStage reserves the per-packet ledger transfer; exactly one of
// post and void runs on the way back out.
func (p *Pipeline) balanceStage(ctx context.Context, c *call, next func(context.Context) error) error {
	destAmount, err := p.destinationAmount(ctx, c)
	if err != nil {
		return err
	}
	c.destAmount = destAmount

	if c.prepare.Amount == 0 {
		return next(ctx)
	}
	transfer, err := p.ledger.CreateTransfer(ctx, ledger.Transfer{
		ID:                   uuid.New(),
		SourceAccountID:      c.src.AccountID,
		DestinationAccountID: c.target.accountID,
		SourceAmount:         c.prepare.Amount,
		DestinationAmount:    destAmount,
		Timeout:              p.cfg.MaxHoldTime,
	})
	if err != nil {
		return packet.NewError(packet.CodeT04InsufficientLiquid, "insufficient liquidity")
	}

	err = next(ctx)
	if err == nil && c.fulfill != nil {
		if perr := transfer.Post(ctx); perr != nil {
			return perr
		}
		return nil
	}
	if verr := transfer.Void(ctx); verr != nil {
		p.log.Error("void packet transfer", zap.Error(verr))
	}
	return err
}

// destinationAmount converts the packet amount into the target asset.
func (p *Pipeline) destinationAmount(ctx context.Context, c *call) (uint64, error) {
	if c.src.AssetID == c.target.assetID {
		return c.prepare.Amount, nil
	}
	src, err := p.assets.Get(ctx, c.src.AssetID)
	if err != nil {
		return 0, err
	}
	dst, err := p.assets.Get(ctx, c.target.assetID)
	if err != nil {
		return 0, err
	}
	rate, err := p.rates.Rate(ctx, src.Code, dst.Code)
	if err != nil {
		return 0, packet.NewError(packet.CodeT00InternalError, "exchange rate unavailable")
	}
	return amount.MulFloor(c.prepare.Amount, amount.ScaleRate(rate, src.Scale, dst.Scale))
}

// streamControllerStage terminates packets addressed to local entities:
// it validates the hashlock against the derived secret and answers with
// the credited amount.
func (p *Pipeline) streamControllerStage(ctx context.Context, c *call, next func(context.Context) error) error {
	if c.target == nil || !c.target.local {
		return next(ctx)
	}
	sp, err := stream.DecodePacket(c.target.secret, c.prepare.Data)
	if err != nil || sp.ILPType != packet.TypePrepare {
		return packet.NewError(packet.CodeF06UnexpectedPayment, "unrecognized stream packet")
	}
	if c.prepare.ExecutionCondition != stream.Condition(c.target.secret, c.prepare.Data) {
		return packet.NewError(packet.CodeF05WrongCondition, "condition does not match stream secret")
	}
	if c.destAmount < sp.PrepareAmount {
		return packet.NewError(packet.CodeF99ApplicationError, "delivered amount below stated minimum")
	}
	reply := stream.Packet{
		ILPType:       packet.TypeFulfill,
		Sequence:      sp.Sequence,
		PrepareAmount: c.destAmount,
	}
	if a, aerr := p.assets.Get(ctx, c.target.assetID); aerr == nil {
		reply.Frames = append(reply.Frames, stream.ConnectionAssetDetailsFrame{
			AssetCode:  a.Code,
			AssetScale: a.Scale,
		})
	}
	data, err := stream.EncodePacket(c.target.secret, reply)
	if err != nil {
		return err
	}
	c.fulfill = &packet.Fulfill{
		Fulfillment: stream.Fulfillment(c.target.secret, c.prepare.Data),
		Data:        data,
	}
	return nil
}

func (p *Pipeline) outgoingThroughputStage(ctx context.Context, c *call, next func(context.Context) error) error {
	if c.target != nil && c.target.peer != nil && !p.amountOut.take(c.target.peer.ID, float64(c.prepare.Amount)) {
		return packet.NewError(packet.CodeT04InsufficientLiquid, "exceeded money bandwidth, throttling")
	}
	return next(ctx)
}

func (p *Pipeline) expireReduceStage(ctx context.Context, c *call, next func(context.Context) error) error {
	ceiling := p.clock.Now().Add(p.cfg.MaxHoldTime)
	if c.expiresAt.After(ceiling) {
		c.expiresAt = ceiling
	}
	return next(ctx)
}

func (p *Pipeline) expireGuardStage(ctx context.Context, c *call, next func(context.Context) error) error {
	if !c.expiresAt.After(p.clock.Now()) {
		return packet.NewError(packet.CodeR00TransferTimedOut, "packet expired")
	}
	return next(ctx)
}

// fulfillmentValidatorStage rejects upstream fulfillments whose hash
// does not open the packet's hashlock; the balance stage then voids.
func (p *Pipeline) fulfillmentValidatorStage(ctx context.Context, c *call, next func(context.Context) error) error {
	if err := next(ctx); err != nil {
		return err
	}
	if c.fulfill != nil && !c.fulfill.Matches(c.prepare.ExecutionCondition) {
		c.fulfill = nil
		return packet.NewError(packet.CodeF05WrongCondition, "upstream fulfillment does not match condition")
	}
	return nil
}

// clientStage forwards the packet to the next hop with the clamped
// expiry.
func (p *Pipeline) clientStage(ctx context.Context, c *call, _ func(context.Context) error) error {
	if c.target == nil || c.target.peer == nil {
		return packet.NewError(packet.CodeF02Unreachable, "no outgoing link")
	}
	outgoing := *c.prepare
	outgoing.ExpiresAt = c.expiresAt
	fulfill, reject, err := p.forwarder.SendToPeer(ctx, *c.target.peer, &outgoing)
	if err != nil {
		p.log.Warn("peer send failed",
			zap.String("peer", c.target.peer.ID.String()),
			zap.Error(err))
		return packet.NewError(packet.CodeT01PeerBusy, "peer unavailable")
	}
	c.fulfill = fulfill
	c.reject = reject
	return nil
}

// SenderFor binds a packet sender to an outgoing payment's ledger
// account, letting the pay runtime source packets through the pipeline.
func (p *Pipeline) SenderFor(ctx context.Context, paymentID uuid.UUID) (pay.Sender, error) {
	account, err := p.ledger.GetAccount(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return &localSender{pipeline: p, src: Source{AccountID: account.ID, AssetID: account.AssetID}}, nil
}

type localSender struct {
	pipeline *Pipeline
	src      Source
}

func (s *localSender) SendPacket(ctx context.Context, prepare *packet.Prepare) (*packet.Fulfill, *packet.Reject, error) {
	return s.pipeline.Handle(ctx, s.src, prepare)
}
