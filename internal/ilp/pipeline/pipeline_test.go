package pipeline

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/ilp/ildcp"
	"github.com/halcyonpay/ilpd/internal/ilp/packet"
	"github.com/halcyonpay/ilpd/internal/ilp/stream"
	"github.com/halcyonpay/ilpd/internal/ledger"
	"github.com/halcyonpay/ilpd/internal/ledger/memory"
	"github.com/halcyonpay/ilpd/internal/payment/incoming"
	"github.com/halcyonpay/ilpd/internal/peer"
	"github.com/halcyonpay/ilpd/internal/rates"
	"github.com/halcyonpay/ilpd/internal/router"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
)

// fakeForwarder answers forwarded packets with a canned reply.
type fakeForwarder struct {
	fulfill *packet.Fulfill
	reject  *packet.Reject
	err     error
	sent    []*packet.Prepare
}

func (f *fakeForwarder) SendToPeer(_ context.Context, _ peer.Peer, p *packet.Prepare) (*packet.Fulfill, *packet.Reject, error) {
	f.sent = append(f.sent, p)
	return f.fulfill, f.reject, f.err
}

type testEnv struct {
	pipeline  *Pipeline
	stream    *stream.Server
	ledger    *memory.Ledger
	incoming  *incoming.Service
	addresses *walletaddress.Service
	peers     *peer.Service
	forwarder *fakeForwarder
	clock     *clock.Manual
	asset     asset.Asset
	address   walletaddress.WalletAddress
	source    peer.Peer
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()
	manual := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	registry := ledger.NewRegistry()
	led := memory.New(manual, registry)
	log := zap.NewNop()

	assets := asset.NewMemStore()
	assetSvc := asset.NewService(assets, led, manual, log)
	a, err := assetSvc.Create(ctx, "USD", 2, asset.CreateOptions{})
	require.NoError(t, err)

	addresses := walletaddress.NewMemStore()
	addressSvc := walletaddress.NewService(addresses, assets, led, registry, manual, time.Minute, log)
	addr, err := addressSvc.Create(ctx, walletaddress.CreateParams{
		URL:     "https://wallet.example/alice",
		AssetID: a.ID,
	})
	require.NoError(t, err)

	events := event.NewMemSink()
	incomingSvc := incoming.NewService(incoming.NewMemStore(events), addresses, assets, led, registry, manual, 24*time.Hour, log)

	routes := router.NewTable()
	peers := peer.NewService(peer.NewMemStore(), assets, led, routes, manual, log)
	src, err := peers.Create(ctx, peer.CreateParams{
		AssetID:          a.ID,
		StaticILPAddress: "test.upstream",
	})
	require.NoError(t, err)

	secret := bytes.Repeat([]byte{7}, stream.SecretLen)
	streamServer, err := stream.NewServer(secret, "test.halcyon")
	require.NoError(t, err)

	if cfg.ILPAddress == "" {
		cfg.ILPAddress = "test.halcyon"
	}
	forwarder := &fakeForwarder{}
	p := New(cfg, streamServer, incomingSvc, addressSvc, peers, assets, rates.Static{}, led, forwarder, manual, log)

	return &testEnv{
		pipeline:  p,
		stream:    streamServer,
		ledger:    led,
		incoming:  incomingSvc,
		addresses: addressSvc,
		peers:     peers,
		forwarder: forwarder,
		clock:     manual,
		asset:     a,
		address:   addr,
		source:    src,
	}
}

func (e *testEnv) fundPeer(t *testing.T, value uint64) {
	t.Helper()
	require.NoError(t, e.ledger.CreateDeposit(context.Background(), ledger.Deposit{
		ID:        uuid.New(),
		AccountID: e.source.ID,
		Amount:    value,
	}))
}

func (e *testEnv) src() Source {
	return Source{AccountID: e.source.ID, AssetID: e.source.AssetID, Peer: &e.source}
}

// moneyPrepare builds a STREAM money packet for the given credentials.
func (e *testEnv) moneyPrepare(t *testing.T, destination string, secret []byte, value, minDest uint64) *packet.Prepare {
	t.Helper()
	data, err := stream.EncodePacket(secret, stream.Packet{
		ILPType:       packet.TypePrepare,
		Sequence:      1,
		PrepareAmount: minDest,
		Frames: []stream.Frame{
			stream.StreamMoneyFrame{StreamID: stream.DefaultStreamID, Shares: 1},
		},
	})
	require.NoError(t, err)
	return &packet.Prepare{
		Amount:             value,
		ExpiresAt:          e.clock.Now().Add(30 * time.Second),
		ExecutionCondition: stream.Condition(secret, data),
		Destination:        destination,
		Data:               data,
	}
}

func TestDeliverToIncomingPayment(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.fundPeer(t, 1000)

	target := uint64(100)
	pmt, err := env.incoming.Create(ctx, incoming.CreateParams{
		WalletAddressID: env.address.ID,
		IncomingAmount:  &target,
	})
	require.NoError(t, err)

	destination, secret, err := env.stream.Credentials(stream.Tag{Kind: stream.TagIncomingPayment, ID: pmt.ID})
	require.NoError(t, err)

	prepare := env.moneyPrepare(t, destination, secret, 60, 60)
	fulfill, reject, err := env.pipeline.Handle(ctx, env.src(), prepare)
	require.NoError(t, err)
	require.Nil(t, reject)
	require.NotNil(t, fulfill)
	assert.True(t, fulfill.Matches(prepare.ExecutionCondition))

	reply, err := stream.DecodePacket(secret, fulfill.Data)
	require.NoError(t, err)
	assert.Equal(t, packet.TypeFulfill, reply.ILPType)
	assert.Equal(t, uint64(60), reply.PrepareAmount)

	details, ok := reply.AssetDetails()
	require.True(t, ok)
	assert.Equal(t, "USD", details.AssetCode)
	assert.Equal(t, uint8(2), details.AssetScale)

	// The transfer posted: the payment credited, the peer debited.
	pmt, err = env.incoming.Get(ctx, pmt.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), pmt.ReceivedAmount)
	assert.Equal(t, incoming.StateProcessing, pmt.State)

	balance, err := env.ledger.GetBalance(ctx, env.source.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(940), balance)
}

func TestDeliverToWalletAddress(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.fundPeer(t, 100)

	destination, secret, err := env.stream.Credentials(stream.Tag{Kind: stream.TagWalletAddress, ID: env.address.ID})
	require.NoError(t, err)

	prepare := env.moneyPrepare(t, destination, secret, 25, 25)
	fulfill, reject, err := env.pipeline.Handle(ctx, env.src(), prepare)
	require.NoError(t, err)
	require.Nil(t, reject)
	require.NotNil(t, fulfill)

	received, err := env.ledger.GetTotalReceived(ctx, env.address.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(25), received)
}

func TestRejectInsufficientLiquidity(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	destination, secret, err := env.stream.Credentials(stream.Tag{Kind: stream.TagWalletAddress, ID: env.address.ID})
	require.NoError(t, err)

	// No peer liquidity deposited.
	prepare := env.moneyPrepare(t, destination, secret, 25, 25)
	fulfill, reject, err := env.pipeline.Handle(ctx, env.src(), prepare)
	require.NoError(t, err)
	require.Nil(t, fulfill)
	require.NotNil(t, reject)
	assert.Equal(t, packet.CodeT04InsufficientLiquid, reject.Code)
	assert.Equal(t, "test.halcyon", reject.TriggeredBy)
}

func TestRejectMaxPacketAmount(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	limit := uint64(50)
	src, err := env.peers.Update(ctx, env.source.ID, peer.UpdateParams{MaxPacketAmount: &limit})
	require.NoError(t, err)
	env.source = src
	env.fundPeer(t, 1000)

	destination, secret, err := env.stream.Credentials(stream.Tag{Kind: stream.TagWalletAddress, ID: env.address.ID})
	require.NoError(t, err)

	prepare := env.moneyPrepare(t, destination, secret, 60, 60)
	_, reject, err := env.pipeline.Handle(ctx, env.src(), prepare)
	require.NoError(t, err)
	require.NotNil(t, reject)
	assert.Equal(t, packet.CodeF08AmountTooLarge, reject.Code)
	require.Len(t, reject.Data, 16)
}

func TestRejectRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{IncomingPacketsPerSecond: 1})
	ctx := context.Background()
	env.fundPeer(t, 1000)

	destination, secret, err := env.stream.Credentials(stream.Tag{Kind: stream.TagWalletAddress, ID: env.address.ID})
	require.NoError(t, err)

	_, reject, err := env.pipeline.Handle(ctx, env.src(), env.moneyPrepare(t, destination, secret, 1, 1))
	require.NoError(t, err)
	require.Nil(t, reject)

	_, reject, err = env.pipeline.Handle(ctx, env.src(), env.moneyPrepare(t, destination, secret, 1, 1))
	require.NoError(t, err)
	require.NotNil(t, reject)
	assert.Equal(t, packet.CodeT05RateLimited, reject.Code)

	// The bucket refills with time.
	env.clock.Advance(time.Second)
	_, reject, err = env.pipeline.Handle(ctx, env.src(), env.moneyPrepare(t, destination, secret, 1, 1))
	require.NoError(t, err)
	assert.Nil(t, reject)
}

func TestRejectUnknownDestination(t *testing.T) {
	env := newTestEnv(t, Config{})

	prepare := &packet.Prepare{
		Amount:      10,
		ExpiresAt:   env.clock.Now().Add(30 * time.Second),
		Destination: "test.elsewhere.account",
	}
	_, reject, err := env.pipeline.Handle(context.Background(), env.src(), prepare)
	require.NoError(t, err)
	require.NotNil(t, reject)
	assert.Equal(t, packet.CodeF02Unreachable, reject.Code)
}

func TestRejectExpiredPacket(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.fundPeer(t, 100)

	_, err := env.peers.Create(ctx, peer.CreateParams{
		AssetID:          env.asset.ID,
		StaticILPAddress: "test.downstream",
	})
	require.NoError(t, err)

	prepare := &packet.Prepare{
		Amount:      10,
		ExpiresAt:   env.clock.Now().Add(-time.Second),
		Destination: "test.downstream.account",
	}
	_, reject, err := env.pipeline.Handle(ctx, env.src(), prepare)
	require.NoError(t, err)
	require.NotNil(t, reject)
	assert.Equal(t, packet.CodeR00TransferTimedOut, reject.Code)
}

func TestILDCP(t *testing.T) {
	env := newTestEnv(t, Config{})

	request := ildcp.NewRequest(env.clock.Now().Add(30 * time.Second))
	fulfill, reject, err := env.pipeline.Handle(context.Background(), env.src(), request)
	require.NoError(t, err)
	require.Nil(t, reject)
	require.NotNil(t, fulfill)

	resp, err := ildcp.ParseResponse(fulfill)
	require.NoError(t, err)
	assert.Equal(t, "test.upstream", resp.ClientAddress)
	assert.Equal(t, "USD", resp.AssetCode)
	assert.Equal(t, uint8(2), resp.AssetScale)
}

func TestForwardToPeer(t *testing.T) {
	env := newTestEnv(t, Config{MaxHoldTime: 10 * time.Second})
	ctx := context.Background()
	env.fundPeer(t, 100)

	next, err := env.peers.Create(ctx, peer.CreateParams{
		AssetID:          env.asset.ID,
		StaticILPAddress: "test.downstream",
	})
	require.NoError(t, err)

	var fulfillment [packet.FulfillmentLen]byte
	fulfillment[0] = 9
	env.forwarder.fulfill = &packet.Fulfill{Fulfillment: fulfillment}

	prepare := &packet.Prepare{
		Amount:             40,
		ExpiresAt:          env.clock.Now().Add(time.Minute),
		ExecutionCondition: packet.Condition(fulfillment),
		Destination:        "test.downstream.account",
	}
	fulfill, reject, err := env.pipeline.Handle(ctx, env.src(), prepare)
	require.NoError(t, err)
	require.Nil(t, reject)
	require.NotNil(t, fulfill)

	// The forwarded copy carries the clamped expiry.
	require.Len(t, env.forwarder.sent, 1)
	assert.Equal(t, env.clock.Now().Add(10*time.Second), env.forwarder.sent[0].ExpiresAt)

	// The transfer posted into the downstream peer's account.
	balance, err := env.ledger.GetBalance(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(40), balance)
}

func TestBadUpstreamFulfillmentVoids(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.fundPeer(t, 100)

	_, err := env.peers.Create(ctx, peer.CreateParams{
		AssetID:          env.asset.ID,
		StaticILPAddress: "test.downstream",
	})
	require.NoError(t, err)

	var wrong [packet.FulfillmentLen]byte
	wrong[0] = 1
	env.forwarder.fulfill = &packet.Fulfill{Fulfillment: wrong}

	var fulfillment [packet.FulfillmentLen]byte
	prepare := &packet.Prepare{
		Amount:             40,
		ExpiresAt:          env.clock.Now().Add(time.Minute),
		ExecutionCondition: packet.Condition(fulfillment),
		Destination:        "test.downstream.account",
	}
	fulfill, reject, err := env.pipeline.Handle(ctx, env.src(), prepare)
	require.NoError(t, err)
	require.Nil(t, fulfill)
	require.NotNil(t, reject)
	assert.Equal(t, packet.CodeF05WrongCondition, reject.Code)

	// Voided: the source balance is whole again.
	balance, err := env.ledger.GetBalance(ctx, env.source.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), balance)
}

func TestSenderForDrivesLoopback(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	// An outgoing payment account funded for the loopback send.
	paymentID := uuid.New()
	require.NoError(t, env.ledger.CreateAccount(ctx, ledger.Account{
		ID:      paymentID,
		Kind:    ledger.KindOutgoing,
		AssetID: env.asset.ID,
	}))
	require.NoError(t, env.ledger.CreateDeposit(ctx, ledger.Deposit{
		ID:        uuid.New(),
		AccountID: paymentID,
		Amount:    50,
	}))

	target := uint64(50)
	pmt, err := env.incoming.Create(ctx, incoming.CreateParams{
		WalletAddressID: env.address.ID,
		IncomingAmount:  &target,
	})
	require.NoError(t, err)
	destination, secret, err := env.stream.Credentials(stream.Tag{Kind: stream.TagIncomingPayment, ID: pmt.ID})
	require.NoError(t, err)

	sender, err := env.pipeline.SenderFor(ctx, paymentID)
	require.NoError(t, err)

	prepare := env.moneyPrepare(t, destination, secret, 50, 50)
	fulfill, reject, err := sender.SendPacket(ctx, prepare)
	require.NoError(t, err)
	require.Nil(t, reject)
	require.NotNil(t, fulfill)

	pmt, err = env.incoming.Get(ctx, pmt.ID)
	require.NoError(t, err)
	assert.Equal(t, incoming.StateCompleted, pmt.State)
}

func TestCrossAssetDelivery(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	env.fundPeer(t, 1000)

	assets := env.pipeline.assets
	eur, err := asset.NewService(assets, env.ledger, env.clock, zap.NewNop()).Create(ctx, "EUR", 2, asset.CreateOptions{})
	require.NoError(t, err)
	addr, err := env.addresses.Create(ctx, walletaddress.CreateParams{
		URL:     "https://wallet.example/erin",
		AssetID: eur.ID,
	})
	require.NoError(t, err)

	env.pipeline.rates = rates.Static{"USD/EUR": decimal.RequireFromString("0.5")}

	destination, secret, err := env.stream.Credentials(stream.Tag{Kind: stream.TagWalletAddress, ID: addr.ID})
	require.NoError(t, err)

	prepare := env.moneyPrepare(t, destination, secret, 100, 50)
	fulfill, reject, err := env.pipeline.Handle(ctx, env.src(), prepare)
	require.NoError(t, err)
	require.Nil(t, reject)
	require.NotNil(t, fulfill)

	reply, err := stream.DecodePacket(secret, fulfill.Data)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), reply.PrepareAmount)

	// The receiver names its own denomination.
	details, ok := reply.AssetDetails()
	require.True(t, ok)
	assert.Equal(t, "EUR", details.AssetCode)

	received, err := env.ledger.GetTotalReceived(ctx, addr.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), received)
}
