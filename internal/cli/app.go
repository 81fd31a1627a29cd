package cli

import (
	"context"
	"crypto/ed25519"
	"database/sql"
	"encoding/base64"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/config"
	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/fee"
	"github.com/halcyonpay/ilpd/internal/ilp/pipeline"
	"github.com/halcyonpay/ilpd/internal/ilp/stream"
	"github.com/halcyonpay/ilpd/internal/ilphttp"
	"github.com/halcyonpay/ilpd/internal/ledger"
	ledgermem "github.com/halcyonpay/ilpd/internal/ledger/memory"
	ledgerpsql "github.com/halcyonpay/ilpd/internal/ledger/psql"
	"github.com/halcyonpay/ilpd/internal/liquidity"
	"github.com/halcyonpay/ilpd/internal/openpayments"
	"github.com/halcyonpay/ilpd/internal/payment/incoming"
	"github.com/halcyonpay/ilpd/internal/payment/outgoing"
	"github.com/halcyonpay/ilpd/internal/peer"
	"github.com/halcyonpay/ilpd/internal/quote"
	"github.com/halcyonpay/ilpd/internal/rates"
	"github.com/halcyonpay/ilpd/internal/receiver"
	"github.com/halcyonpay/ilpd/internal/router"
	"github.com/halcyonpay/ilpd/internal/storage/postgres"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
)

// app is the wired engine: every service bound to the configured
// storage backend.
type app struct {
	cfg *config.Config
	log *zap.Logger
	clk clock.Clock

	// db is nil when the memory backend is selected.
	db *sql.DB

	ledger   ledger.Ledger
	events   event.Sink
	stream   *stream.Server
	assets   *asset.Service
	peers    *peer.Service
	resolver *receiver.Resolver
	pipeline *pipeline.Pipeline

	addresses   *walletaddress.Service
	incoming    *incoming.Service
	quotes      *quote.Service
	outgoing    *outgoing.Service
	liquidity   *liquidity.Service
	quoteStore  quote.Store
	addrStore   walletaddress.Store
	assetStore  asset.Store
	outgoingCfg outgoing.WorkerConfig
}

func buildApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	clk := clock.System{}
	registry := ledger.NewRegistry()

	var (
		db            *sql.DB
		led           ledger.Ledger
		events        event.Sink
		assetStore    asset.Store
		feeStore      fee.Store
		peerStore     peer.Store
		addrStore     walletaddress.Store
		incomingStore incoming.Store
		quoteStore    quote.Store
		outgoingStore outgoing.Store
		idempKeys     liquidity.Keys
		eventStore    liquidity.EventStore
	)
	if cfg.Database.Driver == "memory" {
		led = ledgermem.New(clk, registry)
		memSink := event.NewMemSink()
		events = memSink
		eventStore = memSink
		idempKeys = liquidity.NewMemKeys()
		assetStore = asset.NewMemStore()
		feeStore = fee.NewMemStore()
		peerStore = peer.NewMemStore()
		addrStore = walletaddress.NewMemStore()
		incomingStore = incoming.NewMemStore(memSink)
		quoteStore = quote.NewMemStore()
		outgoingStore = outgoing.NewMemStore(memSink)
	} else {
		var err error
		db, err = postgres.Open(ctx, postgres.Config{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		led = ledgerpsql.New(db, cfg.Database.Driver, clk, registry)
		events = event.DBSink{Ex: db, Clock: clk}
		eventStore = liquidity.DBEvents{Ex: db}
		idempKeys = liquidity.DBKeys{Ex: db, Clock: clk}
		assetStore = asset.NewPSQLStore(db)
		feeStore = fee.NewPSQLStore(db)
		peerStore = peer.NewPSQLStore(db)
		addrStore = walletaddress.NewPSQLStore(db)
		incomingStore = incoming.NewPSQLStore(db)
		quoteStore = quote.NewPSQLStore(db, assetStore)
		outgoingStore = outgoing.NewPSQLStore(db, cfg.Database.Driver)
	}

	secret, err := cfg.StreamSecretBytes()
	if err != nil {
		return nil, err
	}
	streamServer, err := stream.NewServer(secret, cfg.ILPAddress)
	if err != nil {
		return nil, err
	}

	assetSvc := asset.NewService(assetStore, led, clk, log)
	peerSvc := peer.NewService(peerStore, assetStore, led, router.NewTable(), clk, log)
	if err := peerSvc.LoadRoutes(ctx); err != nil {
		return nil, fmt.Errorf("load peer routes: %w", err)
	}
	addressSvc := walletaddress.NewService(addrStore, assetStore, led, registry, clk, cfg.WithdrawalThrottleDelay, log)
	incomingSvc := incoming.NewService(incomingStore, addrStore, assetStore, led, registry, clk, cfg.IncomingPaymentExpiry, log)

	opClient, err := signedClient(cfg)
	if err != nil {
		return nil, err
	}
	grants, err := receiver.NewGrantCache(openpayments.NewGrantClient(opClient, cfg.OpenPaymentsURL, clk), clk, 128)
	if err != nil {
		return nil, err
	}
	resolver := receiver.NewResolver(incomingSvc, addrStore, assetStore, streamServer, opClient, grants, clk, cfg.OpenPaymentsURL, log)

	var ratesClient rates.Client = rates.Static{}
	if cfg.ExchangeRatesURL != "" {
		ratesClient = rates.NewHTTPClient(cfg.ExchangeRatesURL, cfg.ExchangeRatesLifetime, nil)
	}

	quoteSvc := quote.NewService(quoteStore, addrStore, assetStore, feeStore, ratesClient, resolver, clk, quote.Config{
		Lifespan: cfg.QuoteLifespan,
		Slippage: decimal.NewFromFloat(cfg.Slippage),
	}, log)

	outgoingSvc := outgoing.NewService(outgoingStore, quoteStore, addrStore, resolver, led, clk, log)
	liquiditySvc := liquidity.NewService(idempKeys, led, assetStore, peerStore, addrStore, eventStore, clk, log)

	forwarder := ilphttp.NewClient(cfg.HTTP.PeerTimeout, log)
	pipe := pipeline.New(pipeline.Config{
		ILPAddress:               cfg.ILPAddress,
		MaxHoldTime:              cfg.Pipeline.MaxHoldTime,
		IncomingPacketsPerSecond: float64(cfg.Pipeline.IncomingPacketsPerSecond),
		IncomingAmountPerSecond:  float64(cfg.Pipeline.IncomingAmountPerSecond),
		OutgoingAmountPerSecond:  float64(cfg.Pipeline.OutgoingAmountPerSecond),
	}, streamServer, incomingSvc, addressSvc, peerSvc, assetStore, ratesClient, led, forwarder, clk, log)

	return &app{
		cfg:       cfg,
		log:       log,
		clk:       clk,
		db:        db,
		ledger:    led,
		events:    events,
		stream:    streamServer,
		assets:    assetSvc,
		peers:     peerSvc,
		resolver:  resolver,
		pipeline:  pipe,
		addresses: addressSvc,
		incoming:  incomingSvc,
		quotes:    quoteSvc,
		outgoing:  outgoingSvc,
		liquidity: liquiditySvc,

		quoteStore: quoteStore,
		addrStore:  addrStore,
		assetStore: assetStore,
		outgoingCfg: outgoing.WorkerConfig{
			RetryBackoff: cfg.Worker.OutgoingRetryBackoff,
			MaxBackoff:   cfg.Worker.OutgoingMaxBackoff,
			MaxAttempts:  cfg.Worker.OutgoingMaxAttempts,
		},
	}, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

func signedClient(cfg *config.Config) (*openpayments.Client, error) {
	var key ed25519.PrivateKey
	if cfg.PrivateKey != "" {
		seed, err := base64.StdEncoding.DecodeString(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("private_key: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("private_key: need %d-byte seed, got %d", ed25519.SeedSize, len(seed))
		}
		key = ed25519.NewKeyFromSeed(seed)
	}
	return openpayments.NewClient(&http.Client{Timeout: cfg.HTTP.PeerTimeout}, cfg.KeyID, key), nil
}
