package quote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/amount"
	"github.com/halcyonpay/ilpd/internal/asset"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/fee"
	"github.com/halcyonpay/ilpd/internal/rates"
	"github.com/halcyonpay/ilpd/internal/receiver"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
)

// basisPointDenominator mirrors the fee proportional base.
const basisPointDenominator = 10_000

// Config tunes quoting.
type Config struct {
	// Lifespan bounds how long a quote can fund a payment.
	Lifespan time.Duration

	// Slippage (0..1) discounts the estimated rate into the minimum
	// acceptable one.
	Slippage decimal.Decimal
}

// Service is the quote engine.
type Service struct {
	store     Store
	addresses walletaddress.Store
	assets    asset.Store
	fees      fee.Store
	rates     rates.Client
	resolver  *receiver.Resolver
	clock     clock.Clock
	log       *zap.Logger
	cfg       Config
}

func NewService(store Store, addresses walletaddress.Store, assets asset.Store, fees fee.Store, ratesClient rates.Client, resolver *receiver.Resolver, c clock.Clock, cfg Config, log *zap.Logger) *Service {
	return &Service{
		store:     store,
		addresses: addresses,
		assets:    assets,
		fees:      fees,
		rates:     ratesClient,
		resolver:  resolver,
		clock:     c,
		log:       log,
		cfg:       cfg,
	}
}

// CreateParams carries the quote request. Exactly one of DebitAmount
// and ReceiveAmount may be set; with neither, the receiver must expose
// an incoming amount.
type CreateParams struct {
	WalletAddressID uuid.UUID
	Receiver        string
	DebitAmount     *amount.Amount
	ReceiveAmount   *amount.Amount
	Client          *string
}

// Create computes and persists a quote.
func (s *Service) Create(ctx context.Context, params CreateParams) (Quote, error) {
	if params.DebitAmount != nil && params.ReceiveAmount != nil {
		return Quote{}, ErrInvalidAmount
	}

	addr, err := s.addresses.Get(ctx, params.WalletAddressID)
	if err != nil {
		return Quote{}, err
	}
	now := s.clock.Now()
	if !addr.Active(now) {
		return Quote{}, walletaddress.ErrInactive
	}
	sourceAsset, err := s.assets.Get(ctx, addr.AssetID)
	if err != nil {
		return Quote{}, err
	}

	recv, err := s.resolver.Resolve(ctx, params.Receiver)
	if err != nil || !recv.Active(now) {
		return Quote{}, ErrInvalidReceiver
	}

	rate, err := s.rates.Rate(ctx, sourceAsset.Code, recv.AssetCode)
	if err != nil {
		return Quote{}, fmt.Errorf("quote rate lookup: %w", err)
	}
	// All rate math runs in smallest units of both assets.
	low := amount.ScaleRate(rate, sourceAsset.Scale, recv.AssetScale)
	// The upper estimate bounds the rate exclusively: one smallest
	// destination unit above the quoted rate.
	high := low.Add(decimal.New(1, -int32(recv.AssetScale)))
	minRate := low.Mul(decimal.NewFromInt(1).Sub(s.cfg.Slippage))

	sendingFee, feeID, err := s.sendingFee(ctx, sourceAsset.ID)
	if err != nil {
		return Quote{}, err
	}

	var debitValue, receiveValue uint64
	switch {
	case params.DebitAmount != nil:
		if err := validateAmount(*params.DebitAmount, sourceAsset.Code, sourceAsset.Scale); err != nil {
			return Quote{}, err
		}
		debitValue = params.DebitAmount.Value
		receiveValue, err = s.receiveFromDebit(debitValue, minRate, sendingFee)
	default:
		receiveValue, err = s.receiveTarget(params, recv)
		if err != nil {
			return Quote{}, err
		}
		debitValue, err = s.debitFromReceive(receiveValue, minRate, sendingFee)
	}
	if err != nil {
		return Quote{}, err
	}
	if debitValue == 0 || receiveValue == 0 {
		return Quote{}, ErrInvalidAmount
	}
	if remaining := recv.Remaining(); remaining != nil && receiveValue > *remaining {
		return Quote{}, ErrInvalidAmount
	}

	expiresAt := now.Add(s.cfg.Lifespan)
	if recv.ExpiresAt != nil && recv.ExpiresAt.Before(expiresAt) {
		expiresAt = *recv.ExpiresAt
	}

	q := Quote{
		ID:                        uuid.New(),
		WalletAddressID:           addr.ID,
		AssetID:                   sourceAsset.ID,
		Receiver:                  params.Receiver,
		DebitAmount:               amount.New(debitValue, sourceAsset.Code, sourceAsset.Scale),
		ReceiveAmount:             amount.New(receiveValue, recv.AssetCode, recv.AssetScale),
		MaxPacketAmount:           amount.MaxPacketValue,
		MinExchangeRate:           minRate,
		LowEstimatedExchangeRate:  low,
		HighEstimatedExchangeRate: high,
		FeeID:                     feeID,
		ExpiresAt:                 expiresAt,
		Client:                    params.Client,
		CreatedAt:                 now,
	}
	if err := s.store.Insert(ctx, q); err != nil {
		return Quote{}, err
	}
	s.log.Info("quote created",
		zap.String("quote", q.ID.String()),
		zap.Uint64("debit", debitValue),
		zap.Uint64("receive", receiveValue))
	return q, nil
}

// Get looks a quote up by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Quote, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) sendingFee(ctx context.Context, assetID uuid.UUID) (*fee.Fee, *uuid.UUID, error) {
	f, err := s.fees.GetActive(ctx, assetID, fee.TypeSending)
	if errors.Is(err, fee.ErrUnknownFee) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	id := f.ID
	return &f, &id, nil
}

// receiveTarget picks the receive amount for fixed-delivery quotes.
func (s *Service) receiveTarget(params CreateParams, recv *receiver.Receiver) (uint64, error) {
	if params.ReceiveAmount != nil {
		if err := validateAmount(*params.ReceiveAmount, recv.AssetCode, recv.AssetScale); err != nil {
			return 0, err
		}
		return params.ReceiveAmount.Value, nil
	}
	remaining := recv.Remaining()
	if remaining == nil || *remaining == 0 {
		return 0, ErrInvalidAmount
	}
	return *remaining, nil
}

// receiveFromDebit estimates delivery for a fixed source amount. Fees
// come off the source before conversion; the estimate rounds down so
// the quote never promises more than the rate delivers.
func (s *Service) receiveFromDebit(debit uint64, minRate decimal.Decimal, sendingFee *fee.Fee) (uint64, error) {
	net := debit
	if sendingFee != nil {
		// Invert debit = net + fixed + ceil(net × bp / 10000),
		// conservatively.
		if debit <= sendingFee.Fixed {
			return 0, ErrInvalidAmount
		}
		net = (debit - sendingFee.Fixed) * basisPointDenominator /
			(basisPointDenominator + uint64(sendingFee.BasisPoints))
	}
	return amount.MulFloor(net, minRate)
}

// debitFromReceive derives the source amount needed to deliver a fixed
// receive amount, rounding the conversion up and adding fees on top.
func (s *Service) debitFromReceive(receive uint64, minRate decimal.Decimal, sendingFee *fee.Fee) (uint64, error) {
	base, err := amount.DivCeil(receive, minRate)
	if err != nil {
		return 0, err
	}
	if sendingFee != nil {
		base += sendingFee.Apply(base)
	}
	return base, nil
}

func validateAmount(a amount.Amount, code string, scale uint8) error {
	if a.Value == 0 || a.AssetCode != code || a.AssetScale != scale {
		return ErrInvalidAmount
	}
	return nil
}
