package outgoing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/amount"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/ledger"
	"github.com/halcyonpay/ilpd/internal/quote"
	"github.com/halcyonpay/ilpd/internal/receiver"
	"github.com/halcyonpay/ilpd/internal/walletaddress"
)

// ReceiverResolver is the slice of the receiver resolver the lifecycle
// needs.
type ReceiverResolver interface {
	Resolve(ctx context.Context, url string) (*receiver.Receiver, error)
}

// Service creates and funds outgoing payments. The worker drives funded
// payments separately.
type Service struct {
	store     Store
	quotes    quote.Store
	addresses walletaddress.Store
	resolver  ReceiverResolver
	ledger    ledger.Ledger
	clock     clock.Clock
	log       *zap.Logger
}

func NewService(store Store, quotes quote.Store, addresses walletaddress.Store, resolver ReceiverResolver, l ledger.Ledger, c clock.Clock, log *zap.Logger) *Service {
	return &Service{
		store:     store,
		quotes:    quotes,
		addresses: addresses,
		resolver:  resolver,
		ledger:    l,
		clock:     c,
		log:       log,
	}
}

// CreateParams carries the outgoing payment fields.
type CreateParams struct {
	WalletAddressID uuid.UUID
	QuoteID         uuid.UUID
	Metadata        json.RawMessage
	Client          *string
	Grant           *Grant
}

// Create consumes a quote into a Funding payment. When a grant with
// limits is attached, the creation serializes on the grant and the new
// amounts must fit what the limits leave over.
func (s *Service) Create(ctx context.Context, params CreateParams) (Payment, error) {
	q, err := s.quotes.Get(ctx, params.QuoteID)
	if err != nil {
		if errors.Is(err, quote.ErrUnknownQuote) {
			return Payment{}, ErrInvalidQuote
		}
		return Payment{}, err
	}
	now := s.clock.Now()
	if q.Expired(now) || q.WalletAddressID != params.WalletAddressID {
		return Payment{}, ErrInvalidQuote
	}

	addr, err := s.addresses.Get(ctx, params.WalletAddressID)
	if err != nil {
		return Payment{}, err
	}
	if !addr.Active(now) {
		return Payment{}, walletaddress.ErrInactive
	}

	recv, err := s.resolver.Resolve(ctx, q.Receiver)
	if err != nil || !recv.Active(now) {
		return Payment{}, ErrInvalidQuote
	}

	p := Payment{
		ID:              q.ID,
		WalletAddressID: addr.ID,
		QuoteID:         q.ID,
		State:           StateFunding,
		Metadata:        params.Metadata,
		Client:          params.Client,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	insert := func(ctx context.Context, store GrantTx) error {
		ev, err := s.lifecycleEvent(event.TypeOutgoingPaymentCreated, p, q)
		if err != nil {
			return err
		}
		if err := store.Insert(ctx, p, ev); err != nil {
			return err
		}
		err = s.ledger.CreateAccount(ctx, ledger.Account{
			ID:      p.ID,
			Kind:    ledger.KindOutgoing,
			AssetID: q.AssetID,
		})
		if err != nil && !errors.Is(err, ledger.ErrAccountExists) {
			return fmt.Errorf("create outgoing payment account: %w", err)
		}
		return nil
	}

	if params.Grant != nil {
		grantID := params.Grant.ID
		p.GrantID = &grantID
		err = s.store.WithGrantLock(ctx, grantID, func(ctx context.Context, store GrantTx) error {
			if params.Grant.Limits != nil {
				if err := s.checkGrant(ctx, store, *params.Grant.Limits, grantID, q, now); err != nil {
					return err
				}
			}
			return insert(ctx, store)
		})
	} else {
		err = insert(ctx, s.store)
	}
	if err != nil {
		return Payment{}, err
	}
	s.log.Info("outgoing payment created",
		zap.String("payment", p.ID.String()),
		zap.String("wallet_address", addr.ID.String()),
		zap.Uint64("debit_amount", q.DebitAmount.Value))
	return p, nil
}

// Get looks a payment up by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Payment, error) {
	return s.store.Get(ctx, id)
}

// Fund credits the payment's ledger account with the quoted debit
// amount and hands the payment to the worker. Idempotent on transferID.
func (s *Service) Fund(ctx context.Context, id uuid.UUID, value uint64, transferID uuid.UUID) (Payment, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return Payment{}, err
	}
	if p.State != StateFunding {
		return Payment{}, ErrWrongState
	}
	q, err := s.quotes.Get(ctx, p.QuoteID)
	if err != nil {
		return Payment{}, err
	}
	if value != q.DebitAmount.Value {
		return Payment{}, ErrInvalidAmount
	}

	err = s.ledger.CreateDeposit(ctx, ledger.Deposit{
		ID:        transferID,
		AccountID: p.ID,
		Amount:    value,
	})
	if err != nil && !errors.Is(err, ledger.ErrTransferExists) {
		return Payment{}, fmt.Errorf("fund outgoing payment: %w", err)
	}

	now := s.clock.Now()
	p.State = StateSending
	p.ProcessAt = &now
	p.UpdatedAt = now
	if err := s.store.Update(ctx, p); err != nil {
		return Payment{}, err
	}
	s.log.Info("outgoing payment funded",
		zap.String("payment", p.ID.String()),
		zap.Uint64("amount", value))
	return p, nil
}

// checkGrant verifies the new quote's amounts fit what the grant limits
// leave over. Runs under the grant lock; reads go through the locked
// store view so concurrent creations cannot slip past the limits.
func (s *Service) checkGrant(ctx context.Context, store GrantTx, limits GrantLimits, grantID string, q quote.Quote, now time.Time) error {
	if limits.Receiver != nil && !strings.HasPrefix(q.Receiver, *limits.Receiver) {
		return ErrInsufficientGrant
	}
	if limits.DebitAmount != nil && !limits.DebitAmount.SameAsset(q.DebitAmount) {
		return ErrInsufficientGrant
	}
	if limits.ReceiveAmount != nil && !limits.ReceiveAmount.SameAsset(q.ReceiveAmount) {
		return ErrInsufficientGrant
	}
	if limits.DebitAmount == nil && limits.ReceiveAmount == nil {
		return nil
	}

	// Amount limits apply per interval occurrence when one is set.
	var from, to *time.Time
	if limits.Interval != nil {
		interval, err := ParseInterval(*limits.Interval)
		if err != nil {
			return err
		}
		f, t, ok := interval.Window(now)
		if !ok {
			return ErrInsufficientGrant
		}
		from, to = &f, &t
	}

	spentDebit, spentReceive, err := s.spent(ctx, store, grantID, from, to)
	if err != nil {
		return err
	}
	if limits.DebitAmount != nil && spentDebit+q.DebitAmount.Value > limits.DebitAmount.Value {
		return ErrInsufficientGrant
	}
	if limits.ReceiveAmount != nil && spentReceive+q.ReceiveAmount.Value > limits.ReceiveAmount.Value {
		return ErrInsufficientGrant
	}
	return nil
}

// spent totals what earlier payments under the grant consumed. Failed
// payments count only what they actually sent; the receive side of a
// failure is estimated at the quoted rate.
func (s *Service) spent(ctx context.Context, store GrantTx, grantID string, from, to *time.Time) (debit, receive uint64, err error) {
	payments, err := store.ListByGrant(ctx, grantID)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range payments {
		if from != nil && (p.CreatedAt.Before(*from) || !p.CreatedAt.Before(*to)) {
			continue
		}
		q, err := s.quotes.Get(ctx, p.QuoteID)
		if err != nil {
			return 0, 0, err
		}
		if p.State == StateFailed {
			debit += p.SentAmount
			delivered, err := amount.MulCeil(p.SentAmount, q.LowEstimatedExchangeRate)
			if err != nil {
				return 0, 0, err
			}
			receive += delivered
			continue
		}
		debit += q.DebitAmount.Value
		receive += q.ReceiveAmount.Value
	}
	return debit, receive, nil
}

// lifecycleEvent builds the webhook event reporting the payment's
// state. The caller hands it to the store so it commits with the
// mutation. Terminal events carry a withdrawal of whatever funding was
// not sent.
func (s *Service) lifecycleEvent(eventType string, p Payment, q quote.Quote) (event.Event, error) {
	body := map[string]any{
		"id":              p.ID.String(),
		"walletAddressId": p.WalletAddressID.String(),
		"state":           string(p.State),
		"receiver":        q.Receiver,
		"debitAmount":     q.DebitAmount,
		"receiveAmount":   q.ReceiveAmount,
		"sentAmount":      amount.New(p.SentAmount, q.DebitAmount.AssetCode, q.DebitAmount.AssetScale),
	}
	if p.Error != nil {
		body["error"] = *p.Error
	}
	if p.Metadata != nil {
		body["metadata"] = p.Metadata
	}
	data, err := json.Marshal(body)
	if err != nil {
		return event.Event{}, err
	}
	ev := event.Event{ID: uuid.New(), Type: eventType, Data: data, CreatedAt: s.clock.Now()}
	if p.State.Terminal() && q.DebitAmount.Value > p.SentAmount {
		ev.Withdrawal = &event.Withdrawal{
			AccountID: p.ID,
			AssetID:   q.AssetID,
			Amount:    q.DebitAmount.Value - p.SentAmount,
		}
	}
	return ev, nil
}
