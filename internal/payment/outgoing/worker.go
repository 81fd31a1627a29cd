package outgoing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/amount"
	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/pay"
	"github.com/halcyonpay/ilpd/internal/quote"
)

// SenderFactory hands the worker a packet sender bound to the payment's
// ledger account, so every packet debits the right balance.
type SenderFactory interface {
	SenderFor(ctx context.Context, paymentID uuid.UUID) (pay.Sender, error)
}

// WorkerConfig tunes the pay attempt loop.
type WorkerConfig struct {
	// RetryBackoff is the delay after the first retryable failure; it
	// doubles per attempt up to MaxBackoff.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// MaxAttempts caps pay attempts before the payment fails.
	MaxAttempts int
}

func (c WorkerConfig) applyDefaults() WorkerConfig {
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Worker claims Sending payments and runs pay attempts until each one
// completes or fails.
type Worker struct {
	service  *Service
	quotes   quote.Store
	resolver ReceiverResolver
	senders  SenderFactory
	cfg      WorkerConfig
	log      *zap.Logger
}

func NewWorker(service *Service, quotes quote.Store, resolver ReceiverResolver, senders SenderFactory, cfg WorkerConfig, log *zap.Logger) *Worker {
	return &Worker{
		service:  service,
		quotes:   quotes,
		resolver: resolver,
		senders:  senders,
		cfg:      cfg.applyDefaults(),
		log:      log,
	}
}

// Tick claims one due payment and runs a pay attempt. Returns true when
// it did work, so callers can poll eagerly while the queue is hot.
func (w *Worker) Tick(ctx context.Context) (bool, error) {
	now := w.service.clock.Now()
	p, release, err := w.service.store.Claim(ctx, now)
	if err != nil || p == nil {
		return false, err
	}

	updated, ev, err := w.attempt(ctx, *p)
	if err != nil {
		// Claim released without progress; the payment stays due.
		release(ctx, *p)
		return true, err
	}
	if ev != nil {
		return true, release(ctx, updated, *ev)
	}
	return true, release(ctx, updated)
}

// attempt runs one pay attempt and returns the payment to persist,
// plus the terminal event to commit with it when the attempt ended
// the lifecycle.
func (w *Worker) attempt(ctx context.Context, p Payment) (Payment, *event.Event, error) {
	q, err := w.quotes.Get(ctx, p.QuoteID)
	if err != nil {
		return Payment{}, nil, err
	}

	plan, stop := w.plan(ctx, p, q)
	if stop != nil {
		return w.resolve(ctx, p, q, stop)
	}
	if plan == nil {
		// Nothing left to deliver.
		return w.resolve(ctx, p, q, nil)
	}

	sender, err := w.senders.SenderFor(ctx, p.ID)
	if err != nil {
		return w.resolve(ctx, p, q, pay.NewError(pay.KindConnectorError, "sender: %v", err))
	}
	payer := pay.NewPayer(sender, w.service.clock, w.log)
	res, payErr := payer.Pay(ctx, *plan)
	p.SentAmount += res.AmountSent

	var stopErr *pay.Error
	if payErr != nil && !errors.As(payErr, &stopErr) {
		stopErr = pay.NewError(pay.KindConnectorError, "%v", payErr)
	}
	return w.resolve(ctx, p, q, stopErr)
}

// plan builds the attempt plan from what the quote still leaves to send
// and deliver. A nil plan with nil stop means the payment is done.
func (w *Worker) plan(ctx context.Context, p Payment, q quote.Quote) (*pay.Plan, *pay.Error) {
	if p.SentAmount >= q.DebitAmount.Value {
		return nil, nil
	}
	delivered, err := amount.MulFloor(p.SentAmount, q.MinExchangeRate)
	if err != nil {
		return nil, pay.NewError(pay.KindRateProbeFailed, "rate math: %v", err)
	}
	if delivered >= q.ReceiveAmount.Value {
		return nil, nil
	}

	addr, err := w.service.addresses.Get(ctx, p.WalletAddressID)
	if err != nil {
		return nil, pay.NewError(pay.KindConnectorError, "wallet address: %v", err)
	}
	if addr.AssetID != q.AssetID {
		return nil, pay.NewError(pay.KindSourceAssetConflict,
			"wallet address asset %s differs from quoted asset %s",
			addr.AssetID, q.AssetID)
	}

	recv, err := w.resolver.Resolve(ctx, q.Receiver)
	if err != nil {
		return nil, pay.NewError(pay.KindEstablishmentFailed, "resolve receiver: %v", err)
	}
	if !recv.Active(w.service.clock.Now()) {
		return nil, pay.NewError(pay.KindClosedByReceiver, "receiver no longer accepts money")
	}
	if recv.AssetCode != q.ReceiveAmount.AssetCode || recv.AssetScale != q.ReceiveAmount.AssetScale {
		return nil, pay.NewError(pay.KindDestinationAssetConflict,
			"receiver asset %s(%d) differs from quoted %s(%d)",
			recv.AssetCode, recv.AssetScale,
			q.ReceiveAmount.AssetCode, q.ReceiveAmount.AssetScale)
	}
	return &pay.Plan{
		Destination:     recv.ILPAddress,
		SharedSecret:    recv.SharedSecret,
		DebitAmount:     q.DebitAmount.Value - p.SentAmount,
		ReceiveAmount:   q.ReceiveAmount.Value - delivered,
		MaxPacketAmount: q.MaxPacketAmount,
		MinExchangeRate: q.MinExchangeRate,
	}, nil
}

// resolve applies the attempt outcome: complete, reschedule, or fail.
// Terminal outcomes return the lifecycle event for the release to
// commit with the payment.
func (w *Worker) resolve(ctx context.Context, p Payment, q quote.Quote, stop *pay.Error) (Payment, *event.Event, error) {
	now := w.service.clock.Now()
	p.UpdatedAt = now

	if stop == nil {
		p.State = StateCompleted
		p.ProcessAt = nil
		p.StateAttempts = 0
		ev, err := w.service.lifecycleEvent(event.TypeOutgoingPaymentCompleted, p, q)
		if err != nil {
			return Payment{}, nil, err
		}
		w.log.Info("outgoing payment completed",
			zap.String("payment", p.ID.String()),
			zap.Uint64("sent", p.SentAmount))
		return p, &ev, nil
	}

	p.StateAttempts++
	if stop.Kind.Retryable() && p.StateAttempts < w.cfg.MaxAttempts {
		next := now.Add(w.backoff(p.StateAttempts - 1))
		p.ProcessAt = &next
		w.log.Debug("outgoing payment attempt failed, retrying",
			zap.String("payment", p.ID.String()),
			zap.String("kind", string(stop.Kind)),
			zap.Int("attempts", p.StateAttempts),
			zap.Time("next", next))
		return p, nil, nil
	}

	msg := stop.Error()
	p.State = StateFailed
	p.Error = &msg
	p.ProcessAt = nil
	ev, err := w.service.lifecycleEvent(event.TypeOutgoingPaymentFailed, p, q)
	if err != nil {
		return Payment{}, nil, err
	}
	w.log.Warn("outgoing payment failed",
		zap.String("payment", p.ID.String()),
		zap.String("kind", string(stop.Kind)),
		zap.Uint64("sent", p.SentAmount))
	return p, &ev, nil
}

func (w *Worker) backoff(attempts int) time.Duration {
	d := w.cfg.RetryBackoff
	for i := 0; i < attempts && d < w.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > w.cfg.MaxBackoff {
		d = w.cfg.MaxBackoff
	}
	return d
}
