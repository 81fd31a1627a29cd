package outgoing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/event"
	"github.com/halcyonpay/ilpd/internal/ilp/packet"
	"github.com/halcyonpay/ilpd/internal/ilp/stream"
	"github.com/halcyonpay/ilpd/internal/pay"
)

// fulfillingSender settles packets at a fixed rate, with an optional
// per-attempt budget after which it rejects like a closed stream.
type fulfillingSender struct {
	rate   decimal.Decimal
	budget uint64
	capped bool
}

func (f *fulfillingSender) SendPacket(_ context.Context, p *packet.Prepare) (*packet.Fulfill, *packet.Reject, error) {
	if f.capped {
		if p.Amount > f.budget {
			return nil, &packet.Reject{Code: packet.CodeF99ApplicationError}, nil
		}
		f.budget -= p.Amount
	}
	req, err := stream.DecodePacket(testSecret, p.Data)
	if err != nil || req.ILPType != packet.TypePrepare {
		return nil, &packet.Reject{Code: packet.CodeF06UnexpectedPayment}, nil
	}
	delivered := decimal.NewFromUint64(p.Amount).Mul(f.rate).Floor().BigInt().Uint64()
	if delivered < req.PrepareAmount {
		return nil, &packet.Reject{Code: packet.CodeF99ApplicationError}, nil
	}
	data, err := stream.EncodePacket(testSecret, stream.Packet{
		ILPType:       packet.TypeFulfill,
		Sequence:      req.Sequence,
		PrepareAmount: delivered,
	})
	if err != nil {
		return nil, nil, err
	}
	return &packet.Fulfill{
		Fulfillment: stream.Fulfillment(testSecret, p.Data),
		Data:        data,
	}, nil, nil
}

// senderFactory hands each attempt a fresh sender.
type senderFactory struct {
	rate   decimal.Decimal
	budget uint64
	capped bool
}

func (f *senderFactory) SenderFor(context.Context, uuid.UUID) (pay.Sender, error) {
	return &fulfillingSender{rate: f.rate, budget: f.budget, capped: f.capped}, nil
}

func newWorker(env *testEnv, senders SenderFactory) *Worker {
	cfg := WorkerConfig{RetryBackoff: time.Second, MaxAttempts: 5}
	return NewWorker(env.service, env.quotes, env.resolver, senders, cfg, zap.NewNop())
}

func TestWorkerIdle(t *testing.T) {
	env := newTestEnv(t)
	worker := newWorker(env, &senderFactory{rate: decimal.NewFromInt(1)})

	worked, err := worker.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestWorkerCompletesPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worker := newWorker(env, &senderFactory{rate: decimal.RequireFromString("0.5")})

	q := env.newQuote(t, 123, 61, "0.5")
	p := env.create(t, q, nil)
	env.fund(t, p, 123)

	worked, err := worker.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	p, err = env.service.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, p.State)
	assert.Equal(t, uint64(122), p.SentAmount)
	assert.Nil(t, p.ProcessAt)

	// The odd source unit the rate could not use comes back out of the
	// payment account.
	completed := env.events.OfType(event.TypeOutgoingPaymentCompleted)
	require.Len(t, completed, 1)
	require.NotNil(t, completed[0].Withdrawal)
	assert.Equal(t, uint64(1), completed[0].Withdrawal.Amount)
	assert.Equal(t, p.ID, completed[0].Withdrawal.AccountID)
}

func TestWorkerRetriesThenFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Every attempt moves 10 units before the receiver closes the
	// stream.
	worker := newWorker(env, &senderFactory{
		rate:   decimal.NewFromInt(1),
		budget: 10,
		capped: true,
	})

	q := env.newQuote(t, 100, 100, "1")
	q.MaxPacketAmount = 10
	require.NoError(t, env.quotes.Insert(ctx, q))
	p := env.create(t, q, nil)
	env.fund(t, p, 100)

	for attempt := 1; attempt <= 5; attempt++ {
		worked, err := worker.Tick(ctx)
		require.NoError(t, err)
		require.True(t, worked, "attempt %d", attempt)
		env.clock.Advance(time.Minute)
	}

	p, err := env.service.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, p.State)
	assert.Equal(t, uint64(50), p.SentAmount)
	assert.Equal(t, 5, p.StateAttempts)
	require.NotNil(t, p.Error)

	failed := env.events.OfType(event.TypeOutgoingPaymentFailed)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].Withdrawal)
	assert.Equal(t, uint64(50), failed[0].Withdrawal.Amount)
}

func TestWorkerBacksOffBetweenAttempts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worker := newWorker(env, &senderFactory{rate: decimal.NewFromInt(1), capped: true})

	q := env.newQuote(t, 100, 100, "1")
	p := env.create(t, q, nil)
	env.fund(t, p, 100)

	worked, err := worker.Tick(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	// Not due again until the backoff elapses.
	worked, err = worker.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, worked)

	env.clock.Advance(2 * time.Second)
	worked, err = worker.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
}

func TestWorkerFailsOnSourceAssetConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worker := newWorker(env, &senderFactory{rate: decimal.NewFromInt(1)})

	q := env.newQuote(t, 100, 100, "1")
	p := env.create(t, q, nil)
	env.fund(t, p, 100)

	// The quote's debit asset no longer matches the wallet address.
	q.AssetID = uuid.New()
	require.NoError(t, env.quotes.Insert(ctx, q))

	worked, err := worker.Tick(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	p, err = env.service.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, p.State)
	assert.Zero(t, p.SentAmount)
	require.NotNil(t, p.Error)
	assert.Contains(t, *p.Error, "SourceAssetConflict")
}

func TestWorkerFailsOnAssetConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	worker := newWorker(env, &senderFactory{rate: decimal.NewFromInt(1)})

	q := env.newQuote(t, 100, 100, "1")
	p := env.create(t, q, nil)
	env.fund(t, p, 100)

	// The receiver's denomination changes out from under the quote.
	env.resolver.recv.AssetScale = 9

	worked, err := worker.Tick(ctx)
	require.NoError(t, err)
	require.True(t, worked)

	p, err = env.service.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, p.State)
	assert.Zero(t, p.SentAmount)

	failed := env.events.OfType(event.TypeOutgoingPaymentFailed)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].Withdrawal)
	assert.Equal(t, uint64(100), failed[0].Withdrawal.Amount)
}
