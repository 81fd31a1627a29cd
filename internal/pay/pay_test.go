package pay

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/ilp/packet"
	"github.com/halcyonpay/ilpd/internal/ilp/stream"
)

var testSecret = make([]byte, 32)

// fakeReceiver fulfills packets at a fixed rate, like a STREAM
// receiver behind a connector.
type fakeReceiver struct {
	rate     decimal.Decimal
	packets  int
	rejectAll *packet.Reject
}

func (f *fakeReceiver) SendPacket(_ context.Context, p *packet.Prepare) (*packet.Fulfill, *packet.Reject, error) {
	f.packets++
	if f.rejectAll != nil {
		return nil, f.rejectAll, nil
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
	fulfillment := stream.Fulfillment(testSecret, p.Data)
	return &packet.Fulfill{Fulfillment: fulfillment, Data: data}, nil, nil
}

func newPayer(sender Sender) *Payer {
	manual := clock.NewManual(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewPayer(sender, manual, zap.NewNop())
}

func plan(debit, receive uint64, rate string) Plan {
	return Plan{
		Destination:     "test.halcyon.receiver",
		SharedSecret:    testSecret,
		DebitAmount:     debit,
		ReceiveAmount:   receive,
		MinExchangeRate: decimal.RequireFromString(rate),
	}
}

func TestPayDeliversTarget(t *testing.T) {
	recv := &fakeReceiver{rate: decimal.RequireFromString("0.5")}
	payer := newPayer(recv)

	res, err := payer.Pay(context.Background(), plan(123, 61, "0.5"))
	require.NoError(t, err)

	// Delivery target met at exactly twice the receive value; the odd
	// leftover source unit stays unspent.
	assert.Equal(t, uint64(122), res.AmountSent)
	assert.Equal(t, uint64(61), res.AmountDelivered)
}

func TestPaySplitsOnMaxPacket(t *testing.T) {
	recv := &fakeReceiver{rate: decimal.RequireFromString("0.5")}
	payer := newPayer(recv)

	p := plan(1000, 500, "0.5")
	p.MaxPacketAmount = 100
	res, err := payer.Pay(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), res.AmountSent)
	assert.Equal(t, uint64(500), res.AmountDelivered)
	assert.Equal(t, 10, recv.packets)
}

func TestPayShrinksOnAmountTooLarge(t *testing.T) {
	inner := &fakeReceiver{rate: decimal.RequireFromString("1")}
	capped := &cappedSender{inner: inner, limit: 50}
	payer := newPayer(capped)

	res, err := payer.Pay(context.Background(), plan(200, 200, "1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), res.AmountSent)
	assert.Equal(t, uint64(200), res.AmountDelivered)
}

// cappedSender rejects packets above limit with F08 carrying the cap.
type cappedSender struct {
	inner Sender
	limit uint64
}

func (c *cappedSender) SendPacket(ctx context.Context, p *packet.Prepare) (*packet.Fulfill, *packet.Reject, error) {
	if p.Amount > c.limit {
		data := make([]byte, 16)
		binary.BigEndian.PutUint64(data[:8], p.Amount)
		binary.BigEndian.PutUint64(data[8:], c.limit)
		return nil, &packet.Reject{Code: packet.CodeF08AmountTooLarge, Data: data}, nil
	}
	return c.inner.SendPacket(ctx, p)
}

func TestPayInsufficientExchangeRate(t *testing.T) {
	recv := &fakeReceiver{rate: decimal.RequireFromString("0.5")}
	payer := newPayer(recv)

	// Budget covers only part of the delivery target.
	res, err := payer.Pay(context.Background(), plan(100, 61, "0.5"))
	var payErr *Error
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, KindInsufficientExchangeRate, payErr.Kind)
	assert.True(t, payErr.Kind.Retryable())

	// Partial progress is preserved.
	assert.Equal(t, uint64(100), res.AmountSent)
	assert.Equal(t, uint64(50), res.AmountDelivered)
}

func TestPayClosedByReceiver(t *testing.T) {
	recv := &fakeReceiver{rejectAll: &packet.Reject{Code: packet.CodeF99ApplicationError}}
	payer := newPayer(recv)

	_, err := payer.Pay(context.Background(), plan(100, 50, "1"))
	var payErr *Error
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, KindClosedByReceiver, payErr.Kind)
}

func TestPayUnreachable(t *testing.T) {
	recv := &fakeReceiver{rejectAll: &packet.Reject{Code: packet.CodeF02Unreachable}}
	payer := newPayer(recv)

	_, err := payer.Pay(context.Background(), plan(100, 50, "1"))
	var payErr *Error
	require.ErrorAs(t, err, &payErr)
	assert.Equal(t, KindEstablishmentFailed, payErr.Kind)
}

func TestErrorKinds(t *testing.T) {
	assert.True(t, KindConnectorError.Retryable())
	assert.True(t, KindRateProbeFailed.Retryable())
	assert.False(t, KindReceiverProtocolViolation.Retryable())
	assert.False(t, KindIncompatibleReceiveMax.Retryable())
}
