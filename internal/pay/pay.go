package pay

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/halcyonpay/ilpd/internal/amount"
	"github.com/halcyonpay/ilpd/internal/clock"
	"github.com/halcyonpay/ilpd/internal/ilp/packet"
	"github.com/halcyonpay/ilpd/internal/ilp/stream"
)

// Sender delivers one prepare to the network (or the local loopback)
// and returns the reply. Exactly one of fulfill and reject is non-nil
// on a nil error.
type Sender interface {
	SendPacket(ctx context.Context, p *packet.Prepare) (*packet.Fulfill, *packet.Reject, error)
}

// Plan is the quoted envelope one pay attempt runs under.
type Plan struct {
	Destination  string
	SharedSecret []byte

	// DebitAmount caps the source units this attempt may spend;
	// ReceiveAmount is the delivery target in destination units.
	DebitAmount   uint64
	ReceiveAmount uint64

	MaxPacketAmount uint64

	// MinExchangeRate floors the destination units each packet must
	// deliver per source unit.
	MinExchangeRate decimal.Decimal
}

// Result is the progress of one attempt, kept even on failure.
type Result struct {
	AmountSent      uint64
	AmountDelivered uint64
}

// packetTimeout is the sender-side expiry on each prepare.
const packetTimeout = 30 * time.Second

// maxConsecutiveRejects bounds T-class retries within one attempt.
const maxConsecutiveRejects = 5

// Payer runs pay attempts.
type Payer struct {
	sender Sender
	clock  clock.Clock
	log    *zap.Logger
}

func NewPayer(sender Sender, c clock.Clock, log *zap.Logger) *Payer {
	return &Payer{sender: sender, clock: c, log: log}
}

// Pay drives one attempt. The returned Result is meaningful even when
// err is non-nil: partial progress counts toward the payment.
func (p *Payer) Pay(ctx context.Context, plan Plan) (Result, error) {
	var res Result
	if plan.ReceiveAmount == 0 || plan.DebitAmount == 0 {
		return res, NewError(KindEstablishmentFailed, "empty plan")
	}
	if plan.MinExchangeRate.Sign() <= 0 {
		return res, NewError(KindRateProbeFailed, "no exchange rate")
	}

	maxPacket := plan.MaxPacketAmount
	if maxPacket == 0 {
		maxPacket = amount.MaxPacketValue
	}

	var sequence uint64
	rejects := 0
	for res.AmountDelivered < plan.ReceiveAmount {
		if err := ctx.Err(); err != nil {
			return res, NewError(KindIdleTimeout, "attempt cancelled: %v", err)
		}

		sourceAmount, minDest, err := p.nextPacket(plan, res, maxPacket)
		if err != nil {
			return res, err
		}

		sequence++
		prepare, err := p.buildPrepare(plan, sequence, sourceAmount, minDest)
		if err != nil {
			return res, NewError(KindInvalidGeneratedSequence, "build packet: %v", err)
		}

		fulfill, reject, err := p.sender.SendPacket(ctx, prepare)
		if err != nil {
			return res, NewError(KindConnectorError, "send: %v", err)
		}
		if reject != nil {
			var stop *Error
			maxPacket, stop = p.handleReject(reject, maxPacket, &rejects)
			if stop != nil {
				return res, stop
			}
			continue
		}

		rejects = 0
		delivered := p.deliveredAmount(plan, fulfill, minDest)
		if delivered < minDest {
			return res, NewError(KindReceiverProtocolViolation,
				"receiver reported %d below minimum %d", delivered, minDest)
		}
		res.AmountSent += sourceAmount
		res.AmountDelivered += delivered
	}
	return res, nil
}

// nextPacket sizes the next prepare: enough source to finish delivery
// at the minimum rate, clamped by the packet cap and remaining budget.
func (p *Payer) nextPacket(plan Plan, res Result, maxPacket uint64) (sourceAmount, minDest uint64, err error) {
	remainingDeliver := plan.ReceiveAmount - res.AmountDelivered
	sourceNeeded, derr := amount.DivCeil(remainingDeliver, plan.MinExchangeRate)
	if derr != nil {
		return 0, 0, NewError(KindRateProbeFailed, "rate math: %v", derr)
	}
	sourceAmount = sourceNeeded
	if sourceAmount > maxPacket {
		sourceAmount = maxPacket
	}
	remainingBudget := plan.DebitAmount - res.AmountSent
	if sourceAmount > remainingBudget {
		sourceAmount = remainingBudget
	}
	if sourceAmount == 0 {
		// Budget exhausted short of the target: the realized rate was
		// worse than quoted.
		return 0, 0, NewError(KindInsufficientExchangeRate,
			"sent %d of %d with %d still to deliver",
			res.AmountSent, plan.DebitAmount, remainingDeliver)
	}
	minDest, derr = amount.MulFloor(sourceAmount, plan.MinExchangeRate)
	if derr != nil {
		return 0, 0, NewError(KindRateProbeFailed, "rate math: %v", derr)
	}
	if minDest > remainingDeliver {
		minDest = remainingDeliver
	}
	return sourceAmount, minDest, nil
}

func (p *Payer) buildPrepare(plan Plan, sequence, sourceAmount, minDest uint64) (*packet.Prepare, error) {
	data, err := stream.EncodePacket(plan.SharedSecret, stream.Packet{
		ILPType:       packet.TypePrepare,
		Sequence:      sequence,
		PrepareAmount: minDest,
		Frames: []stream.Frame{
			stream.StreamMoneyFrame{StreamID: stream.DefaultStreamID, Shares: 1},
		},
	})
	if err != nil {
		return nil, err
	}
	return &packet.Prepare{
		Amount:             sourceAmount,
		ExpiresAt:          p.clock.Now().Add(packetTimeout),
		ExecutionCondition: stream.Condition(plan.SharedSecret, data),
		Destination:        plan.Destination,
		Data:               data,
	}, nil
}

// handleReject maps a reject to either a shrunken packet cap, a bounded
// retry, or a typed stop error.
func (p *Payer) handleReject(reject *packet.Reject, maxPacket uint64, rejects *int) (uint64, *Error) {
	switch reject.Code {
	case packet.CodeF08AmountTooLarge:
		if limit, ok := decodeAmountTooLarge(reject.Data); ok && limit > 0 && limit < maxPacket {
			return limit, nil
		}
		return maxPacket, NewError(KindConnectorError, "unusable F08 data")
	case packet.CodeF99ApplicationError:
		return maxPacket, NewError(KindClosedByReceiver, "receiver closed the stream")
	case packet.CodeF05WrongCondition, packet.CodeF06UnexpectedPayment:
		return maxPacket, NewError(KindReceiverProtocolViolation, "reject %s: %s", reject.Code, reject.Message)
	case packet.CodeF02Unreachable:
		return maxPacket, NewError(KindEstablishmentFailed, "destination unreachable")
	}
	if reject.Code.Temporary() {
		*rejects++
		if *rejects >= maxConsecutiveRejects {
			return maxPacket, NewError(KindConnectorError,
				"%d consecutive %s rejects", *rejects, reject.Code)
		}
		p.log.Debug("temporary reject, retrying packet",
			zap.String("code", string(reject.Code)),
			zap.Int("consecutive", *rejects))
		return maxPacket, nil
	}
	return maxPacket, NewError(KindConnectorError, "reject %s: %s", reject.Code, reject.Message)
}

// deliveredAmount trusts the receiver's encrypted reply when present,
// else credits the stated minimum.
func (p *Payer) deliveredAmount(plan Plan, fulfill *packet.Fulfill, minDest uint64) uint64 {
	reply, err := stream.DecodePacket(plan.SharedSecret, fulfill.Data)
	if err == nil && reply.ILPType == packet.TypeFulfill {
		return reply.PrepareAmount
	}
	return minDest
}

// decodeAmountTooLarge reads the F08 data: received then maximum, both
// big-endian uint64.
func decodeAmountTooLarge(data []byte) (uint64, bool) {
	if len(data) != 16 {
		return 0, false
	}
	received := binary.BigEndian.Uint64(data[:8])
	maximum := binary.BigEndian.Uint64(data[8:])
	if received == 0 {
		return 0, false
	}
	return maximum, true
}
