// Package packet implements the Interledger Protocol v4 wire format:
// prepare, fulfill, and reject packets framed as OER envelopes.
package packet

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"
)

// Packet type discriminants per the ILPv4 ASN.1 definitions.
const (
	TypePrepare byte = 12
	TypeFulfill byte = 13
	TypeReject  byte = 14
)

// Wire-format field sizes.
const (
	ConditionLen   = 32
	FulfillmentLen = 32
	codeLen        = 3
	timestampLen   = 17
)

// interledgerTimestamp is the fixed 17-character ILP timestamp layout.
const interledgerTimestamp = "20060102150405.000"

// ErrBadPacket is returned when a packet fails structural validation.
var ErrBadPacket = errors.New("malformed ilp packet")

// Prepare asks the next hop to deliver value against a hashlock condition.
type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [ConditionLen]byte
	Destination        string
	Data               []byte
}

// Fulfill proves delivery: SHA-256(Fulfillment) must equal the condition.
type Fulfill struct {
	Fulfillment [FulfillmentLen]byte
	Data        []byte
}

// Reject refuses a prepare with a typed code.
type Reject struct {
	Code        Code
	TriggeredBy string
	Message     string
	Data        []byte
}

// Matches reports whether the fulfillment hashes to the given condition.
func (f *Fulfill) Matches(condition [ConditionLen]byte) bool {
	return sha256.Sum256(f.Fulfillment[:]) == condition
}

// Condition returns the hashlock condition for a fulfillment preimage.
func Condition(fulfillment [FulfillmentLen]byte) [ConditionLen]byte {
	return sha256.Sum256(fulfillment[:])
}

// EncodePrepare serializes a prepare packet.
func EncodePrepare(p *Prepare) []byte {
	var body writer
	body.writeUint64(p.Amount)
	ts := p.ExpiresAt.UTC().Format(interledgerTimestamp)
	// Format emits "YYYYMMDDHHMMSS.mmm"; the wire drops the dot.
	body.buf = append(body.buf, ts[:14]...)
	body.buf = append(body.buf, ts[15:]...)
	body.buf = append(body.buf, p.ExecutionCondition[:]...)
	body.writeVarOctets([]byte(p.Destination))
	body.writeVarOctets(p.Data)
	return envelope(TypePrepare, body.buf)
}

// EncodeFulfill serializes a fulfill packet.
func EncodeFulfill(f *Fulfill) []byte {
	var body writer
	body.buf = append(body.buf, f.Fulfillment[:]...)
	body.writeVarOctets(f.Data)
	return envelope(TypeFulfill, body.buf)
}

// EncodeReject serializes a reject packet.
func EncodeReject(r *Reject) []byte {
	var body writer
	body.buf = append(body.buf, []byte(r.Code)...)
	body.writeVarOctets([]byte(r.TriggeredBy))
	body.writeVarOctets([]byte(r.Message))
	body.writeVarOctets(r.Data)
	return envelope(TypeReject, body.buf)
}

func envelope(typ byte, body []byte) []byte {
	var w writer
	w.writeByte(typ)
	w.writeVarOctets(body)
	return w.buf
}

// Decode parses any ILP packet, returning exactly one of the three types.
func Decode(raw []byte) (*Prepare, *Fulfill, *Reject, error) {
	r := &reader{buf: raw}
	typ, err := r.readByte()
	if err != nil {
		return nil, nil, nil, err
	}
	body, err := r.readVarOctets()
	if err != nil {
		return nil, nil, nil, err
	}

	switch typ {
	case TypePrepare:
		p, err := decodePrepare(body)
		return p, nil, nil, err
	case TypeFulfill:
		f, err := decodeFulfill(body)
		return nil, f, nil, err
	case TypeReject:
		rej, err := decodeReject(body)
		return nil, nil, rej, err
	default:
		return nil, nil, nil, fmt.Errorf("%w: unknown type %d", ErrBadPacket, typ)
	}
}

// DecodePrepare parses a prepare packet, rejecting other types.
func DecodePrepare(raw []byte) (*Prepare, error) {
	p, _, _, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: not a prepare", ErrBadPacket)
	}
	return p, nil
}

// DecodeReply parses a fulfill or reject packet, rejecting prepares.
func DecodeReply(raw []byte) (*Fulfill, *Reject, error) {
	p, f, rej, err := Decode(raw)
	if err != nil {
		return nil, nil, err
	}
	if p != nil {
		return nil, nil, fmt.Errorf("%w: prepare is not a reply", ErrBadPacket)
	}
	return f, rej, nil
}

func decodePrepare(body []byte) (*Prepare, error) {
	r := &reader{buf: body}
	p := &Prepare{}

	var err error
	if p.Amount, err = r.readUint64(); err != nil {
		return nil, err
	}

	ts, err := r.readN(timestampLen)
	if err != nil {
		return nil, err
	}
	// Reinsert the dot the wire format drops.
	p.ExpiresAt, err = time.Parse(interledgerTimestamp, string(ts[:14])+"."+string(ts[14:]))
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrBadPacket, ts)
	}

	cond, err := r.readN(ConditionLen)
	if err != nil {
		return nil, err
	}
	copy(p.ExecutionCondition[:], cond)

	dest, err := r.readVarOctets()
	if err != nil {
		return nil, err
	}
	p.Destination = string(dest)

	if p.Data, err = r.readVarOctets(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodeFulfill(body []byte) (*Fulfill, error) {
	r := &reader{buf: body}
	f := &Fulfill{}

	raw, err := r.readN(FulfillmentLen)
	if err != nil {
		return nil, err
	}
	copy(f.Fulfillment[:], raw)

	if f.Data, err = r.readVarOctets(); err != nil {
		return nil, err
	}
	return f, nil
}

func decodeReject(body []byte) (*Reject, error) {
	r := &reader{buf: body}
	rej := &Reject{}

	code, err := r.readN(codeLen)
	if err != nil {
		return nil, err
	}
	rej.Code = Code(code)
	if !rej.Code.Valid() {
		return nil, fmt.Errorf("%w: bad code %q", ErrBadPacket, code)
	}

	trigger, err := r.readVarOctets()
	if err != nil {
		return nil, err
	}
	rej.TriggeredBy = string(trigger)

	msg, err := r.readVarOctets()
	if err != nil {
		return nil, err
	}
	rej.Message = string(msg)

	if rej.Data, err = r.readVarOctets(); err != nil {
		return nil, err
	}
	return rej, nil
}
