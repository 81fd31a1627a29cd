package packet

import "encoding/binary"

// Code is a three-character ILP error code. The first character is the
// class: F final, T temporary, R relative.
type Code string

// Error codes used by the pipeline, matching RFC 0027.
const (
	CodeF00BadRequest          Code = "F00"
	CodeF01InvalidPacket       Code = "F01"
	CodeF02Unreachable         Code = "F02"
	CodeF03InvalidAmount       Code = "F03"
	CodeF05WrongCondition      Code = "F05"
	CodeF06UnexpectedPayment   Code = "F06"
	CodeF07CannotReceive       Code = "F07"
	CodeF08AmountTooLarge      Code = "F08"
	CodeF99ApplicationError    Code = "F99"
	CodeT00InternalError       Code = "T00"
	CodeT01PeerBusy            Code = "T01"
	CodeT04InsufficientLiquid  Code = "T04"
	CodeT05RateLimited         Code = "T05"
	CodeR00TransferTimedOut    Code = "R00"
	CodeR01InsufficientSource  Code = "R01"
	CodeR02InsufficientTimeout Code = "R02"
)

// Valid reports whether the code has the three-character class form.
func (c Code) Valid() bool {
	if len(c) != codeLen {
		return false
	}
	switch c[0] {
	case 'F', 'T', 'R':
	default:
		return false
	}
	return c[1] >= '0' && c[1] <= '9' && c[2] >= '0' && c[2] <= '9'
}

// Final reports whether retrying the same packet cannot succeed.
func (c Code) Final() bool { return len(c) == codeLen && c[0] == 'F' }

// Temporary reports whether the failure may clear on retry.
func (c Code) Temporary() bool { return len(c) == codeLen && c[0] == 'T' }

// Error is a typed pipeline failure. Stages return it to short-circuit
// the chain; the top-level handler serializes it as a reject packet.
type Error struct {
	Code    Code
	Message string
	Data    []byte
}

func (e *Error) Error() string {
	return string(e.Code) + " " + e.Message
}

// NewError builds a typed pipeline failure.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// AmountTooLarge builds the F08 error carrying the received amount and
// the peer's cap in its data payload, as the RFC prescribes.
func AmountTooLarge(received, maximum uint64) *Error {
	data := make([]byte, 16)
	binary.BigEndian.PutUint64(data[:8], received)
	binary.BigEndian.PutUint64(data[8:], maximum)
	return &Error{Code: CodeF08AmountTooLarge, Message: "packet size too large", Data: data}
}

// RejectFrom converts a typed failure into a reject packet attributed to
// the given ILP address.
func (e *Error) RejectFrom(address string) *Reject {
	return &Reject{
		Code:        e.Code,
		TriggeredBy: address,
		Message:     e.Message,
		Data:        e.Data,
	}
}
