// Package receiver resolves receiver URLs (incoming payments or
// connections, local or remote) into STREAM credentials the quote and
// pay engines can act on.
package receiver

import (
	"errors"
	"time"
)

var (
	// ErrInvalidReceiver reports a receiver that cannot accept money:
	// unknown, completed, or expired.
	ErrInvalidReceiver = errors.New("invalid receiver")

	// ErrReceiverError wraps failures while creating a receiver.
	ErrReceiverError = errors.New("receiver error")
)

// Receiver is a resolved destination for an outgoing payment.
type Receiver struct {
	URL          string
	AssetCode    string
	AssetScale   uint8
	ILPAddress   string
	SharedSecret []byte

	// IncomingAmount is the receiver's requested total, nil when
	// open-ended. ReceivedAmount is what it has already received.
	IncomingAmount *uint64
	ReceivedAmount uint64

	ExpiresAt *time.Time
	Completed bool
}

// Active reports whether the receiver still accepts money at t.
func (r *Receiver) Active(t time.Time) bool {
	if r.Completed {
		return false
	}
	return r.ExpiresAt == nil || r.ExpiresAt.After(t)
}

// Remaining returns how much the receiver still wants, or nil when
// open-ended.
func (r *Receiver) Remaining() *uint64 {
	if r.IncomingAmount == nil {
		return nil
	}
	var remaining uint64
	if *r.IncomingAmount > r.ReceivedAmount {
		remaining = *r.IncomingAmount - r.ReceivedAmount
	}
	return &remaining
}
