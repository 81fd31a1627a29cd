// Package pay is the streaming-pay runtime: it drives a quoted payment
// packet by packet through the pipeline until the delivery target is
// met, the source budget is spent, or an error stops it.
package pay

import "fmt"

// ErrorKind classifies pay failures. Retryable kinds make the
// lifecycle worker back off and try again; fatal kinds fail the
// payment immediately.
type ErrorKind string

const (
	// Retryable.
	KindClosedByReceiver         ErrorKind = "ClosedByReceiver"
	KindIdleTimeout              ErrorKind = "IdleTimeout"
	KindEstablishmentFailed      ErrorKind = "EstablishmentFailed"
	KindInsufficientExchangeRate ErrorKind = "InsufficientExchangeRate"
	KindRateProbeFailed          ErrorKind = "RateProbeFailed"
	KindConnectorError           ErrorKind = "ConnectorError"

	// Fatal.
	KindReceiverProtocolViolation ErrorKind = "ReceiverProtocolViolation"
	KindSourceAssetConflict       ErrorKind = "SourceAssetConflict"
	KindDestinationAssetConflict  ErrorKind = "DestinationAssetConflict"
	KindIncompatibleReceiveMax    ErrorKind = "IncompatibleReceiveMax"
	KindInvalidGeneratedSequence  ErrorKind = "InvalidGeneratedSequence"
)

// Retryable reports whether the kind warrants another attempt.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindClosedByReceiver, KindIdleTimeout, KindEstablishmentFailed,
		KindInsufficientExchangeRate, KindRateProbeFailed, KindConnectorError:
		return true
	}
	return false
}

// Error is a typed pay failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a typed pay error.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
