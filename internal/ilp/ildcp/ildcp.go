// Package ildcp serves the Interledger Dynamic Configuration Protocol:
// a peer addresses a prepare at peer.config and receives its client
// address plus the asset the link is denominated in.
package ildcp

import (
	"crypto/sha256"
	"errors"
	"time"

	"github.com/halcyonpay/ilpd/internal/ilp/packet"
)

// DestinationAddress is the reserved self-config sub-address.
const DestinationAddress = "peer.config"

// ErrNotILDCP is returned when a packet is not an ILDCP request.
var ErrNotILDCP = errors.New("not an ildcp request")

// Response carries the link configuration handed to the peer.
type Response struct {
	ClientAddress string
	AssetScale    uint8
	AssetCode     string
}

// peerProtocolFulfillment is all zeroes; peer-protocol packets use
// SHA-256 of it as their execution condition.
var peerProtocolFulfillment [packet.FulfillmentLen]byte

// peerProtocolCondition caches SHA-256 of the zero fulfillment.
var peerProtocolCondition = sha256.Sum256(peerProtocolFulfillment[:])

// IsRequest reports whether the prepare is an ILDCP request.
func IsRequest(p *packet.Prepare) bool {
	return p.Destination == DestinationAddress
}

// NewRequest builds an ILDCP request prepare.
func NewRequest(expiresAt time.Time) *packet.Prepare {
	return &packet.Prepare{
		Destination:        DestinationAddress,
		ExpiresAt:          expiresAt,
		ExecutionCondition: peerProtocolCondition,
	}
}

// Serve answers an ILDCP request with the given configuration.
func Serve(p *packet.Prepare, resp Response) (*packet.Fulfill, error) {
	if !IsRequest(p) {
		return nil, ErrNotILDCP
	}
	if p.ExecutionCondition != peerProtocolCondition {
		return nil, ErrNotILDCP
	}
	return &packet.Fulfill{
		Fulfillment: peerProtocolFulfillment,
		Data:        encodeResponse(resp),
	}, nil
}

// ParseResponse decodes the configuration out of an ILDCP fulfill.
func ParseResponse(f *packet.Fulfill) (Response, error) {
	var resp Response
	r := newDataReader(f.Data)

	addr, err := r.varOctets()
	if err != nil {
		return resp, err
	}
	resp.ClientAddress = string(addr)

	scale, err := r.byte()
	if err != nil {
		return resp, err
	}
	resp.AssetScale = scale

	code, err := r.varOctets()
	if err != nil {
		return resp, err
	}
	resp.AssetCode = string(code)
	return resp, nil
}

func encodeResponse(resp Response) []byte {
	var out []byte
	out = appendVarOctets(out, []byte(resp.ClientAddress))
	out = append(out, resp.AssetScale)
	out = appendVarOctets(out, []byte(resp.AssetCode))
	return out
}

func appendVarOctets(buf, data []byte) []byte {
	// Addresses and asset codes never approach the 128-byte single-octet
	// length boundary.
	buf = append(buf, byte(len(data)))
	return append(buf, data...)
}

type dataReader struct {
	buf []byte
	off int
}

func newDataReader(buf []byte) *dataReader { return &dataReader{buf: buf} }

func (r *dataReader) byte() (byte, error) {
	if r.off >= len(r.buf) {
		return 0, packet.ErrTruncated
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *dataReader) varOctets() ([]byte, error) {
	n, err := r.byte()
	if err != nil {
		return nil, err
	}
	if r.off+int(n) > len(r.buf) {
		return nil, packet.ErrTruncated
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}
