package ildcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonpay/ilpd/internal/ilp/packet"
)

func TestServeAndParse(t *testing.T) {
	req := NewRequest(time.Now().Add(30 * time.Second))
	require.True(t, IsRequest(req))

	fulfill, err := Serve(req, Response{
		ClientAddress: "test.halcyon.peerA",
		AssetScale:    9,
		AssetCode:     "USD",
	})
	require.NoError(t, err)
	assert.True(t, fulfill.Matches(req.ExecutionCondition))

	resp, err := ParseResponse(fulfill)
	require.NoError(t, err)
	assert.Equal(t, "test.halcyon.peerA", resp.ClientAddress)
	assert.Equal(t, uint8(9), resp.AssetScale)
	assert.Equal(t, "USD", resp.AssetCode)
}

func TestServeRejectsWrongDestination(t *testing.T) {
	p := NewRequest(time.Now())
	p.Destination = "test.other"
	_, err := Serve(p, Response{})
	assert.ErrorIs(t, err, ErrNotILDCP)
}

func TestServeRejectsWrongCondition(t *testing.T) {
	p := NewRequest(time.Now())
	p.ExecutionCondition[0] ^= 0xFF
	_, err := Serve(p, Response{})
	assert.ErrorIs(t, err, ErrNotILDCP)
}

func TestParseTruncated(t *testing.T) {
	f := &packet.Fulfill{Data: []byte{5, 'a', 'b'}}
	_, err := ParseResponse(f)
	assert.ErrorIs(t, err, packet.ErrTruncated)
}
