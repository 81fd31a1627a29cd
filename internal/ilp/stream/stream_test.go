package stream

import (
	"bytes"
	"crypto/sha256"
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halcyonpay/ilpd/internal/ilp/packet"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	secret := bytes.Repeat([]byte{0x5A}, SecretLen)
	s, err := NewServer(secret, "test.halcyon")
	require.NoError(t, err)
	return s
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer([]byte("short"), "test.halcyon")
	assert.ErrorIs(t, err, ErrBadSecret)

	_, err = NewServer(bytes.Repeat([]byte{1}, SecretLen), "")
	assert.Error(t, err)
}

func TestTagRoundTrip(t *testing.T) {
	s := testServer(t)
	tag := Tag{Kind: TagIncomingPayment, ID: uuid.New()}

	addr, sharedSecret, err := s.Credentials(tag)
	require.NoError(t, err)
	require.Len(t, sharedSecret, SecretLen)

	got, token, ok := s.DecodeDestination(addr)
	require.True(t, ok)
	assert.Equal(t, tag, got)
	assert.Equal(t, sharedSecret, s.SharedSecret(token))
}

func TestTagEncodingIsDeterministic(t *testing.T) {
	s := testServer(t)
	tag := Tag{Kind: TagWalletAddress, ID: uuid.MustParse("6f0bbecb-2b1a-4a06-b06a-9255c1d57c1c")}

	a1, s1, err := s.Credentials(tag)
	require.NoError(t, err)
	a2, s2, err := s.Credentials(tag)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Equal(t, s1, s2)
}

func TestAddressShape(t *testing.T) {
	s := testServer(t)
	addr, _, err := s.Credentials(Tag{Kind: TagIncomingPayment, ID: uuid.New()})
	require.NoError(t, err)

	re := regexp.MustCompile(`^test\.halcyon\.[A-Za-z0-9_-]{95}$`)
	assert.Regexp(t, re, addr)
}

func TestDecodeDestinationWithClientSuffix(t *testing.T) {
	s := testServer(t)
	tag := Tag{Kind: TagIncomingPayment, ID: uuid.New()}
	addr, _, err := s.Credentials(tag)
	require.NoError(t, err)

	got, _, ok := s.DecodeDestination(addr + ".clientsegment")
	require.True(t, ok)
	assert.Equal(t, tag, got)
}

func TestDecodeDestinationRejectsForeign(t *testing.T) {
	s := testServer(t)

	_, _, ok := s.DecodeDestination("test.otherhost.abc")
	assert.False(t, ok)

	_, _, ok = s.DecodeDestination("test.halcyon.notavalidtoken")
	assert.False(t, ok)

	// A token minted under a different secret must not decode.
	other, err := NewServer(bytes.Repeat([]byte{0x11}, SecretLen), "test.halcyon")
	require.NoError(t, err)
	addr, _, err := other.Credentials(Tag{Kind: TagIncomingPayment, ID: uuid.New()})
	require.NoError(t, err)
	_, _, ok = s.DecodeDestination(addr)
	assert.False(t, ok)
}

func TestFulfillmentCondition(t *testing.T) {
	s := testServer(t)
	_, sharedSecret, err := s.Credentials(Tag{Kind: TagIncomingPayment, ID: uuid.New()})
	require.NoError(t, err)

	data := []byte("packet data")
	f := Fulfillment(sharedSecret, data)
	assert.Equal(t, Condition(sharedSecret, data), sha256.Sum256(f[:]))

	// Different data or secret moves the fulfillment.
	assert.NotEqual(t, f, Fulfillment(sharedSecret, []byte("other")))
	assert.NotEqual(t, f, Fulfillment(bytes.Repeat([]byte{9}, 32), data))
}

func TestStreamPacketRoundTrip(t *testing.T) {
	s := testServer(t)
	_, sharedSecret, err := s.Credentials(Tag{Kind: TagIncomingPayment, ID: uuid.New()})
	require.NoError(t, err)

	data, err := EncodePacket(sharedSecret, Packet{
		ILPType:       packet.TypePrepare,
		Sequence:      7,
		PrepareAmount: 61,
		Frames: []Frame{
			StreamMoneyFrame{StreamID: DefaultStreamID, Shares: 1},
		},
	})
	require.NoError(t, err)

	got, err := DecodePacket(sharedSecret, data)
	require.NoError(t, err)
	assert.Equal(t, packet.TypePrepare, got.ILPType)
	assert.Equal(t, uint64(7), got.Sequence)
	assert.Equal(t, uint64(61), got.PrepareAmount)
	money, ok := got.Money()
	require.True(t, ok)
	assert.Equal(t, uint64(DefaultStreamID), money.StreamID)
	assert.Equal(t, uint64(1), money.Shares)
}

func TestStreamPacketAssetDetails(t *testing.T) {
	s := testServer(t)
	_, sharedSecret, err := s.Credentials(Tag{Kind: TagIncomingPayment, ID: uuid.New()})
	require.NoError(t, err)

	data, err := EncodePacket(sharedSecret, Packet{
		ILPType:       packet.TypeFulfill,
		Sequence:      7,
		PrepareAmount: 61,
		Frames: []Frame{
			ConnectionAssetDetailsFrame{AssetCode: "USD", AssetScale: 9},
		},
	})
	require.NoError(t, err)

	got, err := DecodePacket(sharedSecret, data)
	require.NoError(t, err)
	assert.Equal(t, packet.TypeFulfill, got.ILPType)
	details, ok := got.AssetDetails()
	require.True(t, ok)
	assert.Equal(t, "USD", details.AssetCode)
	assert.Equal(t, uint8(9), details.AssetScale)
	_, ok = got.Money()
	assert.False(t, ok)
}

func TestStreamPacketRejectsForeignData(t *testing.T) {
	s := testServer(t)
	_, secretA, err := s.Credentials(Tag{Kind: TagIncomingPayment, ID: uuid.New()})
	require.NoError(t, err)
	_, secretB, err := s.Credentials(Tag{Kind: TagIncomingPayment, ID: uuid.New()})
	require.NoError(t, err)

	data, err := EncodePacket(secretA, Packet{ILPType: packet.TypePrepare, Sequence: 1, PrepareAmount: 10})
	require.NoError(t, err)

	_, err = DecodePacket(secretB, data)
	assert.ErrorIs(t, err, ErrBadStreamPacket)

	_, err = DecodePacket(secretA, []byte("short"))
	assert.ErrorIs(t, err, ErrBadStreamPacket)
}

func TestStreamPacketRejectsTruncatedPlaintext(t *testing.T) {
	s := testServer(t)
	_, sharedSecret, err := s.Credentials(Tag{Kind: TagIncomingPayment, ID: uuid.New()})
	require.NoError(t, err)

	// Sealed garbage decrypts but does not decode.
	data, err := seal(sharedSecret, []byte{streamVersion, packet.TypePrepare, 0x09})
	require.NoError(t, err)
	_, err = DecodePacket(sharedSecret, data)
	assert.ErrorIs(t, err, ErrBadStreamPacket)
}
