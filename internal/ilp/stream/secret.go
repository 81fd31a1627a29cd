// Package stream implements the server side of the Interledger STREAM
// transport: per-destination shared secrets, the reversible connection
// tag embedded in local ILP addresses, and hashlock fulfillment over a
// packet's encrypted data.
package stream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

// SecretLen is the required server secret size.
const SecretLen = 32

// TagKind says which entity a stream destination resolves to.
type TagKind byte

const (
	// TagIncomingPayment targets a specific incoming payment.
	TagIncomingPayment TagKind = 'i'

	// TagWalletAddress targets a wallet address directly (SPSP fallback,
	// credited as web monetization).
	TagWalletAddress TagKind = 'w'
)

// Tag identifies the local entity behind a stream destination address.
type Tag struct {
	Kind TagKind
	ID   uuid.UUID
}

// Derivation labels. Kept bit-stable: they feed key derivation.
const (
	labelSharedSecret  = "ilp_stream_shared_secret"
	labelTagEncryption = "ilp_stream_tag_encryption"
	labelTagIV         = "ilp_stream_tag_iv"
	labelFulfillment   = "ilp_stream_fulfillment"
	labelEncryption    = "ilp_stream_encryption"
)

// Token sizes. The encoded tag is nonce + GCM(sealed plaintext): 12 +
// (43+16) = 71 bytes, which is exactly 95 base64url characters.
const (
	tagNonceLen     = 12
	tagPadLen       = 26
	tagPlaintextLen = 1 + 16 + tagPadLen
	// TokenLen is the length of an encoded tag in base64url characters.
	TokenLen = 95
)

var (
	// ErrBadSecret is returned for server secrets of the wrong size.
	ErrBadSecret = errors.New("stream secret must be 32 bytes")

	// ErrBadTag is returned when an address segment does not decode to a
	// tag minted by this server.
	ErrBadTag = errors.New("not a stream destination")
)

// Server mints and resolves stream credentials under one ILP address
// prefix.
type Server struct {
	secret  []byte
	address string
}

// NewServer validates the secret and the address prefix.
func NewServer(secret []byte, ilpAddress string) (*Server, error) {
	if len(secret) != SecretLen {
		return nil, ErrBadSecret
	}
	if ilpAddress == "" {
		return nil, errors.New("empty ilp address")
	}
	s := &Server{secret: make([]byte, SecretLen), address: ilpAddress}
	copy(s.secret, secret)
	return s, nil
}

// Address returns the server's ILP address prefix.
func (s *Server) Address() string { return s.address }

// Credentials returns the destination address and shared secret for a
// tag. The same tag always yields the same pair.
func (s *Server) Credentials(tag Tag) (ilpAddress string, sharedSecret []byte, err error) {
	token, err := s.encodeTag(tag)
	if err != nil {
		return "", nil, err
	}
	return s.address + "." + token, s.SharedSecret(token), nil
}

// SharedSecret derives the 32-byte shared secret bound to an encoded tag.
func (s *Server) SharedSecret(token string) []byte {
	out := make([]byte, SecretLen)
	r := hkdf.New(sha256.New, s.secret, nil, append([]byte(labelSharedSecret), token...))
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF over SHA-256 cannot fail for 32 bytes.
		panic(err)
	}
	return out
}

// DecodeDestination extracts the tag from a destination address, if the
// address was minted by this server. The second return is false for
// foreign or malformed destinations.
func (s *Server) DecodeDestination(destination string) (Tag, string, bool) {
	rest, ok := strings.CutPrefix(destination, s.address+".")
	if !ok {
		return Tag{}, "", false
	}
	// The token is the first segment; STREAM clients may append more.
	token, _, _ := strings.Cut(rest, ".")
	tag, err := s.decodeTag(token)
	if err != nil {
		return Tag{}, "", false
	}
	return tag, token, true
}

func (s *Server) encodeTag(tag Tag) (string, error) {
	plaintext := make([]byte, tagPlaintextLen)
	plaintext[0] = byte(tag.Kind)
	copy(plaintext[1:17], tag.ID[:])

	// Nonce and padding derive from the tag itself so encoding is
	// deterministic and the codec round-trips bit-exactly.
	det := make([]byte, tagNonceLen+tagPadLen)
	r := hkdf.New(sha256.New, s.secret, nil, append([]byte(labelTagIV), plaintext[:17]...))
	if _, err := io.ReadFull(r, det); err != nil {
		return "", err
	}
	nonce := det[:tagNonceLen]
	copy(plaintext[17:], det[tagNonceLen:])

	aead, err := s.tagCipher()
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	token := make([]byte, 0, tagNonceLen+len(sealed))
	token = append(token, nonce...)
	token = append(token, sealed...)
	return base64.RawURLEncoding.EncodeToString(token), nil
}

func (s *Server) decodeTag(token string) (Tag, error) {
	if len(token) != TokenLen {
		return Tag{}, ErrBadTag
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Tag{}, ErrBadTag
	}
	aead, err := s.tagCipher()
	if err != nil {
		return Tag{}, err
	}
	plaintext, err := aead.Open(nil, raw[:tagNonceLen], raw[tagNonceLen:], nil)
	if err != nil || len(plaintext) != tagPlaintextLen {
		return Tag{}, ErrBadTag
	}

	tag := Tag{Kind: TagKind(plaintext[0])}
	switch tag.Kind {
	case TagIncomingPayment, TagWalletAddress:
	default:
		return Tag{}, ErrBadTag
	}
	copy(tag.ID[:], plaintext[1:17])
	return tag, nil
}

func (s *Server) tagCipher() (cipher.AEAD, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, s.secret, nil, []byte(labelTagEncryption))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tag cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// hmacKey derives a labeled subkey from a shared secret.
func hmacKey(sharedSecret []byte, label string) []byte {
	mac := hmac.New(sha256.New, sharedSecret)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

// Fulfillment computes the STREAM fulfillment for a packet's data:
// HMAC-SHA256 over the data with the shared-secret fulfillment subkey.
func Fulfillment(sharedSecret, data []byte) [32]byte {
	mac := hmac.New(sha256.New, hmacKey(sharedSecret, labelFulfillment))
	mac.Write(data)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// Condition returns the hashlock condition matching Fulfillment(data).
func Condition(sharedSecret, data []byte) [32]byte {
	f := Fulfillment(sharedSecret, data)
	return sha256.Sum256(f[:])
}
