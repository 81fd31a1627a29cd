package stream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// STREAM packets ride encrypted in the ILP packet data. The plaintext
// carries the protocol version, the ILP packet type it answers to, a
// sequence number, the prepare amount (minimum acceptable destination
// amount on a prepare, amount actually received on a reply), and a list
// of tagged frames. Payloads are sealed with a key derived from the
// shared secret, so data that does not decrypt was not minted by the
// counterparty.

var (
	// ErrBadStreamPacket is returned when packet data does not decrypt
	// or decode as a STREAM packet.
	ErrBadStreamPacket = errors.New("not a stream packet")
)

const streamVersion = 1

// Frame type tags.
const (
	frameConnectionAssetDetails byte = 0x07
	frameStreamMoney            byte = 0x11
)

// DefaultStreamID is the money stream both ends use; one stream per
// connection.
const DefaultStreamID = 1

// Packet is the decrypted STREAM payload of one ILP packet.
type Packet struct {
	// ILPType binds the payload to the ILP packet kind carrying it, so
	// a reply cannot be replayed as a prepare.
	ILPType  byte
	Sequence uint64

	// PrepareAmount is the minimum destination amount on a prepare and
	// the amount received on a fulfill or reject.
	PrepareAmount uint64

	Frames []Frame
}

// Frame is one tagged STREAM frame. Unknown tags are skipped on decode.
type Frame interface {
	tag() byte
	body() []byte
}

// StreamMoneyFrame states how the packet's money is shared between
// streams. With a single stream the shares are all of it.
type StreamMoneyFrame struct {
	StreamID uint64
	Shares   uint64
}

func (f StreamMoneyFrame) tag() byte { return frameStreamMoney }

func (f StreamMoneyFrame) body() []byte {
	var b []byte
	b = appendVarUInt(b, f.StreamID)
	b = appendVarUInt(b, f.Shares)
	return b
}

// ConnectionAssetDetailsFrame tells the sender what the receiver's
// amounts denominate in.
type ConnectionAssetDetailsFrame struct {
	AssetCode  string
	AssetScale uint8
}

func (f ConnectionAssetDetailsFrame) tag() byte { return frameConnectionAssetDetails }

func (f ConnectionAssetDetailsFrame) body() []byte {
	var b []byte
	b = appendLength(b, len(f.AssetCode))
	b = append(b, f.AssetCode...)
	b = append(b, f.AssetScale)
	return b
}

// Money extracts the packet's StreamMoney frame. ok is false when the
// packet carries none.
func (p Packet) Money() (StreamMoneyFrame, bool) {
	for _, f := range p.Frames {
		if m, ok := f.(StreamMoneyFrame); ok {
			return m, true
		}
	}
	return StreamMoneyFrame{}, false
}

// AssetDetails extracts the packet's ConnectionAssetDetails frame.
func (p Packet) AssetDetails() (ConnectionAssetDetailsFrame, bool) {
	for _, f := range p.Frames {
		if d, ok := f.(ConnectionAssetDetailsFrame); ok {
			return d, true
		}
	}
	return ConnectionAssetDetailsFrame{}, false
}

func dataCipher(sharedSecret []byte) (cipher.AEAD, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, sharedSecret, nil, []byte(labelEncryption))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

const streamNonceLen = 12

func seal(sharedSecret, plaintext []byte) ([]byte, error) {
	aead, err := dataCipher(sharedSecret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, streamNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return append(nonce, aead.Seal(nil, nonce, plaintext, nil)...), nil
}

func open(sharedSecret, data []byte) ([]byte, error) {
	if len(data) < streamNonceLen {
		return nil, ErrBadStreamPacket
	}
	aead, err := dataCipher(sharedSecret)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, data[:streamNonceLen], data[streamNonceLen:], nil)
	if err != nil {
		return nil, ErrBadStreamPacket
	}
	return plaintext, nil
}

// EncodePacket seals a STREAM packet for the ILP packet data.
func EncodePacket(sharedSecret []byte, p Packet) ([]byte, error) {
	b := []byte{streamVersion, p.ILPType}
	b = appendVarUInt(b, p.Sequence)
	b = appendVarUInt(b, p.PrepareAmount)
	b = appendVarUInt(b, uint64(len(p.Frames)))
	for _, f := range p.Frames {
		body := f.body()
		b = append(b, f.tag())
		b = appendLength(b, len(body))
		b = append(b, body...)
	}
	return seal(sharedSecret, b)
}

// DecodePacket opens and decodes a STREAM packet. Frames with unknown
// tags are dropped.
func DecodePacket(sharedSecret, data []byte) (Packet, error) {
	plaintext, err := open(sharedSecret, data)
	if err != nil {
		return Packet{}, err
	}
	r := &reader{buf: plaintext}
	version := r.byte()
	p := Packet{ILPType: r.byte()}
	p.Sequence = r.varUInt()
	p.PrepareAmount = r.varUInt()
	numFrames := r.varUInt()
	if r.err != nil || version != streamVersion {
		return Packet{}, ErrBadStreamPacket
	}
	for i := uint64(0); i < numFrames; i++ {
		tag := r.byte()
		body := r.lengthPrefixed()
		if r.err != nil {
			return Packet{}, ErrBadStreamPacket
		}
		f, err := decodeFrame(tag, body)
		if err != nil {
			return Packet{}, err
		}
		if f != nil {
			p.Frames = append(p.Frames, f)
		}
	}
	if len(r.buf) != 0 {
		return Packet{}, ErrBadStreamPacket
	}
	return p, nil
}

func decodeFrame(tag byte, body []byte) (Frame, error) {
	r := &reader{buf: body}
	switch tag {
	case frameStreamMoney:
		f := StreamMoneyFrame{StreamID: r.varUInt(), Shares: r.varUInt()}
		if r.err != nil {
			return nil, ErrBadStreamPacket
		}
		return f, nil
	case frameConnectionAssetDetails:
		code := r.lengthPrefixed()
		scale := r.byte()
		if r.err != nil {
			return nil, ErrBadStreamPacket
		}
		return ConnectionAssetDetailsFrame{AssetCode: string(code), AssetScale: scale}, nil
	}
	return nil, nil
}

// appendVarUInt writes an OER variable-length unsigned integer: one
// length byte then the minimal big-endian representation.
func appendVarUInt(b []byte, v uint64) []byte {
	var tmp [8]byte
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	if n == 0 {
		n = 1
	}
	for i := n - 1; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	b = append(b, byte(n))
	return append(b, tmp[:n]...)
}

// appendLength writes an OER length determinant.
func appendLength(b []byte, n int) []byte {
	switch {
	case n < 0x80:
		return append(b, byte(n))
	case n <= 0xff:
		return append(b, 0x81, byte(n))
	default:
		return append(b, 0x82, byte(n>>8), byte(n))
	}
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) byte() byte {
	if r.err != nil || len(r.buf) < 1 {
		r.err = ErrBadStreamPacket
		return 0
	}
	v := r.buf[0]
	r.buf = r.buf[1:]
	return v
}

func (r *reader) take(n int) []byte {
	if r.err != nil || len(r.buf) < n {
		r.err = ErrBadStreamPacket
		return nil
	}
	v := r.buf[:n]
	r.buf = r.buf[n:]
	return v
}

func (r *reader) varUInt() uint64 {
	n := int(r.byte())
	if r.err != nil || n == 0 || n > 8 {
		r.err = ErrBadStreamPacket
		return 0
	}
	var v uint64
	for _, c := range r.take(n) {
		v = v<<8 | uint64(c)
	}
	return v
}

func (r *reader) lengthPrefixed() []byte {
	first := r.byte()
	if r.err != nil {
		return nil
	}
	n := int(first)
	switch first {
	case 0x81:
		n = int(r.byte())
	case 0x82:
		hi, lo := r.byte(), r.byte()
		n = int(hi)<<8 | int(lo)
	default:
		if first >= 0x80 {
			r.err = ErrBadStreamPacket
			return nil
		}
	}
	return r.take(n)
}
