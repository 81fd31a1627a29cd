package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// OER primitives used by the ILPv4 framing: length prefixes and
// variable-length octet strings.

var (
	// ErrTruncated is returned when a packet ends before a field does.
	ErrTruncated = errors.New("truncated packet")

	// ErrLengthPrefix is returned for malformed or oversized length prefixes.
	ErrLengthPrefix = errors.New("invalid length prefix")
)

// maxLengthOctets bounds multi-byte length prefixes. ILP packets are
// capped at 32767 bytes on the wire, so anything above 2 octets is junk.
const maxLengthOctets = 2

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) readByte() (byte, error) {
	if r.remaining() < 1 {
		return 0, ErrTruncated
	}
	b := r.buf[r.off]
	r.off++
	return b, nil
}

func (r *reader) readN(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrTruncated
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) readLength() (int, error) {
	first, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if first < 0x80 {
		return int(first), nil
	}
	numOctets := int(first & 0x7f)
	if numOctets == 0 || numOctets > maxLengthOctets {
		return 0, fmt.Errorf("%w: %d length octets", ErrLengthPrefix, numOctets)
	}
	raw, err := r.readN(numOctets)
	if err != nil {
		return 0, err
	}
	length := 0
	for _, b := range raw {
		length = length<<8 | int(b)
	}
	return length, nil
}

func (r *reader) readVarOctets() ([]byte, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, err
	}
	return r.readN(n)
}

func (r *reader) readUint64() (uint64, error) {
	raw, err := r.readN(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(raw), nil
}

type writer struct {
	buf []byte
}

func (w *writer) writeByte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) writeLength(n int) {
	if n < 0x80 {
		w.buf = append(w.buf, byte(n))
		return
	}
	if n <= 0xff {
		w.buf = append(w.buf, 0x81, byte(n))
		return
	}
	w.buf = append(w.buf, 0x82, byte(n>>8), byte(n))
}

func (w *writer) writeVarOctets(data []byte) {
	w.writeLength(len(data))
	w.buf = append(w.buf, data...)
}

func (w *writer) writeUint64(v uint64) {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], v)
	w.buf = append(w.buf, raw[:]...)
}
