// Package protocol implements the length-prefixed binary frame codec spoken
// by game clients, the typed messages carried inside frames, and the stable
// error codes of the wire contract.
//
// Each frame is a 4-byte big-endian payload length L, one message-type byte,
// and L-1 bytes of payload. Scalars are big-endian, strings are u16-length
// prefixed UTF-8, optional values carry a one-byte presence flag.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// Version is the protocol version negotiated in the Hello exchange.
	Version uint8 = 1

	// headerSize is the byte length of the frame length prefix.
	headerSize = 4

	// DefaultMaxFrame bounds the declared payload length of a single frame.
	DefaultMaxFrame uint32 = 1 << 20

	maxStringLen = math.MaxUint16
)

// ErrShortBuffer signals that the buffer does not yet hold a complete frame
// and the caller must read more bytes before retrying.
var ErrShortBuffer = errors.New("protocol: short buffer")

// UnknownTagError reports a well-formed frame whose message-type tag is not
// recognised. The dispatcher logs and discards these without closing the
// session unless they repeat.
type UnknownTagError struct {
	Tag byte
}

func (e *UnknownTagError) Error() string {
	return fmt.Sprintf("protocol: unknown message tag 0x%02x", e.Tag)
}

// Decode decodes one frame from buf. It returns the decoded message and the
// number of bytes consumed, ErrShortBuffer when buf does not yet hold a
// complete frame, a DomainError with CodeProtocolViolation when the declared
// length is invalid (detected before any payload is read), or an
// UnknownTagError for unrecognised tags (the frame is still consumed).
func Decode(buf []byte, maxFrame uint32) (Message, int, error) {
	if maxFrame == 0 {
		maxFrame = DefaultMaxFrame
	}
	if len(buf) < headerSize {
		return nil, 0, ErrShortBuffer
	}
	length := binary.BigEndian.Uint32(buf)
	if length == 0 || length > maxFrame {
		return nil, 0, Errf(CodeProtocolViolation, "declared frame length %d outside 1..%d", length, maxFrame)
	}
	total := headerSize + int(length)
	if len(buf) < total {
		return nil, 0, ErrShortBuffer
	}
	tag := buf[headerSize]
	payload := buf[headerSize+1 : total]

	msg, err := decodePayload(tag, payload)
	if err != nil {
		var unknown *UnknownTagError
		if errors.As(err, &unknown) {
			return nil, total, err
		}
		return nil, 0, err
	}
	return msg, total, nil
}

// Encode encodes msg into a complete frame.
func Encode(msg Message) ([]byte, error) {
	w := &writer{buf: make([]byte, headerSize, 64)}
	w.u8(msg.Tag())
	msg.encodePayload(w)
	if w.err != nil {
		return nil, fmt.Errorf("encoding %T: %w", msg, w.err)
	}
	payloadLen := len(w.buf) - headerSize
	binary.BigEndian.PutUint32(w.buf[:headerSize], uint32(payloadLen))
	return w.buf, nil
}

// --- payload writer ---

type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }
func (w *writer) u16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}
func (w *writer) u32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}
func (w *writer) u64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}
func (w *writer) i32(v int32) { w.u32(uint32(v)) }
func (w *writer) i64(v int64) { w.u64(uint64(v)) }
func (w *writer) f64(v float64) {
	w.u64(math.Float64bits(v))
}
func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *writer) str(s string) {
	if len(s) > maxStringLen {
		if w.err == nil {
			w.err = fmt.Errorf("string length %d exceeds %d", len(s), maxStringLen)
		}
		return
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) timeMilli(t time.Time) { w.i64(t.UnixMilli()) }

// --- payload reader ---

// reader holds a sticky error: after the first short read every subsequent
// read returns zero values, and the caller checks err once at the end.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = Errf(CodeProtocolViolation, "truncated payload at offset %d", r.off)
	}
}

func (r *reader) take(n int) []byte {
	if r.err != nil || r.off+n > len(r.buf) {
		r.fail()
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) i32() int32    { return int32(r.u32()) }
func (r *reader) i64() int64    { return int64(r.u64()) }
func (r *reader) f64() float64  { return math.Float64frombits(r.u64()) }
func (r *reader) boolean() bool { return r.u8() != 0 }

func (r *reader) str() string {
	n := int(r.u16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

func (r *reader) timeMilli() time.Time {
	return time.UnixMilli(r.i64()).UTC()
}

// finish returns the sticky error, or a violation if trailing bytes remain.
func (r *reader) finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return Errf(CodeProtocolViolation, "%d trailing payload bytes", len(r.buf)-r.off)
	}
	return nil
}
