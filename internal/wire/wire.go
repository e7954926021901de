// Package wire implements the binary encoding shared by network payloads and
// save blobs. Unsigned integers are LEB128 varints, signed integers are
// zigzag varints, floats are fixed-width little-endian IEEE-754, and strings,
// byte blobs, lists, and maps carry a varint length prefix. The format has no
// self-description: reader and writer must agree on the field sequence.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
	"net/netip"
)

var (
	// ErrUnexpectedEOF reports a value truncated by the end of the buffer.
	ErrUnexpectedEOF = errors.New("wire: unexpected end of buffer")
	// ErrOverflow reports a varint wider than 64 bits.
	ErrOverflow = errors.New("wire: varint overflows 64 bits")
	// ErrTrailingBytes reports leftover bytes after a complete decode.
	ErrTrailingBytes = errors.New("wire: trailing bytes after message")
	// ErrBadAddr reports a malformed socket address tag.
	ErrBadAddr = errors.New("wire: malformed address")
)

// Address family tags. IPv4-mapped IPv6 addresses keep the 16-byte form so
// values re-encode to the bytes they were decoded from.
const (
	addrV4 = 0
	addrV6 = 1
)

// A Writer accumulates an encoded message. The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity for a typical datagram payload.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 128)}
}

// NewWriterSize returns a Writer preallocated to n bytes.
func NewWriterSize(n int) *Writer {
	return &Writer{buf: make([]byte, 0, n)}
}

// Bytes returns the encoded buffer. The slice aliases the Writer's storage
// and is invalidated by further writes.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

// Reset discards the buffer contents, retaining capacity.
func (w *Writer) Reset() { w.buf = w.buf[:0] }

// Uint appends v as an unsigned varint.
func (w *Writer) Uint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

// Int appends v as a zigzag varint.
func (w *Writer) Int(v int64) {
	w.buf = binary.AppendVarint(w.buf, v)
}

// Bool appends v as a single byte, 1 for true and 0 for false.
func (w *Writer) Bool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

// Float32 appends the IEEE-754 bits of v, little-endian. NaN payloads are
// preserved verbatim.
func (w *Writer) Float32(v float32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, math.Float32bits(v))
}

// Float64 appends the IEEE-754 bits of v, little-endian.
func (w *Writer) Float64(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

// String appends a varint byte length followed by the UTF-8 bytes of s.
func (w *Writer) String(s string) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// Blob appends a varint length followed by the raw bytes of b.
func (w *Writer) Blob(b []byte) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// AddrPort appends a socket address: a family tag, 4 or 16 address bytes,
// and a fixed 2-byte little-endian port.
func (w *Writer) AddrPort(ap netip.AddrPort) {
	addr := ap.Addr()
	if addr.Is4() {
		b := addr.As4()
		w.buf = append(w.buf, addrV4)
		w.buf = append(w.buf, b[:]...)
	} else {
		b := addr.As16()
		w.buf = append(w.buf, addrV6)
		w.buf = append(w.buf, b[:]...)
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, ap.Port())
}

// A Reader decodes an encoded message from a byte slice.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over b. The Reader does not copy b; blobs
// returned by Blob alias it.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Finish returns ErrTrailingBytes unless the buffer was fully consumed.
// Top-level message decoders call it so short writes and garbage suffixes
// are both rejected.
func (r *Reader) Finish() error {
	if r.off != len(r.buf) {
		return ErrTrailingBytes
	}
	return nil
}

// Uint decodes an unsigned varint.
func (r *Reader) Uint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.off:])
	if n == 0 {
		return 0, ErrUnexpectedEOF
	}
	if n < 0 {
		return 0, ErrOverflow
	}
	r.off += n
	return v, nil
}

// Int decodes a zigzag varint.
func (r *Reader) Int() (int64, error) {
	v, n := binary.Varint(r.buf[r.off:])
	if n == 0 {
		return 0, ErrUnexpectedEOF
	}
	if n < 0 {
		return 0, ErrOverflow
	}
	r.off += n
	return v, nil
}

// Bool decodes a single byte as a bool. Any nonzero byte is true.
func (r *Reader) Bool() (bool, error) {
	if r.Remaining() < 1 {
		return false, ErrUnexpectedEOF
	}
	b := r.buf[r.off]
	r.off++
	return b != 0, nil
}

// Float32 decodes a fixed-width little-endian float.
func (r *Reader) Float32() (float32, error) {
	if r.Remaining() < 4 {
		return 0, ErrUnexpectedEOF
	}
	bits := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return math.Float32frombits(bits), nil
}

// Float64 decodes a fixed-width little-endian float.
func (r *Reader) Float64() (float64, error) {
	if r.Remaining() < 8 {
		return 0, ErrUnexpectedEOF
	}
	bits := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return math.Float64frombits(bits), nil
}

// String decodes a length-prefixed UTF-8 string. The length is validated
// against the remaining buffer before any allocation.
func (r *Reader) String() (string, error) {
	b, err := r.Blob()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Blob decodes a length-prefixed byte slice. The returned slice aliases the
// Reader's buffer; callers that retain it past the buffer's lifetime must
// copy.
func (r *Reader) Blob() ([]byte, error) {
	n, err := r.Uint()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		return nil, ErrUnexpectedEOF
	}
	b := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return b, nil
}

// AddrPort decodes a socket address written by Writer.AddrPort.
func (r *Reader) AddrPort() (netip.AddrPort, error) {
	if r.Remaining() < 1 {
		return netip.AddrPort{}, ErrUnexpectedEOF
	}
	tag := r.buf[r.off]
	r.off++

	var addr netip.Addr
	switch tag {
	case addrV4:
		if r.Remaining() < 4 {
			return netip.AddrPort{}, ErrUnexpectedEOF
		}
		addr = netip.AddrFrom4([4]byte(r.buf[r.off : r.off+4]))
		r.off += 4
	case addrV6:
		if r.Remaining() < 16 {
			return netip.AddrPort{}, ErrUnexpectedEOF
		}
		addr = netip.AddrFrom16([16]byte(r.buf[r.off : r.off+16]))
		r.off += 16
	default:
		return netip.AddrPort{}, ErrBadAddr
	}

	if r.Remaining() < 2 {
		return netip.AddrPort{}, ErrUnexpectedEOF
	}
	port := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return netip.AddrPortFrom(addr, port), nil
}
