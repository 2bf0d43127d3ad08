package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrTruncated = errors.New("unexpected end of data")
	ErrOverflow  = errors.New("varint overflows 32 bits")
)

// reader walks a byte slice with position tracking.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) wrap(err error, what string) error {
	return fmt.Errorf("%s at offset %d: %w", what, r.pos, err)
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) u8(what string) (byte, error) {
	if r.pos >= len(r.data) {
		return 0, r.wrap(ErrTruncated, what)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u16(what string) (uint16, error) {
	if r.remaining() < 2 {
		return 0, r.wrap(ErrTruncated, what)
	}
	v := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u64(what string) (uint64, error) {
	if r.remaining() < 8 {
		return 0, r.wrap(ErrTruncated, what)
	}
	v := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v, nil
}

// varint reads an unsigned LEB128 value that fits in 32 bits.
func (r *reader) varint(what string) (uint32, error) {
	var result uint32
	var shift uint
	for {
		b, err := r.u8(what)
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 35 {
			return 0, r.wrap(ErrOverflow, what)
		}
	}
}

func (r *reader) bytes(n int, what string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, r.wrap(ErrTruncated, what)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) string(what string) (string, error) {
	n, err := r.varint(what)
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n), what)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", r.wrap(errors.New("invalid UTF-8"), what)
	}
	return string(b), nil
}

// count reads a varint element count and rejects counts that cannot fit in
// the remaining data at minSize bytes each.
func (r *reader) count(minSize int, what string) (int, error) {
	n, err := r.varint(what)
	if err != nil {
		return 0, err
	}
	if int64(n)*int64(minSize) > int64(r.remaining()) {
		return 0, r.wrap(ErrTruncated, what)
	}
	return int(n), nil
}

// writer appends the same encodings reader consumes.
type writer struct {
	buf []byte
}

func (w *writer) u8(b byte) { w.buf = append(w.buf, b) }

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *writer) varint(v uint32) { w.buf = binary.AppendUvarint(w.buf, uint64(v)) }

func (w *writer) string(s string) {
	w.varint(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes(b []byte) {
	w.varint(uint32(len(b)))
	w.buf = append(w.buf, b...)
}
