package host

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/caffeineduck/vmrt/hal"
)

// FormatValue renders v as a buffer string. Rank 0 arrays and scalars render
// as "i32=42", rank 1 as "4xf32=1 2 3 4" and higher ranks bracket every
// dimension below the outermost: "2x2xi32=[1 2][3 4]".
func FormatValue(v Value) string {
	var b strings.Builder
	switch v := v.(type) {
	case Scalar:
		b.WriteString(v.dtype.Mnemonic())
		b.WriteByte('=')
		b.WriteString(formatElement(v.dtype, v.Bytes()))
	case *Array:
		for _, d := range v.shape {
			b.WriteString(strconv.Itoa(d))
			b.WriteByte('x')
		}
		b.WriteString(v.dtype.Mnemonic())
		b.WriteByte('=')
		if v.Rank() == 0 {
			b.WriteString(formatElement(v.dtype, v.data))
			break
		}
		writeDim(&b, v, 0, 0)
	default:
		return fmt.Sprintf("%v", v)
	}
	return b.String()
}

func writeDim(b *strings.Builder, a *Array, dim, offset int) {
	size := a.dtype.Size()
	if dim == a.Rank()-1 {
		for i := 0; i < a.shape[dim]; i++ {
			if i > 0 {
				b.WriteByte(' ')
			}
			at := (offset + i) * size
			b.WriteString(formatElement(a.dtype, a.data[at:at+size]))
		}
		return
	}
	stride := 1
	for _, d := range a.shape[dim+1:] {
		stride *= d
	}
	for i := 0; i < a.shape[dim]; i++ {
		b.WriteByte('[')
		writeDim(b, a, dim+1, offset+i*stride)
		b.WriteByte(']')
	}
}

func formatElement(dtype hal.ElementType, raw []byte) string {
	switch dtype {
	case hal.Float32:
		return strconv.FormatFloat(float64(math.Float32frombits(binary.LittleEndian.Uint32(raw))), 'g', -1, 32)
	case hal.Float64:
		return strconv.FormatFloat(math.Float64frombits(binary.LittleEndian.Uint64(raw)), 'g', -1, 64)
	case hal.Float16:
		return strconv.FormatFloat(float64(float16ToFloat32(binary.LittleEndian.Uint16(raw))), 'g', -1, 32)
	case hal.BFloat16:
		return strconv.FormatFloat(float64(bfloat16ToFloat32(binary.LittleEndian.Uint16(raw))), 'g', -1, 32)
	case hal.Sint8:
		return strconv.FormatInt(int64(int8(raw[0])), 10)
	case hal.Sint16:
		return strconv.FormatInt(int64(int16(binary.LittleEndian.Uint16(raw))), 10)
	case hal.Sint32:
		return strconv.FormatInt(int64(int32(binary.LittleEndian.Uint32(raw))), 10)
	case hal.Sint64:
		return strconv.FormatInt(int64(binary.LittleEndian.Uint64(raw)), 10)
	case hal.Uint8:
		return strconv.FormatUint(uint64(raw[0]), 10)
	case hal.Uint16:
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint16(raw)), 10)
	case hal.Uint32:
		return strconv.FormatUint(uint64(binary.LittleEndian.Uint32(raw)), 10)
	case hal.Uint64:
		return strconv.FormatUint(binary.LittleEndian.Uint64(raw), 10)
	}
	return "?"
}

// ParseValue reads a buffer string. The result is always an *Array; "i32=5"
// yields a rank 0 array. A single element is repeated to fill the shape.
func ParseValue(s string) (*Array, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(strings.TrimPrefix(s, `"`), `"`)

	head, body, ok := strings.Cut(s, "=")
	if !ok {
		return nil, fmt.Errorf("buffer string %q: missing '='", s)
	}

	parts := strings.Split(strings.TrimSpace(head), "x")
	dtype, ok := hal.ParseMnemonic(parts[len(parts)-1])
	if !ok {
		return nil, fmt.Errorf("buffer string %q: unknown element type %q", s, parts[len(parts)-1])
	}
	shape := make(hal.Shape, 0, len(parts)-1)
	for _, p := range parts[:len(parts)-1] {
		d, err := strconv.Atoi(p)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("buffer string %q: invalid dimension %q", s, p)
		}
		shape = append(shape, d)
	}

	fields := strings.FieldsFunc(body, func(r rune) bool {
		return r == '[' || r == ']' || r == ' ' || r == ',' || r == '\t' || r == '\n'
	})
	count := shape.ElementCount()
	if len(fields) == 1 && count > 1 {
		splat := fields[0]
		fields = make([]string, count)
		for i := range fields {
			fields[i] = splat
		}
	}
	if len(fields) != count {
		return nil, fmt.Errorf("buffer string %q: expected %d elements, got %d", s, count, len(fields))
	}

	size := dtype.Size()
	data := make([]byte, count*size)
	for i, f := range fields {
		if err := parseElement(data[i*size:], dtype, f); err != nil {
			return nil, fmt.Errorf("buffer string %q: element %d: %w", s, i, err)
		}
	}
	return NewArray(dtype, shape, data)
}

// ParseScalar reads "i32=5" style strings into a Scalar.
func ParseScalar(s string) (Scalar, error) {
	a, err := ParseValue(s)
	if err != nil {
		return Scalar{}, err
	}
	if a.Rank() != 0 {
		return Scalar{}, fmt.Errorf("buffer string %q is not a scalar", s)
	}
	return ScalarFromArray(a)
}

// ScalarFromArray converts a rank 0 array into a Scalar.
func ScalarFromArray(a *Array) (Scalar, error) {
	if a.Rank() != 0 {
		return Scalar{}, fmt.Errorf("array of rank %d is not a scalar", a.Rank())
	}
	raw := make([]byte, 8)
	copy(raw, a.data)
	return NewScalar(a.dtype, binary.LittleEndian.Uint64(raw))
}

func parseElement(dst []byte, dtype hal.ElementType, s string) error {
	switch {
	case dtype.IsFloat():
		bitSize := 32
		if dtype == hal.Float64 {
			bitSize = 64
		}
		f, err := strconv.ParseFloat(s, bitSize)
		if err != nil {
			return err
		}
		switch dtype {
		case hal.Float64:
			binary.LittleEndian.PutUint64(dst, math.Float64bits(f))
		case hal.Float32:
			binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(f)))
		case hal.Float16:
			binary.LittleEndian.PutUint16(dst, float32ToFloat16(float32(f)))
		case hal.BFloat16:
			binary.LittleEndian.PutUint16(dst, float32ToBFloat16(float32(f)))
		}
	case dtype.IsSigned():
		n, err := strconv.ParseInt(s, 10, dtype.Size()*8)
		if err != nil {
			return err
		}
		putUint(dst, dtype.Size(), uint64(n))
	default:
		n, err := strconv.ParseUint(s, 10, dtype.Size()*8)
		if err != nil {
			return err
		}
		putUint(dst, dtype.Size(), n)
	}
	return nil
}

func putUint(dst []byte, size int, v uint64) {
	switch size {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	default:
		binary.LittleEndian.PutUint64(dst, v)
	}
}
