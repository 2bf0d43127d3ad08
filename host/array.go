// Package host holds the host-side values exchanged with the runtime: dense
// arrays with a shape and element type, and typed scalars. It also reads and
// writes the buffer-string text form used by the CLI, for example
// "2x2xi32=[1 2][3 4]".
package host

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/caffeineduck/vmrt/hal"
)

// Value is a host argument or result. It is either *Array or Scalar.
type Value interface {
	DType() hal.ElementType
	String() string
	hostValue()
}

// Array is a dense row-major array stored little-endian.
type Array struct {
	dtype hal.ElementType
	shape hal.Shape
	data  []byte
}

// NewArray wraps data as an array. The data length must match the shape.
func NewArray(dtype hal.ElementType, shape hal.Shape, data []byte) (*Array, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("invalid element type %d", dtype)
	}
	for _, d := range shape {
		if d < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", d, shape)
		}
	}
	if want := shape.ElementCount() * dtype.Size(); len(data) != want {
		return nil, fmt.Errorf("array of %s %s needs %d bytes, got %d", shape, dtype, want, len(data))
	}
	return &Array{dtype: dtype, shape: shape.Clone(), data: data}, nil
}

// Zeros returns a zero-filled array.
func Zeros(dtype hal.ElementType, shape ...int) *Array {
	s := hal.Shape(shape)
	return &Array{dtype: dtype, shape: s.Clone(), data: make([]byte, s.ElementCount()*dtype.Size())}
}

func (a *Array) hostValue() {}

func (a *Array) DType() hal.ElementType { return a.dtype }
func (a *Array) Shape() hal.Shape       { return a.shape.Clone() }
func (a *Array) Rank() int              { return len(a.shape) }
func (a *Array) ItemSize() int          { return a.dtype.Size() }
func (a *Array) ElementCount() int      { return a.shape.ElementCount() }

// Bytes returns the backing storage. It is not copied.
func (a *Array) Bytes() []byte { return a.data }

// Reshape returns an array sharing a's storage with a new shape.
func (a *Array) Reshape(shape ...int) (*Array, error) {
	return NewArray(a.dtype, hal.Shape(shape), a.data)
}

func (a *Array) String() string {
	return FormatValue(a)
}

// Number is the set of Go types with a matching element type.
type Number interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

// ElementTypeOf returns the element type matching T.
func ElementTypeOf[T Number]() hal.ElementType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return hal.Sint8
	case int16:
		return hal.Sint16
	case int32:
		return hal.Sint32
	case int64:
		return hal.Sint64
	case uint8:
		return hal.Uint8
	case uint16:
		return hal.Uint16
	case uint32:
		return hal.Uint32
	case uint64:
		return hal.Uint64
	case float64:
		return hal.Float64
	default:
		return hal.Float32
	}
}

// FromSlice copies vals into a new array. With no shape the array is rank 1.
func FromSlice[T Number](vals []T, shape ...int) (*Array, error) {
	if len(shape) == 0 {
		shape = []int{len(vals)}
	}
	dtype := ElementTypeOf[T]()
	size := dtype.Size()
	data := make([]byte, len(vals)*size)
	for i, v := range vals {
		putElement(data[i*size:], dtype, v)
	}
	return NewArray(dtype, hal.Shape(shape), data)
}

// MustFromSlice is FromSlice for literals known to be well formed.
func MustFromSlice[T Number](vals []T, shape ...int) *Array {
	a, err := FromSlice(vals, shape...)
	if err != nil {
		panic(err)
	}
	return a
}

// Values decodes the array elements as T. The element type must match T.
func Values[T Number](a *Array) ([]T, error) {
	if want := ElementTypeOf[T](); a.dtype != want {
		return nil, fmt.Errorf("array holds %s, not %s", a.dtype, want)
	}
	size := a.dtype.Size()
	out := make([]T, a.ElementCount())
	for i := range out {
		raw := a.data[i*size:]
		var v any
		switch a.dtype {
		case hal.Sint8:
			v = int8(raw[0])
		case hal.Sint16:
			v = int16(binary.LittleEndian.Uint16(raw))
		case hal.Sint32:
			v = int32(binary.LittleEndian.Uint32(raw))
		case hal.Sint64:
			v = int64(binary.LittleEndian.Uint64(raw))
		case hal.Uint8:
			v = raw[0]
		case hal.Uint16:
			v = binary.LittleEndian.Uint16(raw)
		case hal.Uint32:
			v = binary.LittleEndian.Uint32(raw)
		case hal.Uint64:
			v = binary.LittleEndian.Uint64(raw)
		case hal.Float32:
			v = math.Float32frombits(binary.LittleEndian.Uint32(raw))
		case hal.Float64:
			v = math.Float64frombits(binary.LittleEndian.Uint64(raw))
		}
		out[i] = v.(T)
	}
	return out, nil
}

func putElement[T Number](dst []byte, dtype hal.ElementType, v T) {
	switch dtype {
	case hal.Sint8, hal.Uint8:
		dst[0] = byte(v)
	case hal.Sint16, hal.Uint16:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case hal.Sint32, hal.Uint32:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case hal.Sint64, hal.Uint64:
		binary.LittleEndian.PutUint64(dst, uint64(v))
	case hal.Float32:
		binary.LittleEndian.PutUint32(dst, math.Float32bits(float32(v)))
	case hal.Float64:
		binary.LittleEndian.PutUint64(dst, math.Float64bits(float64(v)))
	}
}
