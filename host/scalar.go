package host

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/caffeineduck/vmrt/hal"
)

// Scalar is a single typed value. Only 32 and 64 bit integer and float types
// are carried as scalars.
type Scalar struct {
	dtype hal.ElementType
	bits  uint64
}

func Int32(v int32) Scalar     { return Scalar{hal.Sint32, uint64(uint32(v))} }
func Int64(v int64) Scalar     { return Scalar{hal.Sint64, uint64(v)} }
func Float32(v float32) Scalar { return Scalar{hal.Float32, uint64(math.Float32bits(v))} }
func Float64(v float64) Scalar { return Scalar{hal.Float64, math.Float64bits(v)} }

// NewScalar builds a scalar from raw bits.
func NewScalar(dtype hal.ElementType, bits uint64) (Scalar, error) {
	switch dtype {
	case hal.Sint32, hal.Uint32, hal.Float32:
		bits &= math.MaxUint32
	case hal.Sint64, hal.Uint64, hal.Float64:
	default:
		return Scalar{}, fmt.Errorf("%s is not a scalar type", dtype)
	}
	return Scalar{dtype: dtype, bits: bits}, nil
}

func (s Scalar) hostValue() {}

func (s Scalar) DType() hal.ElementType { return s.dtype }
func (s Scalar) Bits() uint64           { return s.bits }

// Int returns the value as a signed integer, truncating floats.
func (s Scalar) Int() int64 {
	switch s.dtype {
	case hal.Sint32:
		return int64(int32(uint32(s.bits)))
	case hal.Float32:
		return int64(math.Float32frombits(uint32(s.bits)))
	case hal.Float64:
		return int64(math.Float64frombits(s.bits))
	default:
		return int64(s.bits)
	}
}

// Float returns the value as a float64.
func (s Scalar) Float() float64 {
	switch s.dtype {
	case hal.Float32:
		return float64(math.Float32frombits(uint32(s.bits)))
	case hal.Float64:
		return math.Float64frombits(s.bits)
	case hal.Uint32, hal.Uint64:
		return float64(s.bits)
	default:
		return float64(s.Int())
	}
}

// Bytes returns the little-endian encoding of the value.
func (s Scalar) Bytes() []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, s.bits)
	return out[:s.dtype.Size()]
}

func (s Scalar) String() string {
	return FormatValue(s)
}
