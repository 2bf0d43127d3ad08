package vm

import (
	"fmt"
	"math"
	"strconv"

	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/host"
)

// VariantType tags the value held by a Variant.
type VariantType uint8

const (
	VariantNull VariantType = iota
	VariantI32
	VariantI64
	VariantF32
	VariantF64
	VariantBufferView
	VariantNestedList
)

func (t VariantType) String() string {
	switch t {
	case VariantNull:
		return "null"
	case VariantI32:
		return "i32"
	case VariantI64:
		return "i64"
	case VariantF32:
		return "f32"
	case VariantF64:
		return "f64"
	case VariantBufferView:
		return RefTypeBufferView
	case VariantNestedList:
		return RefTypeList
	default:
		return "unknown"
	}
}

// Variant is a value in a VariantList or a register: null, a 32 or 64 bit
// integer or float, a buffer view or a nested list.
type Variant struct {
	typ  VariantType
	bits uint64
	view *hal.BufferView
	list *VariantList
}

// Null returns the null variant. Result slots holding null are placeholders.
func Null() Variant { return Variant{} }

func I32(v int32) Variant   { return Variant{typ: VariantI32, bits: uint64(uint32(v))} }
func I64(v int64) Variant   { return Variant{typ: VariantI64, bits: uint64(v)} }
func F32(v float32) Variant { return Variant{typ: VariantF32, bits: uint64(math.Float32bits(v))} }
func F64(v float64) Variant { return Variant{typ: VariantF64, bits: math.Float64bits(v)} }

// View wraps a buffer view. A nil view yields null.
func View(v *hal.BufferView) Variant {
	if v == nil {
		return Null()
	}
	return Variant{typ: VariantBufferView, view: v}
}

// List wraps a nested list. A nil list yields null.
func List(l *VariantList) Variant {
	if l == nil {
		return Null()
	}
	return Variant{typ: VariantNestedList, list: l}
}

// ScalarVariant converts a host scalar.
func ScalarVariant(s host.Scalar) (Variant, error) {
	switch s.DType() {
	case hal.Sint32, hal.Uint32:
		return Variant{typ: VariantI32, bits: s.Bits()}, nil
	case hal.Sint64, hal.Uint64:
		return Variant{typ: VariantI64, bits: s.Bits()}, nil
	case hal.Float32:
		return Variant{typ: VariantF32, bits: s.Bits()}, nil
	case hal.Float64:
		return Variant{typ: VariantF64, bits: s.Bits()}, nil
	}
	return Null(), fmt.Errorf("%s cannot be held in a variant", s.DType())
}

func (v Variant) Type() VariantType { return v.typ }
func (v Variant) IsNull() bool      { return v.typ == VariantNull }

// IsScalar reports whether v holds an integer or float.
func (v Variant) IsScalar() bool {
	return v.typ >= VariantI32 && v.typ <= VariantF64
}

// IsRef reports whether v holds a reference type.
func (v Variant) IsRef() bool {
	return v.typ == VariantBufferView || v.typ == VariantNestedList
}

func (v Variant) BufferView() (*hal.BufferView, bool) {
	return v.view, v.typ == VariantBufferView
}

func (v Variant) List() (*VariantList, bool) {
	return v.list, v.typ == VariantNestedList
}

// ElementType returns the scalar type of a scalar variant.
func (v Variant) ElementType() hal.ElementType {
	switch v.typ {
	case VariantI64:
		return hal.Sint64
	case VariantF32:
		return hal.Float32
	case VariantF64:
		return hal.Float64
	default:
		return hal.Sint32
	}
}

// Int returns a scalar as an integer, truncating floats.
func (v Variant) Int() (int64, bool) {
	switch v.typ {
	case VariantI32:
		return int64(int32(uint32(v.bits))), true
	case VariantI64:
		return int64(v.bits), true
	case VariantF32:
		return int64(math.Float32frombits(uint32(v.bits))), true
	case VariantF64:
		return int64(math.Float64frombits(v.bits)), true
	}
	return 0, false
}

// Float returns a scalar as a float64.
func (v Variant) Float() (float64, bool) {
	switch v.typ {
	case VariantF32:
		return float64(math.Float32frombits(uint32(v.bits))), true
	case VariantF64:
		return math.Float64frombits(v.bits), true
	}
	n, ok := v.Int()
	return float64(n), ok
}

// Scalar converts a scalar variant to a host scalar.
func (v Variant) Scalar() (host.Scalar, bool) {
	if !v.IsScalar() {
		return host.Scalar{}, false
	}
	s, err := host.NewScalar(v.ElementType(), v.bits)
	return s, err == nil
}

// retain and release count references to buffer views only. A nested list
// belongs to whoever created it.
func (v Variant) retain() {
	if v.typ == VariantBufferView {
		v.view.Retain()
	}
}

func (v Variant) release() {
	if v.typ == VariantBufferView {
		v.view.Release()
	}
}

// String renders the variant the way VariantList.String shows it.
func (v Variant) String() string {
	switch v.typ {
	case VariantNull:
		return "None"
	case VariantI32, VariantI64:
		n, _ := v.Int()
		return strconv.FormatInt(n, 10)
	case VariantF32:
		return strconv.FormatFloat(float64(math.Float32frombits(uint32(v.bits))), 'g', -1, 32)
	case VariantF64:
		return strconv.FormatFloat(math.Float64frombits(v.bits), 'g', -1, 64)
	case VariantBufferView:
		return fmt.Sprintf("HalBuffer(%d)", v.view.ByteLength())
	case VariantNestedList:
		return v.list.String()
	}
	return "?"
}
