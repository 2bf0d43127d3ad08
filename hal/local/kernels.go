package local

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/caffeineduck/vmrt/hal"
)

type number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

type codec[T number] struct {
	size  int
	load  func([]byte) T
	store func([]byte, T)
}

var le = binary.LittleEndian

var (
	f32Codec = codec[float32]{4,
		func(b []byte) float32 { return math.Float32frombits(le.Uint32(b)) },
		func(b []byte, v float32) { le.PutUint32(b, math.Float32bits(v)) }}
	f64Codec = codec[float64]{8,
		func(b []byte) float64 { return math.Float64frombits(le.Uint64(b)) },
		func(b []byte, v float64) { le.PutUint64(b, math.Float64bits(v)) }}
	i8Codec = codec[int8]{1,
		func(b []byte) int8 { return int8(b[0]) },
		func(b []byte, v int8) { b[0] = byte(v) }}
	i16Codec = codec[int16]{2,
		func(b []byte) int16 { return int16(le.Uint16(b)) },
		func(b []byte, v int16) { le.PutUint16(b, uint16(v)) }}
	i32Codec = codec[int32]{4,
		func(b []byte) int32 { return int32(le.Uint32(b)) },
		func(b []byte, v int32) { le.PutUint32(b, uint32(v)) }}
	i64Codec = codec[int64]{8,
		func(b []byte) int64 { return int64(le.Uint64(b)) },
		func(b []byte, v int64) { le.PutUint64(b, uint64(v)) }}
	u8Codec = codec[uint8]{1,
		func(b []byte) uint8 { return b[0] },
		func(b []byte, v uint8) { b[0] = v }}
	u16Codec = codec[uint16]{2, le.Uint16, func(b []byte, v uint16) { le.PutUint16(b, v) }}
	u32Codec = codec[uint32]{4, le.Uint32, func(b []byte, v uint32) { le.PutUint32(b, v) }}
	u64Codec = codec[uint64]{8, le.Uint64, func(b []byte, v uint64) { le.PutUint64(b, v) }}
)

func viewBytes(v *hal.BufferView) ([]byte, error) {
	hb, ok := v.Buffer().(*hal.HeapBuffer)
	if !ok {
		return nil, fmt.Errorf("buffer %T is not owned by a local device", v.Buffer())
	}
	data := hb.Bytes()
	if len(data) < v.ByteLength() {
		return nil, fmt.Errorf("buffer of %d bytes released or too small for %s", len(data), v)
	}
	return data[:v.ByteLength()], nil
}

func execute(d hal.Dispatch) error {
	out, err := viewBytes(d.Output)
	if err != nil {
		return err
	}
	inputs := make([][]byte, len(d.Inputs))
	for i, in := range d.Inputs {
		if inputs[i], err = viewBytes(in); err != nil {
			return err
		}
	}

	switch d.Kernel {
	case hal.KernelCopy:
		copy(out, inputs[0])
		return nil
	case hal.KernelFill:
		for off := 0; off < len(out); off += len(d.Pattern) {
			copy(out[off:], d.Pattern)
		}
		return nil
	}

	switch d.Output.ElementType() {
	case hal.Float32:
		return apply(d.Kernel, f32Codec, false, inputs, out)
	case hal.Float64:
		return apply(d.Kernel, f64Codec, false, inputs, out)
	case hal.Sint8:
		return apply(d.Kernel, i8Codec, true, inputs, out)
	case hal.Sint16:
		return apply(d.Kernel, i16Codec, true, inputs, out)
	case hal.Sint32:
		return apply(d.Kernel, i32Codec, true, inputs, out)
	case hal.Sint64:
		return apply(d.Kernel, i64Codec, true, inputs, out)
	case hal.Uint8:
		return apply(d.Kernel, u8Codec, true, inputs, out)
	case hal.Uint16:
		return apply(d.Kernel, u16Codec, true, inputs, out)
	case hal.Uint32:
		return apply(d.Kernel, u32Codec, true, inputs, out)
	case hal.Uint64:
		return apply(d.Kernel, u64Codec, true, inputs, out)
	}
	return fmt.Errorf("%s: unsupported element type %s", d.Kernel, d.Output.ElementType())
}

func apply[T number](k hal.Kernel, c codec[T], integer bool, inputs [][]byte, out []byte) error {
	n := len(out) / c.size

	if k.Arity() == 1 {
		for i := 0; i < n; i++ {
			o := i * c.size
			x := c.load(inputs[0][o:])
			switch k {
			case hal.KernelNeg:
				x = -x
			case hal.KernelAbs:
				if x < 0 {
					x = -x
				}
			}
			c.store(out[o:], x)
		}
		return nil
	}

	a, b := inputs[0], inputs[1]
	for i := 0; i < n; i++ {
		o := i * c.size
		x, y := c.load(a[o:]), c.load(b[o:])
		var r T
		switch k {
		case hal.KernelAdd:
			r = x + y
		case hal.KernelSub:
			r = x - y
		case hal.KernelMul:
			r = x * y
		case hal.KernelDiv:
			if integer && y == 0 {
				return fmt.Errorf("%s: element %d: %w", k, i, hal.ErrDivideByZero)
			}
			r = x / y
		case hal.KernelMin:
			r = min(x, y)
		case hal.KernelMax:
			r = max(x, y)
		default:
			return fmt.Errorf("unknown binary kernel %q", k)
		}
		c.store(out[o:], r)
	}
	return nil
}
