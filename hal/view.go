package hal

import (
	"fmt"

	vmerrors "github.com/caffeineduck/vmrt/errors"
)

// BufferView binds a buffer to a shape and element type.
type BufferView struct {
	buffer      Buffer
	shape       Shape
	elementType ElementType
}

// NewBufferView wraps buffer. The buffer must hold at least
// shape.ElementCount() elements. The view does not take a reference.
func NewBufferView(buffer Buffer, shape Shape, elementType ElementType) (*BufferView, error) {
	if !elementType.Valid() {
		return nil, vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindInvalidInput).
			Detail("unknown element type %d", elementType).
			Build()
	}
	for _, d := range shape {
		if d < 0 {
			return nil, vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindInvalidInput).
				Detail("negative dim in shape %v", []int(shape)).
				Build()
		}
	}
	need := shape.ElementCount() * elementType.Size()
	if need > buffer.ByteLength() {
		return nil, vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindOutOfBounds).
			Detail("view %sx%s needs %d bytes, buffer has %d", shape, elementType.Mnemonic(), need, buffer.ByteLength()).
			Build()
	}
	return &BufferView{
		buffer:      buffer,
		shape:       shape.Clone(),
		elementType: elementType,
	}, nil
}

// AllocateView allocates a zeroed buffer sized for shape and wraps it.
func AllocateView(a Allocator, memoryType MemoryType, usage BufferUsage, shape Shape, elementType ElementType) (*BufferView, error) {
	buf, err := a.Allocate(memoryType, usage, shape.ElementCount()*elementType.Size())
	if err != nil {
		return nil, err
	}
	view, err := NewBufferView(buf, shape, elementType)
	if err != nil {
		buf.Release()
		return nil, err
	}
	return view, nil
}

func (v *BufferView) Buffer() Buffer           { return v.buffer }
func (v *BufferView) Shape() Shape             { return v.shape.Clone() }
func (v *BufferView) ElementType() ElementType { return v.elementType }
func (v *BufferView) ElementCount() int        { return v.shape.ElementCount() }

// ByteLength returns the number of bytes covered by the view.
func (v *BufferView) ByteLength() int {
	return v.shape.ElementCount() * v.elementType.Size()
}

// ReadAll copies the viewed bytes into a new slice.
func (v *BufferView) ReadAll() ([]byte, error) {
	out := make([]byte, v.ByteLength())
	if err := v.buffer.ReadData(0, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (v *BufferView) Retain()  { v.buffer.Retain() }
func (v *BufferView) Release() { v.buffer.Release() }

func (v *BufferView) String() string {
	if len(v.shape) == 0 {
		return fmt.Sprintf("BufferView(%s)", v.elementType.Mnemonic())
	}
	return fmt.Sprintf("BufferView(%sx%s)", v.shape, v.elementType.Mnemonic())
}
