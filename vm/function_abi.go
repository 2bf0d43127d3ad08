package vm

import (
	"fmt"

	vmerrors "github.com/caffeineduck/vmrt/errors"
	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/host"
	"github.com/caffeineduck/vmrt/sig"
)

// Memory placement of packed input buffers.
const (
	inputMemoryType = hal.MemoryTypeHostLocal | hal.MemoryTypeDeviceVisible
	inputUsage      = hal.BufferUsageAll
)

// FunctionAbi converts host values to and from the variant lists of one
// function signature on one device.
type FunctionAbi struct {
	device    hal.Device
	signature sig.Function
}

// NewFunctionAbi derives an ABI from a function's reflection attributes.
func NewFunctionAbi(device hal.Device, attrs map[string]string) (*FunctionAbi, error) {
	if device == nil {
		return nil, vmerrors.New(vmerrors.PhasePack, vmerrors.KindInvalidInput).
			Detail("nil device").
			Build()
	}
	s, err := sig.ParseAttrs(attrs)
	if err != nil {
		return nil, vmerrors.New(vmerrors.PhasePack, vmerrors.KindSignatureMismatch).
			Detail("cannot derive function abi").
			Cause(err).
			Build()
	}
	return &FunctionAbi{device: device, signature: s}, nil
}

// CreateFunctionAbi derives the ABI of fn on device.
func (c *Context) CreateFunctionAbi(device hal.Device, fn Function) (*FunctionAbi, error) {
	if !fn.IsValid() {
		return nil, vmerrors.SignatureMismatch(vmerrors.PhasePack, "invalid function %s", fn.QualifiedName())
	}
	return NewFunctionAbi(device, fn.Attrs)
}

func (a *FunctionAbi) Device() hal.Device      { return a.device }
func (a *FunctionAbi) Signature() sig.Function { return a.signature }
func (a *FunctionAbi) InputArity() int         { return len(a.signature.Inputs) }
func (a *FunctionAbi) ResultArity() int        { return len(a.signature.Results) }

func (a *FunctionAbi) String() string {
	return "<FunctionAbi " + a.signature.String() + ">"
}

// RawPackInputs packs values into a new list sized to the input arity.
func (a *FunctionAbi) RawPackInputs(values ...host.Value) (*VariantList, error) {
	list := NewVariantList(a.InputArity())
	if err := a.PackInputsInto(list, values...); err != nil {
		return nil, err
	}
	return list, nil
}

// PackInputsInto appends values to list. Nothing is appended unless every
// value converts and fits.
func (a *FunctionAbi) PackInputsInto(list *VariantList, values ...host.Value) error {
	if len(values) != a.InputArity() {
		return vmerrors.SignatureMismatch(vmerrors.PhasePack,
			"mismatched input count (received: %d, expected: %d)", len(values), a.InputArity())
	}
	if list.Size()+len(values) > list.Capacity() {
		return vmerrors.CapacityExceeded(list.Capacity(), list.Size()+len(values))
	}

	staged := make([]Variant, 0, len(values))
	defer func() {
		for _, v := range staged {
			v.release()
		}
	}()
	for i, value := range values {
		v, err := a.packValue(i, a.signature.Inputs[i], value)
		if err != nil {
			return err
		}
		staged = append(staged, v)
	}
	return list.AppendAll(staged...)
}

func (a *FunctionAbi) packValue(i int, slot sig.Type, value host.Value) (Variant, error) {
	if value == nil {
		return Null(), vmerrors.SignatureMismatch(vmerrors.PhasePack, "input %d is nil", i)
	}
	if slot.Kind == sig.KindScalar {
		s, err := scalarValue(value)
		if err != nil {
			return Null(), vmerrors.SignatureMismatch(vmerrors.PhasePack, "input %d: %v", i, err)
		}
		if s.DType() != slot.Element {
			return Null(), vmerrors.SignatureMismatch(vmerrors.PhasePack,
				"mismatched scalar type (received: %s, expected: %s)", s.DType().Mnemonic(), slot.Element.Mnemonic())
		}
		v, err := ScalarVariant(s)
		if err != nil {
			return Null(), vmerrors.SignatureMismatch(vmerrors.PhasePack, "input %d: %v", i, err)
		}
		return v, nil
	}

	arr, err := arrayValue(value)
	if err != nil {
		return Null(), vmerrors.SignatureMismatch(vmerrors.PhasePack, "input %d: %v", i, err)
	}
	if err := checkBuffer(arr, slot); err != nil {
		return Null(), err
	}

	view, err := hal.AllocateView(a.device.Allocator(), inputMemoryType, inputUsage, arr.Shape(), slot.Element)
	if err != nil {
		return Null(), err
	}
	if err := view.Buffer().WriteData(0, arr.Bytes()); err != nil {
		view.Release()
		return Null(), err
	}
	return View(view), nil
}

// checkBuffer validates a host array against a buffer slot in the order
// rank, item size, format, dims.
func checkBuffer(arr *host.Array, slot sig.Type) error {
	if arr.Rank() != slot.Rank() {
		return vmerrors.SignatureMismatch(vmerrors.PhasePack,
			"mismatched buffer rank (received: %d, expected: %d)", arr.Rank(), slot.Rank())
	}
	if arr.ItemSize() != slot.Element.Size() {
		return vmerrors.SignatureMismatch(vmerrors.PhasePack,
			"mismatched buffer item size (received: %d, expected: %d)", arr.ItemSize(), slot.Element.Size())
	}
	if arr.DType() != slot.Element {
		return vmerrors.SignatureMismatch(vmerrors.PhasePack,
			"mismatched buffer format (received: %s, expected: %s)", arr.DType().Mnemonic(), slot.Element.Mnemonic())
	}
	shape := arr.Shape()
	for d, want := range slot.Dims {
		if want != sig.DynamicDim && shape[d] != want {
			return vmerrors.SignatureMismatch(vmerrors.PhasePack,
				"mismatched buffer dim (received: %d, expected: %d)", shape[d], want)
		}
	}
	return nil
}

func scalarValue(v host.Value) (host.Scalar, error) {
	switch v := v.(type) {
	case host.Scalar:
		return v, nil
	case *host.Array:
		if v.Rank() != 0 {
			return host.Scalar{}, fmt.Errorf("expected a scalar, got an array of rank %d", v.Rank())
		}
		return host.ScalarFromArray(v)
	}
	return host.Scalar{}, fmt.Errorf("unsupported host value %T", v)
}

func arrayValue(v host.Value) (*host.Array, error) {
	switch v := v.(type) {
	case *host.Array:
		return v, nil
	case host.Scalar:
		return host.NewArray(v.DType(), nil, v.Bytes())
	}
	return nil, fmt.Errorf("unsupported host value %T", v)
}

// AllocateResults prepares a result list for a call with inputs. Buffers
// with a fully static shape are allocated zeroed. Dynamic dims are taken
// from the first input view of equal rank unless staticAlloc is set. Slots
// that cannot be sized, and scalar slots, hold a placeholder the call
// replaces.
func (a *FunctionAbi) AllocateResults(inputs *VariantList, staticAlloc bool) (*VariantList, error) {
	if inputs.Size() != a.InputArity() {
		return nil, vmerrors.SignatureMismatch(vmerrors.PhaseAllocate,
			"mismatched input count (received: %d, expected: %d)", inputs.Size(), a.InputArity())
	}

	results := NewVariantList(a.ResultArity())
	for _, slot := range a.signature.Results {
		shape, ok := a.resultShape(slot, inputs, staticAlloc)
		if !ok {
			if err := results.Append(Null()); err != nil {
				results.Clear()
				return nil, err
			}
			continue
		}
		view, err := hal.AllocateView(a.device.Allocator(), resultMemoryType, resultUsage, shape, slot.Element)
		if err != nil {
			results.Clear()
			return nil, err
		}
		err = results.Append(View(view))
		view.Release()
		if err != nil {
			results.Clear()
			return nil, err
		}
	}
	return results, nil
}

func (a *FunctionAbi) resultShape(slot sig.Type, inputs *VariantList, staticAlloc bool) (hal.Shape, bool) {
	if slot.Kind != sig.KindBuffer {
		return nil, false
	}
	if slot.IsStatic() {
		return slot.Shape(), true
	}
	if staticAlloc {
		return nil, false
	}
	for _, in := range inputs.items {
		view, ok := in.BufferView()
		if !ok || len(view.Shape()) != slot.Rank() {
			continue
		}
		from := view.Shape()
		shape := make(hal.Shape, slot.Rank())
		for d, dim := range slot.Dims {
			if dim == sig.DynamicDim {
				shape[d] = from[d]
			} else {
				shape[d] = dim
			}
		}
		return shape, true
	}
	return nil, false
}

// RawUnpackResults copies every result out of list into host values.
func (a *FunctionAbi) RawUnpackResults(list *VariantList) ([]host.Value, error) {
	if list.Size() != a.ResultArity() {
		return nil, vmerrors.SignatureMismatch(vmerrors.PhaseUnpack,
			"mismatched result count (received: %d, expected: %d)", list.Size(), a.ResultArity())
	}
	out := make([]host.Value, len(a.signature.Results))
	for i, slot := range a.signature.Results {
		v := list.items[i]
		var err error
		if slot.Kind == sig.KindScalar {
			out[i], err = unpackScalar(i, slot, v)
		} else {
			out[i], err = unpackBuffer(i, slot, v)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func unpackScalar(i int, slot sig.Type, v Variant) (host.Value, error) {
	s, ok := v.Scalar()
	if !ok {
		return nil, vmerrors.SignatureMismatch(vmerrors.PhaseUnpack,
			"result %d is %s, expected a scalar", i, v.Type())
	}
	if s.DType() == slot.Element {
		return s, nil
	}
	if s.DType().IsFloat() || slot.Element.IsFloat() || s.DType().Size() != slot.Element.Size() {
		return nil, vmerrors.SignatureMismatch(vmerrors.PhaseUnpack,
			"mismatched result format (received: %s, expected: %s)", s.DType().Mnemonic(), slot.Element.Mnemonic())
	}
	return host.NewScalar(slot.Element, s.Bits())
}

func unpackBuffer(i int, slot sig.Type, v Variant) (host.Value, error) {
	view, ok := v.BufferView()
	if !ok {
		return nil, vmerrors.SignatureMismatch(vmerrors.PhaseUnpack,
			"result %d is %s, expected %s", i, v.Type(), RefTypeBufferView)
	}
	if view.ElementType() != slot.Element {
		return nil, vmerrors.SignatureMismatch(vmerrors.PhaseUnpack,
			"mismatched result format (received: %s, expected: %s)", view.ElementType().Mnemonic(), slot.Element.Mnemonic())
	}
	shape := view.Shape()
	if len(shape) != slot.Rank() {
		return nil, vmerrors.SignatureMismatch(vmerrors.PhaseUnpack,
			"mismatched result rank (received: %d, expected: %d)", len(shape), slot.Rank())
	}
	for d, want := range slot.Dims {
		if want != sig.DynamicDim && shape[d] != want {
			return nil, vmerrors.SignatureMismatch(vmerrors.PhaseUnpack,
				"mismatched result dim (received: %d, expected: %d)", shape[d], want)
		}
	}
	data, err := view.ReadAll()
	if err != nil {
		return nil, err
	}
	return host.NewArray(view.ElementType(), shape, data)
}
