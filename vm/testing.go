package vm

import (
	"github.com/caffeineduck/vmrt/bytecode"
	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/sig"
)

// Example modules used by tests, benchmarks and the generator tool. Each
// imports its operations from the HAL module, which must be registered first.
const (
	SimpleMulName = "simple_mul"
	SimpleAddName = "simple_add"
	ScalarOpsName = "scalar_ops"
)

// SimpleMulSignature is (Buffer<float32[?]>, Buffer<float32[?]>) -> (Buffer<float32[?]>).
var SimpleMulSignature = sig.Function{
	Inputs:  []sig.Type{sig.Buffer(hal.Float32, sig.DynamicDim), sig.Buffer(hal.Float32, sig.DynamicDim)},
	Results: []sig.Type{sig.Buffer(hal.Float32, sig.DynamicDim)},
}

// SimpleMulBinary returns module "simple_mul" exporting simple_mul, the
// element-wise product of two float32 vectors.
func SimpleMulBinary() []byte {
	b := bytecode.NewBuilder(SimpleMulName)
	mul := b.Import("hal.mul")
	f := b.Function("simple_mul", SimpleMulSignature)
	f.Return(f.Call(mul, 1, f.Arg(0), f.Arg(1))...)
	return mustEncode(b)
}

// SimpleAddBinary returns module "simple_add" exporting simple_add over four
// float32 elements and add_i32 over a dynamically sized int32 vector.
func SimpleAddBinary() []byte {
	b := bytecode.NewBuilder(SimpleAddName)
	add := b.Import("hal.add")

	vec4 := sig.Buffer(hal.Float32, 4)
	f := b.Function("simple_add", sig.Function{Inputs: []sig.Type{vec4, vec4}, Results: []sig.Type{vec4}})
	f.Return(f.Call(add, 1, f.Arg(0), f.Arg(1))...)

	ivec := sig.Buffer(hal.Sint32, sig.DynamicDim)
	g := b.Function("add_i32", sig.Function{Inputs: []sig.Type{ivec, ivec}, Results: []sig.Type{ivec}})
	g.Return(g.Call(add, 1, g.Arg(0), g.Arg(1))...)
	return mustEncode(b)
}

// ScalarOpsBinary returns module "scalar_ops" exporting:
//
//	length(Buffer<float32[?]>) -> sint32        extent of dim 0
//	splat(Buffer<float32[?]>, float32) -> Buffer shaped like the argument, filled
//	scale(Buffer<float32[?]>, float32) -> Buffer argument times the scalar
//	div_i32(Buffer<sint32[?]>, Buffer<sint32[?]>) -> Buffer<sint32[?]>
//	fail() -> ()                                 always traps
func ScalarOpsBinary() []byte {
	b := bytecode.NewBuilder(ScalarOpsName)
	dim := b.Import("hal.dim")
	fill := b.Import("hal.fill")
	mul := b.Import("hal.mul")
	div := b.Import("hal.div")

	vec := sig.Buffer(hal.Float32, sig.DynamicDim)
	f32 := sig.Scalar(hal.Float32)

	f := b.Function("length", sig.Function{Inputs: []sig.Type{vec}, Results: []sig.Type{sig.Scalar(hal.Sint32)}})
	zero := f.ConstI32(0)
	f.Return(f.Call(dim, 1, f.Arg(0), zero)...)

	f = b.Function("splat", sig.Function{Inputs: []sig.Type{vec, f32}, Results: []sig.Type{vec}})
	f.Return(f.Call(fill, 1, f.Arg(0), f.Arg(1))...)

	f = b.Function("scale", sig.Function{Inputs: []sig.Type{vec, f32}, Results: []sig.Type{vec}})
	factor := f.Call(fill, 1, f.Arg(0), f.Arg(1))
	f.Return(f.Call(mul, 1, f.Arg(0), factor[0])...)

	ivec := sig.Buffer(hal.Sint32, sig.DynamicDim)
	f = b.Function("div_i32", sig.Function{Inputs: []sig.Type{ivec, ivec}, Results: []sig.Type{ivec}})
	f.Return(f.Call(div, 1, f.Arg(0), f.Arg(1))...)

	f = b.Function("fail", sig.Function{})
	f.Trap("deliberate failure")
	f.Return()
	return mustEncode(b)
}

// ExampleBinaries returns every example module keyed by module name.
func ExampleBinaries() map[string][]byte {
	return map[string][]byte{
		SimpleMulName: SimpleMulBinary(),
		SimpleAddName: SimpleAddBinary(),
		ScalarOpsName: ScalarOpsBinary(),
	}
}

func mustEncode(b *bytecode.Builder) []byte {
	data, err := b.Encode()
	if err != nil {
		panic("encode example module: " + err.Error())
	}
	return data
}
