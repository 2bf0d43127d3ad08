// Package vm is the execution runtime: instances, contexts, modules, the
// variant lists that carry values across the host boundary and the function
// ABI that packs host arrays into device buffers and back.
//
// # Basic Usage
//
//	inst := vm.NewInstance()
//	dev, _ := driver.CreateDefaultDevice(ctx)
//
//	mod, err := vm.LoadModule(data)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	vmctx, err := vm.NewContextWithModules(inst, vm.NewHALModule(dev), mod)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fn, _ := mod.LookupFunction("simple_mul")
//	abi, _ := vmctx.CreateFunctionAbi(dev, fn)
//	inputs, _ := abi.RawPackInputs(a, b)
//	results, _ := abi.AllocateResults(inputs, false)
//	if err := vmctx.Invoke(ctx, fn, inputs, results); err != nil {
//	    log.Fatal(err)
//	}
//	values, _ := abi.RawUnpackResults(results)
//
// # Linking
//
// A module's imports name exports of other modules as "module.function".
// They are resolved when the module is registered, against modules registered
// before it. The HAL module, named "hal", therefore comes first.
//
// # Ownership
//
// Buffer views are reference counted. A VariantList holds one reference to
// each view stored in it and drops them in Clear. An invocation holds a
// reference to every view in its input and result lists until it completes.
package vm
