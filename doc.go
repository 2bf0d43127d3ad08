// Package vmrt is an embeddable runtime for compiled VM modules.
//
// # Overview
//
// A module binary holds bytecode functions whose arguments and results are
// described by mangled signatures. Modules are loaded into a context, which
// resolves their imports against the modules registered before them. The
// HAL module exposes device kernels, so a function that multiplies two
// vectors imports "hal.mul" and runs on whatever device the context uses.
//
// Two drivers are built in: "local-sync" runs kernels on the calling
// goroutine and "wasm" runs them inside a wazero instance whose linear
// memory is the device memory.
//
// # Basic Usage
//
//	cfg, _ := system.NewConfig(drivers.NewRegistry(), "local-sync")
//	defer cfg.Close()
//
//	mod, _ := vm.LoadModule(data)
//	ctx, _ := system.LoadModules(cfg, mod)
//
//	bm, _ := ctx.Module("simple_mul")
//	fn, _ := bm.Function("simple_mul")
//	out, _ := fn.Call(context.Background(),
//	    host.MustFromSlice([]float32{1, 2, 3, 4}),
//	    host.MustFromSlice([]float32{4, 5, 6, 7}))
//	fmt.Println(host.FormatValue(out[0])) // 4xf32=4 10 18 28
//
// # Lower Level
//
// [vm.FunctionAbi] packs host values into device buffers and unpacks
// results, and [vm.Context.InvokeAsync] starts an invocation without
// waiting for it. Module binaries are read and written by the [bytecode]
// package and signatures by [sig].
//
// See the [system], [vm], [hal], and [host] packages for detailed API
// documentation, and cmd/vmrt for the command line tool and HTTP server.
package vmrt
