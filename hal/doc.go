// Package hal defines the hardware abstraction layer consumed by the VM.
//
// # Drivers and Devices
//
// A [Driver] is a named factory for a backend. Drivers are enumerated and
// created through an explicit [Registry]:
//
//	reg := hal.NewRegistry()
//	reg.Register("local-sync", local.Factory())
//
//	driver, err := reg.Create("local-sync")
//	if err != nil {
//	    // errors.Is(err, vmerrors.ErrDriverNotFound)
//	}
//	device, err := driver.CreateDefaultDevice(ctx)
//
// The [github.com/caffeineduck/vmrt/hal/drivers] package builds a registry with
// every built-in driver.
//
// # Buffers
//
// A [Device] owns an [Allocator]. Buffers are reference counted and return
// their storage to the allocator when released for the last time. A
// [BufferView] attaches a shape and element type to a buffer.
//
//	buf, _ := hal.AllocateHeapBuffer(hal.MemoryTypeHostLocal, hal.BufferUsageAll, 4096)
//	m, _ := buf.Map(hal.MemoryAccessRead)
//	view, _ := m.CreateView(hal.Shape{16, 1, 8, 4, 2}, 4)
//	// view.Strides == [256 256 32 8 4]
//
// # Execution
//
// Devices execute [Dispatch] work in submission order. Submit returns a
// [Fence] immediately; callers that need the result wait on it.
package hal
