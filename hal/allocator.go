package hal

import (
	"sync/atomic"

	vmerrors "github.com/caffeineduck/vmrt/errors"
)

// Allocator creates buffers for a device.
type Allocator interface {
	Allocate(memoryType MemoryType, usage BufferUsage, size int) (Buffer, error)
	Statistics() AllocatorStatistics
}

// AllocatorStatistics reports allocation totals since the allocator was created.
type AllocatorStatistics struct {
	Allocations    int64
	Frees          int64
	BytesAllocated int64
	BytesFreed     int64
}

// BytesInUse returns the number of bytes not yet returned to the allocator.
func (s AllocatorStatistics) BytesInUse() int64 {
	return s.BytesAllocated - s.BytesFreed
}

// HeapAllocator allocates HeapBuffers from Go memory.
type HeapAllocator struct {
	allocations    atomic.Int64
	frees          atomic.Int64
	bytesAllocated atomic.Int64
	bytesFreed     atomic.Int64
}

func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{}
}

// Allocate returns a zeroed heap buffer of size bytes.
func (a *HeapAllocator) Allocate(memoryType MemoryType, usage BufferUsage, size int) (Buffer, error) {
	return a.AllocateHeap(memoryType, usage, size)
}

// AllocateHeap is Allocate with a concrete return type.
func (a *HeapAllocator) AllocateHeap(memoryType MemoryType, usage BufferUsage, size int) (*HeapBuffer, error) {
	if size < 0 {
		return nil, vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindInvalidInput).
			Detail("negative allocation size %d", size).
			Build()
	}
	b := &HeapBuffer{
		allocator:  a,
		memoryType: memoryType,
		usage:      usage,
		data:       make([]byte, size),
	}
	b.Init()
	a.allocations.Add(1)
	a.bytesAllocated.Add(int64(size))
	return b, nil
}

func (a *HeapAllocator) free(size int) {
	a.frees.Add(1)
	a.bytesFreed.Add(int64(size))
}

func (a *HeapAllocator) Statistics() AllocatorStatistics {
	return AllocatorStatistics{
		Allocations:    a.allocations.Load(),
		Frees:          a.frees.Load(),
		BytesAllocated: a.bytesAllocated.Load(),
		BytesFreed:     a.bytesFreed.Load(),
	}
}

var defaultHeap = NewHeapAllocator()

// AllocateHeapBuffer allocates a host heap buffer not tied to any device.
func AllocateHeapBuffer(memoryType MemoryType, usage BufferUsage, size int) (*HeapBuffer, error) {
	return defaultHeap.AllocateHeap(memoryType, usage, size)
}
