package hal

import (
	"fmt"
	"sync/atomic"

	vmerrors "github.com/caffeineduck/vmrt/errors"
)

// Buffer is a block of device-visible memory owned by the allocator that
// created it. Buffers are reference counted: they start with one reference and
// return their storage to the allocator when the last reference is released.
type Buffer interface {
	Allocator() Allocator
	MemoryType() MemoryType
	AllowedUsage() BufferUsage
	ByteLength() int

	ReadData(offset int, dst []byte) error
	WriteData(offset int, src []byte) error
	FillZero(offset, length int) error
	Map(access MemoryAccess) (*MappedMemory, error)

	Retain()
	Release()
	RefCount() int32
}

// Refs is an embeddable reference counter for Buffer implementations.
type Refs struct {
	n atomic.Int32
}

// Init sets the count to one.
func (r *Refs) Init() {
	r.n.Store(1)
}

func (r *Refs) Retain() {
	r.n.Add(1)
}

// Drop decrements the count and reports whether it reached zero.
func (r *Refs) Drop() bool {
	return r.n.Add(-1) == 0
}

func (r *Refs) RefCount() int32 {
	return r.n.Load()
}

// CheckRange validates that [offset, offset+length) lies inside a buffer of
// the given size.
func CheckRange(size, offset, length int) error {
	if offset < 0 || length < 0 || offset+length > size {
		return vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindOutOfBounds).
			Detail("range offset=%d, length=%d exceeds buffer of %d bytes", offset, length, size).
			Build()
	}
	return nil
}

// CopyBuffer copies length bytes between two buffers through host memory.
func CopyBuffer(src Buffer, srcOffset int, dst Buffer, dstOffset, length int) error {
	if err := CheckRange(src.ByteLength(), srcOffset, length); err != nil {
		return err
	}
	if err := CheckRange(dst.ByteLength(), dstOffset, length); err != nil {
		return err
	}
	tmp := make([]byte, length)
	if err := src.ReadData(srcOffset, tmp); err != nil {
		return fmt.Errorf("read source: %w", err)
	}
	if err := dst.WriteData(dstOffset, tmp); err != nil {
		return fmt.Errorf("write destination: %w", err)
	}
	return nil
}

// HeapBuffer is a Buffer backed by Go heap memory.
type HeapBuffer struct {
	Refs

	allocator  *HeapAllocator
	memoryType MemoryType
	usage      BufferUsage
	data       []byte
}

func (b *HeapBuffer) Allocator() Allocator {
	if b.allocator == nil {
		return nil
	}
	return b.allocator
}

func (b *HeapBuffer) MemoryType() MemoryType    { return b.memoryType }
func (b *HeapBuffer) AllowedUsage() BufferUsage { return b.usage }
func (b *HeapBuffer) ByteLength() int           { return len(b.data) }

func (b *HeapBuffer) ReadData(offset int, dst []byte) error {
	if err := CheckRange(len(b.data), offset, len(dst)); err != nil {
		return err
	}
	copy(dst, b.data[offset:])
	return nil
}

func (b *HeapBuffer) WriteData(offset int, src []byte) error {
	if err := CheckRange(len(b.data), offset, len(src)); err != nil {
		return err
	}
	copy(b.data[offset:], src)
	return nil
}

func (b *HeapBuffer) FillZero(offset, length int) error {
	if err := CheckRange(len(b.data), offset, length); err != nil {
		return err
	}
	clear(b.data[offset : offset+length])
	return nil
}

// Map exposes the buffer contents directly. Unmap is a no-op.
func (b *HeapBuffer) Map(access MemoryAccess) (*MappedMemory, error) {
	if b.usage&BufferUsageMapping == 0 {
		return nil, vmerrors.Unsupported(vmerrors.PhaseDevice, "buffer does not allow mapping")
	}
	if access&MemoryAccessDiscard != 0 {
		clear(b.data)
	}
	return &MappedMemory{
		buffer:   b,
		access:   access,
		Contents: b.data,
	}, nil
}

// Bytes returns the backing slice. Drivers use it to run kernels in place.
func (b *HeapBuffer) Bytes() []byte {
	return b.data
}

func (b *HeapBuffer) Release() {
	if b.Drop() {
		if b.allocator != nil {
			b.allocator.free(len(b.data))
		}
		b.data = nil
	}
}

func (b *HeapBuffer) String() string {
	return fmt.Sprintf("HeapBuffer(%d, %s)", len(b.data), b.memoryType)
}
