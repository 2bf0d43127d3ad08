package wasm

import (
	"sort"
	"sync/atomic"

	vmerrors "github.com/caffeineduck/vmrt/errors"
	"github.com/caffeineduck/vmrt/hal"
)

const (
	pageSize  = 65536
	alignment = 16
	// The first bytes of linear memory are never handed out.
	reservedBytes = alignment
)

type block struct {
	offset uint32
	size   uint32
}

// Allocator hands out ranges of a device's linear memory. Ranges are aligned
// to 16 bytes. Freed ranges are coalesced and reused first-fit.
type Allocator struct {
	dev      *Device
	freeList []block // sorted by offset
	top      uint32

	allocations    atomic.Int64
	frees          atomic.Int64
	bytesAllocated atomic.Int64
	bytesFreed     atomic.Int64
}

func newAllocator(dev *Device) *Allocator {
	return &Allocator{dev: dev, top: reservedBytes}
}

func alignUp(n uint32) uint32 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// Allocate reserves size bytes of zeroed linear memory.
func (a *Allocator) Allocate(memoryType hal.MemoryType, usage hal.BufferUsage, size int) (hal.Buffer, error) {
	if size < 0 || int64(size) > int64(^uint32(0)) {
		return nil, vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindInvalidInput).
			Detail("invalid allocation size %d", size).
			Build()
	}

	a.dev.mu.Lock()
	defer a.dev.mu.Unlock()

	span := alignUp(uint32(max(size, 1)))
	offset, err := a.reserve(span)
	if err != nil {
		return nil, err
	}
	if size > 0 && !a.dev.memory.Write(offset, make([]byte, size)) {
		a.release(offset, span)
		return nil, vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindOutOfBounds).
			Detail("zero %d bytes at %d", size, offset).
			Build()
	}

	a.allocations.Add(1)
	a.bytesAllocated.Add(int64(size))

	b := &Buffer{
		alloc:      a,
		memoryType: memoryType,
		usage:      usage,
		offset:     offset,
		span:       span,
		length:     size,
	}
	b.Init()
	return b, nil
}

// reserve must be called with dev.mu held.
func (a *Allocator) reserve(span uint32) (uint32, error) {
	for i, blk := range a.freeList {
		if blk.size < span {
			continue
		}
		if blk.size == span {
			a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
		} else {
			a.freeList[i] = block{offset: blk.offset + span, size: blk.size - span}
		}
		return blk.offset, nil
	}

	offset := a.top
	end := uint64(offset) + uint64(span)
	if size := uint64(a.dev.memory.Size()); end > size {
		pages := uint32((end - size + pageSize - 1) / pageSize)
		if _, ok := a.dev.memory.Grow(pages); !ok {
			return 0, vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindOutOfBounds).
				Detail("linear memory exhausted: cannot grow by %d pages", pages).
				Build()
		}
	}
	a.top = uint32(end)
	return offset, nil
}

// release must be called with dev.mu held.
func (a *Allocator) release(offset, span uint32) {
	i := sort.Search(len(a.freeList), func(i int) bool { return a.freeList[i].offset > offset })
	a.freeList = append(a.freeList, block{})
	copy(a.freeList[i+1:], a.freeList[i:])
	a.freeList[i] = block{offset: offset, size: span}

	if i+1 < len(a.freeList) && a.freeList[i].offset+a.freeList[i].size == a.freeList[i+1].offset {
		a.freeList[i].size += a.freeList[i+1].size
		a.freeList = append(a.freeList[:i+1], a.freeList[i+2:]...)
	}
	if i > 0 && a.freeList[i-1].offset+a.freeList[i-1].size == a.freeList[i].offset {
		a.freeList[i-1].size += a.freeList[i].size
		a.freeList = append(a.freeList[:i], a.freeList[i+1:]...)
	}

	if last := a.freeList[len(a.freeList)-1]; last.offset+last.size == a.top {
		a.top = last.offset
		a.freeList = a.freeList[:len(a.freeList)-1]
	}
}

func (a *Allocator) free(b *Buffer) {
	a.dev.mu.Lock()
	a.release(b.offset, b.span)
	a.dev.mu.Unlock()

	a.frees.Add(1)
	a.bytesFreed.Add(int64(b.length))
}

func (a *Allocator) Statistics() hal.AllocatorStatistics {
	return hal.AllocatorStatistics{
		Allocations:    a.allocations.Load(),
		Frees:          a.frees.Load(),
		BytesAllocated: a.bytesAllocated.Load(),
		BytesFreed:     a.bytesFreed.Load(),
	}
}

// Buffer is a range of a device's linear memory.
type Buffer struct {
	hal.Refs

	alloc      *Allocator
	memoryType hal.MemoryType
	usage      hal.BufferUsage
	offset     uint32
	span       uint32
	length     int
	freed      bool
}

func (b *Buffer) Allocator() hal.Allocator      { return b.alloc }
func (b *Buffer) MemoryType() hal.MemoryType    { return b.memoryType }
func (b *Buffer) AllowedUsage() hal.BufferUsage { return b.usage }
func (b *Buffer) ByteLength() int               { return b.length }

// Offset returns the buffer's address in linear memory.
func (b *Buffer) Offset() uint32 { return b.offset }

func (b *Buffer) ReadData(offset int, dst []byte) error {
	if err := hal.CheckRange(b.length, offset, len(dst)); err != nil {
		return err
	}
	dev := b.alloc.dev
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if b.freed {
		return errBufferReleased
	}
	src, ok := dev.memory.Read(b.offset+uint32(offset), uint32(len(dst)))
	if !ok {
		return errOutOfMemory(b.offset+uint32(offset), len(dst))
	}
	copy(dst, src)
	return nil
}

func (b *Buffer) WriteData(offset int, src []byte) error {
	if err := hal.CheckRange(b.length, offset, len(src)); err != nil {
		return err
	}
	dev := b.alloc.dev
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if b.freed {
		return errBufferReleased
	}
	if !dev.memory.Write(b.offset+uint32(offset), src) {
		return errOutOfMemory(b.offset+uint32(offset), len(src))
	}
	return nil
}

func (b *Buffer) FillZero(offset, length int) error {
	if err := hal.CheckRange(b.length, offset, length); err != nil {
		return err
	}
	return b.WriteData(offset, make([]byte, length))
}

// Map stages the contents in host memory. Unmap writes them back when the
// mapping allows writes.
func (b *Buffer) Map(access hal.MemoryAccess) (*hal.MappedMemory, error) {
	if b.usage&hal.BufferUsageMapping == 0 {
		return nil, vmerrors.Unsupported(vmerrors.PhaseDevice, "buffer does not allow mapping")
	}
	contents := make([]byte, b.length)
	if access&hal.MemoryAccessDiscard == 0 {
		if err := b.ReadData(0, contents); err != nil {
			return nil, err
		}
	}
	var unmap func([]byte) error
	if access&hal.MemoryAccessWrite != 0 {
		unmap = func(data []byte) error {
			return b.WriteData(0, data)
		}
	}
	return hal.NewMappedMemory(b, access, contents, unmap), nil
}

func (b *Buffer) Release() {
	if !b.Drop() {
		return
	}
	b.alloc.dev.mu.Lock()
	b.freed = true
	b.alloc.dev.mu.Unlock()
	b.alloc.free(b)
}
