package hal

import (
	vmerrors "github.com/caffeineduck/vmrt/errors"
)

// MappedMemory is a host view of buffer contents obtained with Buffer.Map.
type MappedMemory struct {
	buffer Buffer
	access MemoryAccess
	// Contents holds the mapped bytes. Writes are visible to the buffer after
	// Unmap when the mapping allows MemoryAccessWrite.
	Contents []byte
	unmap    func(contents []byte) error
}

// NewMappedMemory builds a mapping whose Unmap calls unmap. Drivers whose
// storage is not addressable from Go use it to write staged bytes back.
func NewMappedMemory(buffer Buffer, access MemoryAccess, contents []byte, unmap func([]byte) error) *MappedMemory {
	return &MappedMemory{buffer: buffer, access: access, Contents: contents, unmap: unmap}
}

func (m *MappedMemory) Buffer() Buffer       { return m.buffer }
func (m *MappedMemory) Access() MemoryAccess { return m.access }

// Unmap releases the mapping.
func (m *MappedMemory) Unmap() error {
	if m.unmap == nil {
		return nil
	}
	fn := m.unmap
	m.unmap = nil
	return fn(m.Contents)
}

// MappedView describes the mapped bytes as a strided array.
type MappedView struct {
	Shape       Shape
	ElementSize int
	Strides     []int
	Data        []byte
}

// CreateView interprets the mapping as a row-major array of the given shape.
func (m *MappedMemory) CreateView(shape Shape, elementSize int) (*MappedView, error) {
	if elementSize <= 0 {
		return nil, vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindInvalidInput).
			Detail("element size must be positive, got %d", elementSize).
			Build()
	}
	need := shape.ElementCount() * elementSize
	if need > len(m.Contents) {
		return nil, vmerrors.New(vmerrors.PhaseDevice, vmerrors.KindOutOfBounds).
			Detail("view of %d bytes exceeds mapping of %d bytes", need, len(m.Contents)).
			Build()
	}
	return &MappedView{
		Shape:       shape.Clone(),
		ElementSize: elementSize,
		Strides:     shape.Strides(elementSize),
		Data:        m.Contents[:need],
	}, nil
}
