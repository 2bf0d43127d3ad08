package vm

import (
	"fmt"
	"strings"

	vmerrors "github.com/caffeineduck/vmrt/errors"
)

// VariantList is a fixed-capacity ordered sequence of variants. It is the
// argument and result container of every call. A list holds one reference to
// each buffer view stored in it.
//
// A VariantList is not safe for concurrent use.
type VariantList struct {
	items    []Variant
	capacity int
}

// NewVariantList returns an empty list that can hold capacity values.
func NewVariantList(capacity int) *VariantList {
	if capacity < 0 {
		capacity = 0
	}
	return &VariantList{items: make([]Variant, 0, capacity), capacity: capacity}
}

func (l *VariantList) Size() int     { return len(l.items) }
func (l *VariantList) Capacity() int { return l.capacity }

// Append adds v at the end.
func (l *VariantList) Append(v Variant) error {
	if len(l.items) >= l.capacity {
		return vmerrors.CapacityExceeded(l.capacity, len(l.items)+1)
	}
	v.retain()
	l.items = append(l.items, v)
	return nil
}

// AppendAll adds every value or none of them.
func (l *VariantList) AppendAll(vs ...Variant) error {
	if len(l.items)+len(vs) > l.capacity {
		return vmerrors.CapacityExceeded(l.capacity, len(l.items)+len(vs))
	}
	for _, v := range vs {
		v.retain()
		l.items = append(l.items, v)
	}
	return nil
}

// Set stores v at index i. Setting index Size() appends.
func (l *VariantList) Set(i int, v Variant) error {
	switch {
	case i >= l.capacity:
		return vmerrors.CapacityExceeded(l.capacity, i+1)
	case i < 0 || i > len(l.items):
		return vmerrors.OutOfBounds(vmerrors.PhaseList, i, len(l.items))
	case i == len(l.items):
		return l.Append(v)
	}
	v.retain()
	l.items[i].release()
	l.items[i] = v
	return nil
}

// Get returns the value at index i.
func (l *VariantList) Get(i int) (Variant, error) {
	if i < 0 || i >= len(l.items) {
		return Null(), vmerrors.OutOfBounds(vmerrors.PhaseList, i, len(l.items))
	}
	return l.items[i], nil
}

// Values returns a copy of the stored variants. No references are taken.
func (l *VariantList) Values() []Variant {
	return append([]Variant(nil), l.items...)
}

// Clear releases every held buffer view reference and resets the size to
// zero. Nested lists are not owned and keep their contents.
func (l *VariantList) Clear() {
	for i, v := range l.items {
		v.release()
		l.items[i] = Variant{}
	}
	l.items = l.items[:0]
}

// String renders the list as <VariantList(n): [HalBuffer(16), 42, None]>.
func (l *VariantList) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<VariantList(%d): [", len(l.items))
	for i, v := range l.items {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(v.String())
	}
	b.WriteString("]>")
	return b.String()
}
