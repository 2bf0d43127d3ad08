package hal

import (
	"strconv"
	"strings"
)

// Shape is a list of dimension extents, outermost first.
type Shape []int

// ElementCount returns the product of all dims. A rank-0 shape holds one element.
func (s Shape) ElementCount() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Rank() int {
	return len(s)
}

func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

func (s Shape) Clone() Shape {
	if s == nil {
		return Shape{}
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// Strides returns row-major byte strides for the shape.
func (s Shape) Strides(elementSize int) []int {
	strides := make([]int, len(s))
	stride := elementSize
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= s[i]
	}
	return strides
}

// String renders the shape as "4x8". A rank-0 shape renders as "".
func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}
