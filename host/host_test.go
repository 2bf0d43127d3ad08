package host_test

import (
	"testing"

	"github.com/caffeineduck/vmrt/hal"
	"github.com/caffeineduck/vmrt/host"
)

// =============================================================================
// ARRAYS
// =============================================================================

func TestFromSliceRoundTrip(t *testing.T) {
	a, err := host.FromSlice([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.DType() != hal.Float32 || !a.Shape().Equal(hal.Shape{2, 3}) || a.ItemSize() != 4 {
		t.Errorf("unexpected array %s %s", a.DType(), a.Shape())
	}
	if len(a.Bytes()) != 24 {
		t.Errorf("expected 24 bytes, got %d", len(a.Bytes()))
	}

	vals, err := host.Values[float32](a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vals[5] != 6 {
		t.Errorf("expected last element 6, got %v", vals[5])
	}

	if _, err := host.Values[int32](a); err == nil {
		t.Error("expected error decoding float32 array as int32")
	}
}

func TestFromSliceShapeMismatch(t *testing.T) {
	if _, err := host.FromSlice([]int32{1, 2, 3}, 2, 2); err == nil {
		t.Error("expected error for 3 values in a 2x2 shape")
	}
}

func TestNegativeIntegers(t *testing.T) {
	a := host.MustFromSlice([]int16{-1, -32768, 7})
	vals, _ := host.Values[int16](a)
	if vals[0] != -1 || vals[1] != -32768 || vals[2] != 7 {
		t.Errorf("unexpected values %v", vals)
	}
}

func TestZerosAndReshape(t *testing.T) {
	a := host.Zeros(hal.Uint8, 2, 4)
	b, err := a.Reshape(8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Rank() != 1 || b.ElementCount() != 8 {
		t.Errorf("unexpected reshape %s", b.Shape())
	}
	if _, err := a.Reshape(3, 3); err == nil {
		t.Error("expected error reshaping 8 elements into 3x3")
	}
}

// =============================================================================
// SCALARS
// =============================================================================

func TestScalars(t *testing.T) {
	if s := host.Int32(-5); s.Int() != -5 || s.Float() != -5 || s.String() != "i32=-5" {
		t.Errorf("unexpected int32 scalar %v", s)
	}
	if s := host.Float64(2.5); s.Float() != 2.5 || s.Int() != 2 || s.String() != "f64=2.5" {
		t.Errorf("unexpected float64 scalar %v", s)
	}
	if s := host.Float32(0.5); len(s.Bytes()) != 4 {
		t.Errorf("expected 4 bytes, got %d", len(s.Bytes()))
	}
	if _, err := host.NewScalar(hal.Sint8, 1); err == nil {
		t.Error("expected error for 8-bit scalar")
	}
}

// =============================================================================
// BUFFER STRINGS
// =============================================================================

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name  string
		value host.Value
		want  string
	}{
		{"rank1 float", host.MustFromSlice([]float32{1, 2, 3, 4}), "4xf32=1 2 3 4"},
		{"rank2 int", host.MustFromSlice([]int32{42, 43, 44, 45}, 2, 2), "2x2xi32=[42 43][44 45]"},
		{"rank3", host.MustFromSlice([]int8{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2), "2x2x2xi8=[[1 2][3 4]][[5 6][7 8]]"},
		{"rank0", host.Zeros(hal.Sint32), "i32=0"},
		{"fraction", host.MustFromSlice([]float64{0.1, 1.5}), "2xf64=0.1 1.5"},
		{"unsigned", host.MustFromSlice([]uint64{18446744073709551615}), "1xu64=18446744073709551615"},
		{"scalar", host.Int32(7), "i32=7"},
		{"empty", host.Zeros(hal.Float32, 0), "0xf32="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := host.FormatValue(tt.value); got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestParseValueRoundTrip(t *testing.T) {
	inputs := []string{
		"4xf32=1 2 3 4",
		"2x2xi32=[42 43][44 45]",
		"2x3xf64=[1 2 3][4 5 6]",
		"2x2x2xi8=[[1 2][3 4]][[5 6][7 8]]",
		"i32=42",
		"3xu16=0 1 65535",
		"2xf16=1.5 -2",
		"2xbf16=1 0.5",
	}

	for _, in := range inputs {
		a, err := host.ParseValue(in)
		if err != nil {
			t.Errorf("parse %q: %v", in, err)
			continue
		}
		if got := host.FormatValue(a); got != in {
			t.Errorf("expected %q, got %q", in, got)
		}
	}
}

func TestParseValueForms(t *testing.T) {
	a, err := host.ParseValue(` "4xf32=1, 2, 3, 4" `)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.String() != "4xf32=1 2 3 4" {
		t.Errorf("unexpected value %s", a)
	}

	splat, err := host.ParseValue("2x2xi32=7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if splat.String() != "2x2xi32=[7 7][7 7]" {
		t.Errorf("expected splat, got %s", splat)
	}
}

func TestParseValueErrors(t *testing.T) {
	tests := []string{
		"4xf32",
		"4xq32=1 2 3 4",
		"-1xf32=1",
		"4xf32=1 2 3",
		"2xi8=1 300",
		"2xu8=-1 2",
		"2xf32=a b",
	}

	for _, in := range tests {
		if _, err := host.ParseValue(in); err == nil {
			t.Errorf("expected error parsing %q", in)
		}
	}
}

func TestParseScalar(t *testing.T) {
	s, err := host.ParseScalar("i32=-9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.DType() != hal.Sint32 || s.Int() != -9 {
		t.Errorf("unexpected scalar %v", s)
	}

	if _, err := host.ParseScalar("2xi32=1 2"); err == nil {
		t.Error("expected error for rank 1 value")
	}
}
