package device

import (
	"math"
	"testing"
)

func TestFloat16ExactValues(t *testing.T) {
	// Values exactly representable in half precision round-trip bit-perfect.
	for _, v := range []float32{0, 1, -1, 0.5, 0.25, 2.25, -3.75, 1024, 65504, -65504} {
		got := Float16ToFloat32(Float32ToFloat16(v))
		if got != v {
			t.Fatalf("round trip of %v gave %v", v, got)
		}
	}
}

func TestFloat16Specials(t *testing.T) {
	inf := float32(math.Inf(1))
	if got := Float16ToFloat32(Float32ToFloat16(inf)); !math.IsInf(float64(got), 1) {
		t.Fatalf("+Inf round trip gave %v", got)
	}
	if got := Float16ToFloat32(Float32ToFloat16(-inf)); !math.IsInf(float64(got), -1) {
		t.Fatalf("-Inf round trip gave %v", got)
	}
	nan := float32(math.NaN())
	if got := Float16ToFloat32(Float32ToFloat16(nan)); !math.IsNaN(float64(got)) {
		t.Fatalf("NaN round trip gave %v", got)
	}
	// Past the half-precision range the conversion saturates to infinity.
	if got := Float16ToFloat32(Float32ToFloat16(1e6)); !math.IsInf(float64(got), 1) {
		t.Fatalf("overflow gave %v, want +Inf", got)
	}
	// Below the subnormal range it flushes to zero.
	if got := Float16ToFloat32(Float32ToFloat16(1e-10)); got != 0 {
		t.Fatalf("underflow gave %v, want 0", got)
	}
}

func TestFloat16Subnormals(t *testing.T) {
	// Smallest positive half subnormal: 2^-24.
	small := float32(math.Ldexp(1, -24))
	if got := Float16ToFloat32(Float32ToFloat16(small)); got != small {
		t.Fatalf("subnormal %v round trip gave %v", small, got)
	}
}

func TestFloat16ScalePrecision(t *testing.T) {
	// Quantization scales live in (0, ~8]; the stored half must stay within
	// half-precision relative error of the original.
	for s := float32(1e-3); s < 8; s *= 1.7 {
		got := Float16ToFloat32(Float32ToFloat16(s))
		rel := math.Abs(float64(got-s)) / float64(s)
		if rel > 1.0/1024 {
			t.Fatalf("scale %v stored as %v, relative error %v", s, got, rel)
		}
	}
}
