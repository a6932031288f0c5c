package device

import (
	"fmt"
	"math"
)

// Packed quantized weight storage. Logical shape is [K, N] (input features x
// output features). Values are sub-byte unsigned integers packed row-major
// into uint32 words with a symmetric zero point (8 for 4-bit, 128 for
// 8-bit), one fp16 scale per quantization group per output column, and an
// optional group-index vector for non-contiguous (activation-ordered)
// grouping.

func packFactor(bits int) int {
	return 32 / bits
}

func zeroPoint(bits int) int32 {
	return 1 << (bits - 1)
}

// QuantTensor holds device-resident packed weights plus their scales.
type QuantTensor struct {
	K, N      int
	Bits      int
	GroupSize int // -1 means one group spanning all of K

	packed DevicePtr // uint32 words, 32/Bits values each
	scales DevicePtr // fp16, [numGroups, N]
	gidx   DevicePtr // int32 per K row, optional
	hasIdx bool
}

// NumGroups returns the scale group count along K.
func (q *QuantTensor) NumGroups() int {
	if q.GroupSize <= 0 {
		return 1
	}
	return q.K / q.GroupSize
}

// NewQuantTensor validates the quantization geometry and allocates
// persistent storage for the packed words, scales and optional group index.
func NewQuantTensor(a *Arena, k, n, bits, groupSize int, withIdx bool) (*QuantTensor, error) {
	if bits != 4 && bits != 8 {
		return nil, fmt.Errorf("unsupported quant bits: %d", bits)
	}
	if k <= 0 || n <= 0 {
		return nil, fmt.Errorf("invalid quant shape [%d,%d]", k, n)
	}
	if groupSize != -1 {
		if groupSize <= 0 {
			return nil, fmt.Errorf("invalid group size: %d", groupSize)
		}
		if k%groupSize != 0 {
			return nil, fmt.Errorf("group size %d does not divide K=%d", groupSize, k)
		}
	}

	q := &QuantTensor{K: k, N: n, Bits: bits, GroupSize: groupSize, hasIdx: withIdx}

	pf := packFactor(bits)
	words := (k*n + pf - 1) / pf
	var err error
	if q.packed, err = a.AllocPersistent(int64(words) * 4); err != nil {
		return nil, err
	}
	if q.scales, err = a.AllocPersistent(int64(q.NumGroups()*n) * 2); err != nil {
		return nil, err
	}
	if withIdx {
		if q.gidx, err = a.AllocPersistent(int64(k) * 4); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Load copies host-side packed data into device storage. scales are float32
// on the host and stored as fp16; gidx may be nil when the tensor was built
// without a group index.
func (q *QuantTensor) Load(packed []uint32, scales []float32, gidx []int32) error {
	pf := packFactor(q.Bits)
	wantWords := (q.K*q.N + pf - 1) / pf
	if len(packed) != wantWords {
		return fmt.Errorf("packed length %d, want %d words", len(packed), wantWords)
	}
	if len(scales) != q.NumGroups()*q.N {
		return fmt.Errorf("scales length %d, want %d", len(scales), q.NumGroups()*q.N)
	}
	copy(q.packed.Uint32(), packed)
	dst := q.scales.Uint16()
	for i, s := range scales {
		dst[i] = Float32ToFloat16(s)
	}
	if q.hasIdx {
		if len(gidx) != q.K {
			return fmt.Errorf("group index length %d, want %d", len(gidx), q.K)
		}
		ng := int32(q.NumGroups())
		for i, g := range gidx {
			if g < 0 || g >= ng {
				return fmt.Errorf("group index %d at row %d out of range [0,%d)", g, i, ng)
			}
		}
		copy(q.gidx.Int32(), gidx)
	} else if gidx != nil {
		return fmt.Errorf("group index supplied for tensor without one")
	}
	return nil
}

// groupOf resolves the quantization group of input row k, through the
// permutation vector when present.
func (q *QuantTensor) groupOf(k int, gidx []int32) int {
	if gidx != nil {
		return int(gidx[k])
	}
	if q.GroupSize <= 0 {
		return 0
	}
	return k / q.GroupSize
}

// unpack reads the stored (biased) integer at linear element index.
func unpack(words []uint32, idx, bits int) int32 {
	pf := 32 / bits
	w := words[idx/pf]
	shift := uint(idx%pf) * uint(bits)
	mask := uint32(1)<<uint(bits) - 1
	return int32((w >> shift) & mask)
}

// DequantizeTo expands the full [K, N] weight matrix into dst, row-major.
// Reference path for accuracy checks; the GEMM kernel fuses this work.
func (q *QuantTensor) DequantizeTo(dst []float32) error {
	if len(dst) < q.K*q.N {
		return fmt.Errorf("dst length %d, want %d", len(dst), q.K*q.N)
	}
	words := q.packed.Uint32()
	scales := q.scales.Uint16()
	var gidx []int32
	if q.hasIdx {
		gidx = q.gidx.Int32()
	}
	zero := zeroPoint(q.Bits)
	for k := 0; k < q.K; k++ {
		g := q.groupOf(k, gidx)
		for n := 0; n < q.N; n++ {
			v := unpack(words, k*q.N+n, q.Bits)
			s := Float16ToFloat32(scales[g*q.N+n])
			dst[k*q.N+n] = s * float32(v-zero)
		}
	}
	return nil
}

// PackValues packs signed quantized integers (already in the representable
// range for the bit width) into words, applying the zero-point bias.
// Host-side helper used by loaders and tests.
func PackValues(values []int32, bits int) ([]uint32, error) {
	if bits != 4 && bits != 8 {
		return nil, fmt.Errorf("unsupported quant bits: %d", bits)
	}
	zero := zeroPoint(bits)
	lo, hi := -zero, zero-1
	pf := packFactor(bits)
	out := make([]uint32, (len(values)+pf-1)/pf)
	for i, v := range values {
		if v < lo || v > hi {
			return nil, fmt.Errorf("value %d at index %d outside [%d,%d]", v, i, lo, hi)
		}
		q := uint32(v + zero)
		out[i/pf] |= q << (uint(i%pf) * uint(bits))
	}
	return out, nil
}

// Quantize converts a dense [K, N] row-major weight matrix into packed words
// and per-group scales under the given geometry. Scales are chosen per
// (group, column) from the max magnitude so every value lands in range.
func Quantize(w []float32, k, n, bits, groupSize int) (packed []uint32, scales []float32, err error) {
	if len(w) != k*n {
		return nil, nil, fmt.Errorf("weight length %d, want %d", len(w), k*n)
	}
	gs := groupSize
	if gs <= 0 {
		gs = k
	}
	if k%gs != 0 {
		return nil, nil, fmt.Errorf("group size %d does not divide K=%d", groupSize, k)
	}
	zero := zeroPoint(bits)
	maxQ := float32(zero - 1)
	numGroups := k / gs

	scales = make([]float32, numGroups*n)
	values := make([]int32, k*n)
	for g := 0; g < numGroups; g++ {
		for col := 0; col < n; col++ {
			var amax float32
			for r := g * gs; r < (g+1)*gs; r++ {
				if v := float32(math.Abs(float64(w[r*n+col]))); v > amax {
					amax = v
				}
			}
			s := amax / maxQ
			if s == 0 {
				s = 1
			}
			// Round-trip through fp16 so the stored scale is what the
			// kernel will actually use.
			s = Float16ToFloat32(Float32ToFloat16(s))
			scales[g*n+col] = s
			for r := g * gs; r < (g+1)*gs; r++ {
				q := int32(math.RoundToEven(float64(w[r*n+col] / s)))
				if q > int32(maxQ) {
					q = int32(maxQ)
				}
				if q < -zero {
					q = -zero
				}
				values[r*n+col] = q
			}
		}
	}
	packed, err = PackValues(values, bits)
	return packed, scales, err
}
