package device

import (
	"fmt"
	"runtime"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

// KernelSpec fixes the design parameters of one quantized GEMM variant:
// output-column tile width, warp subdivision of the tile, quantization bit
// width and split-K factor. The dispatch policy picks a spec per problem
// size; the kernel itself only requires that the tile covers the declared
// bounds after boundary clamping.
type KernelSpec struct {
	BlockN int // output columns per thread block: 128 or 256
	WarpM  int // rows per warp sub-tile
	WarpN  int // warps across the column tile
	Bits   int // 4 or 8
	SplitK int // independent K partitions: 1..4
}

func (s KernelSpec) Name() string {
	return fmt.Sprintf("gemm_q%d_b%d_w%dx%d_s%d", s.Bits, s.BlockN, s.WarpM, s.WarpN, s.SplitK)
}

func (s KernelSpec) validate() error {
	if s.BlockN != 128 && s.BlockN != 256 {
		return fmt.Errorf("kernel %s: block size must be 128 or 256", s.Name())
	}
	switch [2]int{s.WarpM, s.WarpN} {
	case [2]int{16, 4}, [2]int{8, 8}, [2]int{8, 4}, [2]int{4, 8}:
	default:
		return fmt.Errorf("kernel %s: unsupported warp shape %dx%d", s.Name(), s.WarpM, s.WarpN)
	}
	if s.BlockN%s.WarpN != 0 {
		return fmt.Errorf("kernel %s: warp_n %d does not divide block %d", s.Name(), s.WarpN, s.BlockN)
	}
	if s.Bits != 4 && s.Bits != 8 {
		return fmt.Errorf("kernel %s: unsupported bit width %d", s.Name(), s.Bits)
	}
	if s.SplitK < 1 || s.SplitK > 4 {
		return fmt.Errorf("kernel %s: split factor out of range", s.Name())
	}
	return nil
}

// minimum K rows each split slice should keep; splitting finer than this
// costs more in reduction than it wins in parallelism.
const minKPerSplit = 32

// SelectKernel is the dispatch policy: a heuristic over (M, N, K) that picks
// the cheapest sufficient variant. Wider warp_n favors large N, wider warp_m
// favors large M; split-K fills the machine when there are few column tiles.
func SelectKernel(m, n, k, bits, maxSplit int) KernelSpec {
	spec := KernelSpec{BlockN: 128, WarpM: 4, WarpN: 8, Bits: bits, SplitK: 1}
	if n%256 == 0 {
		spec.BlockN = 256
	}

	switch {
	case m >= 16:
		spec.WarpM, spec.WarpN = 16, 4
	case m >= 8 && n < 1024:
		spec.WarpM, spec.WarpN = 8, 4
	case m >= 8:
		spec.WarpM, spec.WarpN = 8, 8
	}

	if maxSplit > 4 {
		maxSplit = 4
	}
	if maxSplit < 1 {
		maxSplit = 1
	}
	tiles := (n + spec.BlockN - 1) / spec.BlockN
	split := runtime.NumCPU() / tiles
	if split > maxSplit {
		split = maxSplit
	}
	for split > 1 && k/split < minKPerSplit {
		split--
	}
	if split < 1 {
		split = 1
	}
	spec.SplitK = split

	logger.Log.Debug("gemm dispatch", "m", m, "n", n, "k", k, "variant", spec.Name())
	return spec
}
