package device

import (
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Workspace holds the split-K partial accumulators and the per-tile lock
// array. One entry pair in the lock array gates each output tile: a spin
// lock word and an arrival counter. This is not a general mutex; it assumes
// exactly split_factor contributors arrive exactly once each.
type Workspace struct {
	partial DevicePtr // float32, indexed like the output matrix
	locks   DevicePtr // int32 pairs per tile: [lock, arrivals]
	maxM    int
	maxN    int
}

// WorkspaceBytes returns the (partial, locks) byte sizes needed for output
// shapes up to maxM x maxN.
func WorkspaceBytes(maxM, maxN int) (partialBytes, lockBytes int64) {
	maxTiles := (maxN + 127) / 128
	return int64(maxM*maxN) * 4, int64(maxTiles) * 2 * 4
}

// NewWorkspace wraps pre-allocated device buffers. Lock words must start
// zeroed; the kernel resets them after each full reduction so the buffers
// can be replayed across passes.
func NewWorkspace(partial, locks DevicePtr, maxM, maxN int) (*Workspace, error) {
	pb, lb := WorkspaceBytes(maxM, maxN)
	if partial.Len() < pb {
		return nil, fmt.Errorf("split-k partial buffer %d bytes, need %d", partial.Len(), pb)
	}
	if locks.Len() < lb {
		return nil, fmt.Errorf("split-k lock array %d bytes, need %d", locks.Len(), lb)
	}
	return &Workspace{partial: partial, locks: locks, maxM: maxM, maxN: maxN}, nil
}

// GemmArgs is the launch argument block of the quantized GEMM family,
// mirroring the specialized kernel signature: activations, packed weights
// (with scales and optional group index), output, split-K workspace,
// dimensions and the atomic-reduction flag.
type GemmArgs struct {
	A  DevicePtr    // [M, K] float32 activations
	W  *QuantTensor // [K, N] packed weights
	C  DevicePtr    // [M, N] float32 output
	Ws *Workspace   // required when SplitK > 1 and Atomic is false
	M  int

	// Accumulate adds into the existing contents of C instead of
	// overwriting them (global accumulation requested by the caller).
	Accumulate bool

	// Atomic selects CAS-add reduction directly into C instead of the
	// lock-protected workspace combine.
	Atomic bool
}

// LaunchQuantGEMM enqueues one quantized GEMM on the stream. Thread blocks
// are goroutines: grid = ceil(N/BlockN) column tiles x SplitK slices. Each
// block fuses dequantization into its tile product; blocks of a split-K
// grid combine through the workspace or atomically into C.
func LaunchQuantGEMM(st *Stream, spec KernelSpec, args GemmArgs) error {
	if err := spec.validate(); err != nil {
		return err
	}
	w := args.W
	if w == nil {
		return fmt.Errorf("gemm: nil weight tensor")
	}
	if spec.Bits != w.Bits {
		return fmt.Errorf("gemm: kernel bit width %d != weight bit width %d", spec.Bits, w.Bits)
	}
	m, n, k := args.M, w.N, w.K
	if m <= 0 {
		return fmt.Errorf("gemm: invalid M=%d", m)
	}
	if args.A.Len() < int64(m*k)*4 {
		return fmt.Errorf("gemm: activation buffer %d bytes, need %d", args.A.Len(), m*k*4)
	}
	if args.C.Len() < int64(m*n)*4 {
		return fmt.Errorf("gemm: output buffer %d bytes, need %d", args.C.Len(), m*n*4)
	}
	if spec.SplitK > 1 && !args.Atomic {
		if args.Ws == nil {
			return fmt.Errorf("gemm: split factor %d requires a workspace", spec.SplitK)
		}
		if m > args.Ws.maxM || n > args.Ws.maxN {
			return fmt.Errorf("gemm: workspace sized %dx%d, need %dx%d", args.Ws.maxM, args.Ws.maxN, m, n)
		}
	}

	metrics.RecordGemmDispatch(spec.Name())
	st.Enqueue(spec.Name(), func() error {
		runQuantGEMM(spec, args, m, n, k)
		return nil
	})
	return nil
}

func runQuantGEMM(spec KernelSpec, args GemmArgs, m, n, k int) {
	numTiles := (n + spec.BlockN - 1) / spec.BlockN

	// The atomic path adds into C from every slice, so a fresh pass must
	// start from zero. Enqueue order guarantees no reader sees the
	// intermediate state.
	if spec.SplitK > 1 && args.Atomic && !args.Accumulate {
		c := args.C.Float32()
		for i := range c[:m*n] {
			c[i] = 0
		}
	}

	var wg sync.WaitGroup
	for tile := 0; tile < numTiles; tile++ {
		for slice := 0; slice < spec.SplitK; slice++ {
			wg.Add(1)
			go func(tile, slice int) {
				defer wg.Done()
				gemmBlock(spec, args, m, n, k, tile, slice)
			}(tile, slice)
		}
	}
	wg.Wait()
}

// gemmBlock is one thread block: it streams its K-slice of activations and
// packed weights, dequantizes each weight row segment once, accumulates the
// tile product, then combines with the other contributors.
func gemmBlock(spec KernelSpec, args GemmArgs, m, n, k, tile, slice int) {
	colStart := tile * spec.BlockN
	colEnd := colStart + spec.BlockN
	if colEnd > n {
		colEnd = n // boundary tile: clamp, out-of-range loads read zero
	}
	tileW := colEnd - colStart

	kChunk := (k + spec.SplitK - 1) / spec.SplitK
	kStart := slice * kChunk
	kEnd := kStart + kChunk
	if kEnd > k {
		kEnd = k
	}

	a := args.A.Float32()
	words := args.W.packed.Uint32()
	scaleBits := args.W.scales.Uint16()
	var gidx []int32
	if args.W.hasIdx {
		gidx = args.W.gidx.Int32()
	}
	zero := zeroPoint(args.W.Bits)
	bits := args.W.Bits

	acc := make([]float32, m*tileW)
	wrow := make([]float32, tileW)
	colsPerWarp := spec.BlockN / spec.WarpN

	for kk := kStart; kk < kEnd; kk++ {
		g := args.W.groupOf(kk, gidx)
		base := kk * n
		for j := 0; j < tileW; j++ {
			q := unpack(words, base+colStart+j, bits)
			wrow[j] = Float16ToFloat32(scaleBits[g*n+colStart+j]) * float32(q-zero)
		}
		// Warp tiling: rows in WarpM bands, columns in per-warp strips.
		for i0 := 0; i0 < m; i0 += spec.WarpM {
			i1 := i0 + spec.WarpM
			if i1 > m {
				i1 = m
			}
			for j0 := 0; j0 < tileW; j0 += colsPerWarp {
				j1 := j0 + colsPerWarp
				if j1 > tileW {
					j1 = tileW
				}
				for i := i0; i < i1; i++ {
					av := a[i*k+kk]
					row := acc[i*tileW : (i+1)*tileW]
					for j := j0; j < j1; j++ {
						row[j] += av * wrow[j]
					}
				}
			}
		}
	}

	switch {
	case spec.SplitK == 1:
		writeTile(args.C.Float32(), acc, m, n, colStart, tileW, args.Accumulate)
	case args.Atomic:
		cWords := args.C.Uint32()
		for i := 0; i < m; i++ {
			for j := 0; j < tileW; j++ {
				atomicAddFloat32(&cWords[i*n+colStart+j], acc[i*tileW+j])
			}
		}
	default:
		combineLocked(spec, args, acc, m, n, tile, colStart, tileW)
	}
}

// combineLocked folds one block's partial product into the shared tile.
// Contributors serialize through the tile's spin lock; the arrival counter
// makes the first contributor store (clearing stale replay data) and the
// last one perform the single final write-out to C.
func combineLocked(spec KernelSpec, args GemmArgs, acc []float32, m, n, tile, colStart, tileW int) {
	locks := args.Ws.locks.Int32()
	lock := &locks[2*tile]
	count := &locks[2*tile+1]

	var spins int64
	for !atomic.CompareAndSwapInt32(lock, 0, 1) {
		spins++
		runtime.Gosched()
	}
	metrics.RecordSplitKSpins(spins)

	partial := args.Ws.partial.Float32()
	arrivals := *count
	if arrivals == 0 {
		for i := 0; i < m; i++ {
			copy(partial[i*n+colStart:i*n+colStart+tileW], acc[i*tileW:(i+1)*tileW])
		}
	} else {
		for i := 0; i < m; i++ {
			for j := 0; j < tileW; j++ {
				partial[i*n+colStart+j] += acc[i*tileW+j]
			}
		}
	}

	if int(arrivals) == spec.SplitK-1 {
		c := args.C.Float32()
		for i := 0; i < m; i++ {
			for j := 0; j < tileW; j++ {
				idx := i*n + colStart + j
				if args.Accumulate {
					c[idx] += partial[idx]
				} else {
					c[idx] = partial[idx]
				}
			}
		}
		*count = 0 // reset for offset replay on the next pass
	} else {
		*count = arrivals + 1
	}
	atomic.StoreInt32(lock, 0)
}

func writeTile(c, acc []float32, m, n, colStart, tileW int, accumulate bool) {
	for i := 0; i < m; i++ {
		for j := 0; j < tileW; j++ {
			idx := i*n + colStart + j
			if accumulate {
				c[idx] += acc[i*tileW+j]
			} else {
				c[idx] = acc[i*tileW+j]
			}
		}
	}
}

// atomicAddFloat32 CAS-adds v into the float32 aliased by word.
func atomicAddFloat32(word *uint32, v float32) {
	for {
		old := atomic.LoadUint32(word)
		next := math.Float32bits(math.Float32frombits(old) + v)
		if atomic.CompareAndSwapUint32(word, old, next) {
			return
		}
	}
}
