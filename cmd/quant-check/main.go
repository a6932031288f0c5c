package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/rand"

	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
)

var (
	dimIn     = flag.Int("k", 1024, "Input dimension (K)")
	dimOut    = flag.Int("n", 1024, "Output dimension (N)")
	tokens    = flag.Int("m", 8, "Activation rows (M)")
	bits      = flag.Int("bits", 4, "Quantization bit width (4 or 8)")
	groupSize = flag.Int("group", 128, "Quantization group size (-1 for whole-column)")
	splitK    = flag.Int("split", 2, "Split-K factor for the kernel under test")
	seed      = flag.Int64("seed", 1, "RNG seed")
	logLevel  = flag.String("log-level", "warn", "Log level")
)

// quant-check measures what the quantization scheme and the fused kernel cost
// in accuracy: weight reconstruction error after a pack/unpack round trip,
// and the kernel's deviation from an exact float64 product over the
// dequantized weights.
func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")

	m, n, k := *tokens, *dimOut, *dimIn
	rng := rand.New(rand.NewSource(*seed))

	w := make([]float32, k*n)
	for i := range w {
		w[i] = rng.Float32()*2 - 1
	}
	act := make([]float32, m*k)
	for i := range act {
		act[i] = rng.Float32()*2 - 1
	}

	packed, scales, err := device.Quantize(w, k, n, *bits, *groupSize)
	if err != nil {
		log.Fatalf("quantize: %v", err)
	}

	poolBytes := int64(len(packed))*4 + int64(len(scales))*2 + int64(m*(k+n))*4 + (8 << 20)
	arena := device.NewArena(nil, poolBytes, 64<<20)
	q, err := device.NewQuantTensor(arena, k, n, *bits, *groupSize, false)
	if err != nil {
		log.Fatalf("tensor: %v", err)
	}
	if err := q.Load(packed, scales, nil); err != nil {
		log.Fatalf("load: %v", err)
	}

	deq := make([]float32, k*n)
	if err := q.DequantizeTo(deq); err != nil {
		log.Fatalf("dequantize: %v", err)
	}
	var maxW, sumW float64
	for i := range w {
		d := math.Abs(float64(w[i] - deq[i]))
		sumW += d
		if d > maxW {
			maxW = d
		}
	}

	aDev, err := arena.AllocPersistent(int64(m*k) * 4)
	if err != nil {
		log.Fatalf("alloc: %v", err)
	}
	copy(aDev.Float32(), act)
	cDev, err := arena.AllocPersistent(int64(m*n) * 4)
	if err != nil {
		log.Fatalf("alloc: %v", err)
	}

	pb, lb := device.WorkspaceBytes(m, n)
	var part, locks device.DevicePtr
	off, err := arena.BindScratch(&part, 0, pb)
	if err != nil {
		log.Fatalf("workspace: %v", err)
	}
	if _, err := arena.BindScratch(&locks, off, lb); err != nil {
		log.Fatalf("workspace: %v", err)
	}
	ws, err := device.NewWorkspace(part, locks, m, n)
	if err != nil {
		log.Fatalf("workspace: %v", err)
	}

	spec := device.SelectKernel(m, n, k, *bits, *splitK)
	st := device.NewStream(nil)
	defer st.Close()
	if err := device.LaunchQuantGEMM(st, spec, device.GemmArgs{
		A: aDev, W: q, C: cDev, Ws: ws, M: m,
	}); err != nil {
		log.Fatalf("launch: %v", err)
	}
	if err := st.Synchronize(); err != nil {
		log.Fatalf("execute: %v", err)
	}

	// Exact product over the dequantized weights in float64.
	got := cDev.Float32()[:m*n]
	var maxC, sumC float64
	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float64
			for kk := 0; kk < k; kk++ {
				sum += float64(act[i*k+kk]) * float64(deq[kk*n+j])
			}
			d := math.Abs(float64(got[i*n+j]) - sum)
			sumC += d
			if d > maxC {
				maxC = d
			}
		}
	}

	nan, inf := device.CheckNumericalStability(got, "quant_check")

	fmt.Printf("Geometry:       [%d,%d] x [%d,%d], %d-bit, group %d\n", m, k, k, n, *bits, *groupSize)
	fmt.Printf("Kernel:         %s\n", spec.Name())
	fmt.Printf("Weight error:   max %.6g, mean %.6g\n", maxW, sumW/float64(k*n))
	fmt.Printf("Product error:  max %.6g, mean %.6g\n", maxC, sumC/float64(m*n))
	if nan != 0 || inf != 0 {
		log.Fatalf("output contains %d NaN and %d Inf values", nan, inf)
	}
	fmt.Println("Output finite:  ok")
}
