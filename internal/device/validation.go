package device

import (
	"math"

	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// CheckNumericalStability counts NaN/Inf values in an output buffer and
// records them. Quantized kernels should never produce either; a non-zero
// count points at corrupt packed data or a broken reduction.
func CheckNumericalStability(data []float32, name string) (nanCount, infCount int) {
	for _, v := range data {
		if math.IsNaN(float64(v)) {
			nanCount++
		}
		if math.IsInf(float64(v), 0) {
			infCount++
		}
	}
	metrics.RecordNumericalInstability(name, nanCount, infCount)
	return
}

// BufferStats summarizes an activation or logits buffer for debug logging.
type BufferStats struct {
	Min  float32
	Max  float32
	Mean float32
	RMS  float32
}

func ComputeBufferStats(data []float32) BufferStats {
	if len(data) == 0 {
		return BufferStats{}
	}
	s := BufferStats{Min: data[0], Max: data[0]}
	var sum, sumSq float64
	for _, v := range data {
		if v > s.Max {
			s.Max = v
		}
		if v < s.Min {
			s.Min = v
		}
		sum += float64(v)
		sumSq += float64(v) * float64(v)
	}
	n := float64(len(data))
	s.Mean = float32(sum / n)
	s.RMS = float32(math.Sqrt(sumSq / n))
	return s
}
