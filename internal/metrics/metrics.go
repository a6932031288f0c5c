package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeviceMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_device_memory_allocated_bytes",
		Help: "Current bytes allocated from the persistent model pool",
	})

	ScratchHighWater = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bodkin_scratch_high_water_bytes",
		Help: "Largest resolved scratch layout in bytes",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bodkin_kernel_duration_seconds",
		Help:    "Histogram of enqueued kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	GemmDispatch = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_gemm_dispatch_total",
		Help: "Quantized GEMM launches by selected kernel variant",
	}, []string{"variant"})

	SplitKContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_splitk_lock_spins_total",
		Help: "Spin iterations observed on split-K tile locks",
	})

	WeightsLoaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_weights_loaded_total",
		Help: "Weight tensors copied to device, by kind",
	}, []string{"kind"})

	ProjectionTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_projection_tokens_total",
		Help: "Tokens processed through linear projections",
	})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_numerical_instability_total",
		Help: "NaN/Inf values detected in output buffers",
	}, []string{"buffer", "type"})

	StreamFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_stream_failures_total",
		Help: "Device execution failures surfaced by streams",
	})
)

func RecordDeviceMemory(bytes int64) {
	DeviceMemoryAllocated.Set(float64(bytes))
}

func RecordScratchLayout(bytes int64) {
	ScratchHighWater.Set(float64(bytes))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordGemmDispatch(variant string) {
	GemmDispatch.WithLabelValues(variant).Inc()
}

func RecordSplitKSpins(n int64) {
	if n > 0 {
		SplitKContention.Add(float64(n))
	}
}

func RecordWeightLoad(kind string) {
	WeightsLoaded.WithLabelValues(kind).Inc()
}

func RecordProjection(tokens int) {
	ProjectionTokens.Add(float64(tokens))
}

func RecordNumericalInstability(buffer string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(buffer, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(buffer, "inf").Add(float64(infCount))
	}
}

func RecordStreamFailure() {
	StreamFailures.Inc()
}
