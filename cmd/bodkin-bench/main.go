package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/config"
	"github.com/23skdu/longbow-bodkin/internal/device"
	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/monitoring"
)

var (
	dim         = flag.Int("dim", 1024, "Model hidden size")
	hiddenDim   = flag.Int("hidden", 4096, "FFN intermediate size")
	vocabSize   = flag.Int("vocab", 32000, "Vocabulary size for the output head")
	tokens      = flag.Int("tokens", 16, "Tokens per pass (GEMM M dimension)")
	iters       = flag.Int("iters", 50, "Benchmark iterations")
	bits        = flag.Int("bits", 4, "Quantization bit width (4 or 8)")
	groupSize   = flag.Int("group", 128, "Quantization group size (-1 for whole-column)")
	maxSplit    = flag.Int("split", 4, "Maximum split-K factor")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat   = flag.String("log-format", "console", "Log format (console or json)")
	metricsAddr = flag.String("metrics-addr", "", "Serve /metrics and /status on this address")
)

func main() {
	flag.Parse()
	logger.Setup(*logLevel, *logFormat)

	cfg := config.Default()
	cfg.Dim = *dim
	cfg.HiddenDim = *hiddenDim
	cfg.VocabSize = *vocabSize
	cfg.MaxTokens = *tokens
	cfg.QuantBits = *bits
	cfg.GroupSize = *groupSize
	cfg.MaxSplitK = *maxSplit
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	arena := device.NewArena(nil, cfg.DevicePoolBytes, cfg.ScratchPoolBytes)

	opts := device.LinearOpts{Bits: cfg.QuantBits, GroupSize: cfg.GroupSize, MaxSplitK: cfg.MaxSplitK}
	up, err := device.NewLinear(arena, "ffn_up", cfg.Dim, cfg.HiddenDim, opts)
	if err != nil {
		log.Fatalf("build ffn_up: %v", err)
	}
	down, err := device.NewLinear(arena, "ffn_down", cfg.HiddenDim, cfg.Dim, opts)
	if err != nil {
		log.Fatalf("build ffn_down: %v", err)
	}
	headProj, err := device.NewLinear(arena, "lm_head", cfg.Dim, cfg.VocabSize, opts)
	if err != nil {
		log.Fatalf("build lm_head: %v", err)
	}
	head, err := device.NewOutputHead(headProj, cfg.HeadScale())
	if err != nil {
		log.Fatalf("build head: %v", err)
	}

	layoutB := device.NewLayoutBuilder()
	if err := device.ReservePassBuffers(layoutB, cfg.MaxTokens, cfg.Dim, cfg.VocabSize); err != nil {
		log.Fatalf("layout: %v", err)
	}
	for _, l := range []*device.Linear{up, down} {
		if err := l.ReserveScratch(layoutB, cfg.MaxTokens); err != nil {
			log.Fatalf("layout %s: %v", l.Name, err)
		}
	}
	if err := head.ReserveScratch(layoutB, cfg.MaxTokens); err != nil {
		log.Fatalf("layout lm_head: %v", err)
	}
	layout, err := layoutB.Resolve(arena)
	if err != nil {
		log.Fatalf("resolve layout: %v", err)
	}

	var input, logits device.DevicePtr
	if err := layout.Bind(arena, "input", &input); err != nil {
		log.Fatalf("bind input: %v", err)
	}
	if err := layout.Bind(arena, "logits", &logits); err != nil {
		log.Fatalf("bind logits: %v", err)
	}
	for _, l := range []*device.Linear{up, down} {
		if err := l.BindScratch(arena, layout, cfg.MaxTokens); err != nil {
			log.Fatalf("bind %s: %v", l.Name, err)
		}
	}
	if err := head.BindScratch(arena, layout, cfg.MaxTokens); err != nil {
		log.Fatalf("bind lm_head: %v", err)
	}

	rng := rand.New(rand.NewSource(1))
	loadStart := time.Now()
	for _, l := range []*device.Linear{up, down, headProj} {
		w := make([]float32, l.DimIn*l.DimOut)
		for i := range w {
			w[i] = rng.Float32()*0.2 - 0.1
		}
		packed, scales, err := device.Quantize(w, l.DimIn, l.DimOut, cfg.QuantBits, cfg.GroupSize)
		if err != nil {
			log.Fatalf("quantize %s: %v", l.Name, err)
		}
		if err := l.LoadWeight(l.Name+".weight", &device.QuantHost{Packed: packed, Scales: scales}); err != nil {
			log.Fatalf("load %s: %v", l.Name, err)
		}
	}
	arena.FinishBuild()
	fmt.Printf("Weights quantized and loaded in %v\n", time.Since(loadStart))

	if *metricsAddr != "" {
		hm := monitoring.NewHealthMonitor()
		hm.SetDeviceInfo(monitoring.DeviceInfo{
			ModelPoolBytes:   cfg.DevicePoolBytes,
			ModelUsedBytes:   arena.ModelUsed(),
			ScratchPoolBytes: cfg.ScratchPoolBytes,
			ScratchLayout:    layout.Total,
		})
		go func() {
			if err := hm.Start(*metricsAddr); err != nil {
				logger.Log.Error("health monitor stopped", "error", err)
			}
		}()
	}

	in := input.Float32()[:cfg.MaxTokens*cfg.Dim]
	for i := range in {
		in[i] = rng.Float32()*2 - 1
	}

	st := device.NewStream(nil)
	defer st.Close()

	runPass := func() error {
		hidden, err := up.Project(st, cfg.MaxTokens, input, nil, false)
		if err != nil {
			return err
		}
		if _, err := down.Project(st, cfg.MaxTokens, hidden, &input, false); err != nil {
			return err
		}
		if _, err := head.Project(st, cfg.MaxTokens, input, &logits); err != nil {
			return err
		}
		return st.Synchronize()
	}

	// Warmup pass populates the split-K workspaces and page cache.
	if err := runPass(); err != nil {
		log.Fatalf("warmup pass: %v", err)
	}

	start := time.Now()
	for i := 0; i < *iters; i++ {
		if err := runPass(); err != nil {
			log.Fatalf("pass %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	flopsPerPass := 2.0 * float64(cfg.MaxTokens) *
		(float64(cfg.Dim)*float64(cfg.HiddenDim)*2 + float64(cfg.Dim)*float64(cfg.VocabSize))
	perPass := elapsed / time.Duration(*iters)
	gflops := flopsPerPass / perPass.Seconds() / 1e9

	fmt.Printf("Passes:       %d x %d tokens\n", *iters, cfg.MaxTokens)
	fmt.Printf("Per pass:     %v\n", perPass)
	fmt.Printf("Throughput:   %.2f GFLOP/s (%.1f tok/s)\n",
		gflops, float64(cfg.MaxTokens)/perPass.Seconds())
	fmt.Printf("Model pool:   %d / %d bytes\n", arena.ModelUsed(), cfg.DevicePoolBytes)
	fmt.Printf("Scratch plan: %d bytes\n", layout.Total)

	out := logits.Float32()[:cfg.MaxTokens*cfg.VocabSize]
	stats := device.ComputeBufferStats(out)
	nan, inf := device.CheckNumericalStability(out, "logits")
	fmt.Printf("Logits:       min %.4f max %.4f rms %.4f (%d NaN, %d Inf)\n",
		stats.Min, stats.Max, stats.RMS, nan, inf)
}
