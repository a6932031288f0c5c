package device

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Linear computes output = input x W^T (+ bias) when the weight layout is
// transposed (W stored [dimOut, dimIn]) or input x W otherwise. The weight
// is either a dense float32 matrix dispatched to the vendor BLAS path or a
// packed quantized tensor dispatched to the quantized GEMM family. Both
// paths produce numerically compatible, not bit-identical, results.
type Linear struct {
	Name       string
	DimIn      int
	DimOut     int
	Transposed bool

	dense  DevicePtr
	quant  *QuantTensor
	bias   DevicePtr
	out    DevicePtr
	ws     *Workspace
	wsPart DevicePtr
	wsLock DevicePtr

	maxSplitK int
}

// LinearOpts selects the weight storage for a projection.
type LinearOpts struct {
	Transposed bool
	HasBias    bool

	// Quantized weight geometry; Bits == 0 selects dense storage.
	Bits      int
	GroupSize int
	GroupIdx  bool

	// Cap on the split factor the dispatcher may pick. Zero means 4.
	MaxSplitK int
}

// NewLinear allocates persistent weight (and bias) storage during model
// build. Output and split-K workspace buffers are scratch: reserve them
// with ReserveScratch and bind per pass.
func NewLinear(a *Arena, name string, dimIn, dimOut int, opts LinearOpts) (*Linear, error) {
	if dimIn <= 0 || dimOut <= 0 {
		return nil, fmt.Errorf("linear %s: invalid dims %dx%d", name, dimIn, dimOut)
	}
	l := &Linear{
		Name:       name,
		DimIn:      dimIn,
		DimOut:     dimOut,
		Transposed: opts.Transposed,
		maxSplitK:  opts.MaxSplitK,
	}
	if l.maxSplitK == 0 {
		l.maxSplitK = 4
	}

	var err error
	if opts.Bits != 0 {
		// Quantized storage is always laid out [K=dimIn, N=dimOut]; the
		// transposed flag only describes dense checkpoints.
		l.quant, err = NewQuantTensor(a, dimIn, dimOut, opts.Bits, opts.GroupSize, opts.GroupIdx)
		if err != nil {
			return nil, fmt.Errorf("linear %s: %w", name, err)
		}
	} else {
		if l.dense, err = a.AllocPersistent(int64(dimIn*dimOut) * 4); err != nil {
			return nil, fmt.Errorf("linear %s: %w", name, err)
		}
	}
	if opts.HasBias {
		if l.bias, err = a.AllocPersistent(int64(dimOut) * 4); err != nil {
			return nil, fmt.Errorf("linear %s: %w", name, err)
		}
	}
	logger.Log.Debug("linear built", "name", name, "dim_in", dimIn, "dim_out", dimOut,
		"quant_bits", opts.Bits, "bias", opts.HasBias)
	return l, nil
}

// Quantized reports whether the projection holds packed weights.
func (l *Linear) Quantized() bool {
	return l.quant != nil
}

// HasBias reports whether a bias vector was allocated.
func (l *Linear) HasBias() bool {
	return !l.bias.IsNil()
}

// ReserveScratch adds this projection's per-pass buffers to the layout:
// the output matrix and, for quantized weights, the split-K workspace.
func (l *Linear) ReserveScratch(b *LayoutBuilder, maxTokens int) error {
	if err := b.Reserve(l.Name+".out", int64(maxTokens*l.DimOut)*4); err != nil {
		return err
	}
	if l.quant != nil {
		pb, lb := WorkspaceBytes(maxTokens, l.DimOut)
		if err := b.Reserve(l.Name+".splitk", pb); err != nil {
			return err
		}
		if err := b.Reserve(l.Name+".locks", lb); err != nil {
			return err
		}
	}
	return nil
}

// BindScratch points the projection at its buffers in a resolved layout.
// Called once at build time; the same offsets are replayed every pass.
func (l *Linear) BindScratch(a *Arena, layout *Layout, maxTokens int) error {
	if err := layout.Bind(a, l.Name+".out", &l.out); err != nil {
		return err
	}
	if l.quant == nil {
		return nil
	}
	if err := layout.Bind(a, l.Name+".splitk", &l.wsPart); err != nil {
		return err
	}
	if err := layout.Bind(a, l.Name+".locks", &l.wsLock); err != nil {
		return err
	}
	var err error
	l.ws, err = NewWorkspace(l.wsPart, l.wsLock, maxTokens, l.DimOut)
	return err
}

// Output returns the bound output buffer view for numTokens rows.
func (l *Linear) Output(numTokens int) DevicePtr {
	return l.out.Slice(int64(numTokens*l.DimOut) * 4)
}

// LoadWeight copies a host tensor into persistent device storage by name
// tag. Dense weights and biases arrive as []float32; quantized weights as
// *QuantHost. Any other name is a configuration error, reported
// synchronously and never retried.
func (l *Linear) LoadWeight(name string, host interface{}) error {
	switch {
	case strings.Contains(name, "bias"):
		if l.bias.IsNil() {
			return fmt.Errorf("linear %s: no bias allocated for %q", l.Name, name)
		}
		data, ok := host.([]float32)
		if !ok {
			return fmt.Errorf("linear %s: bias %q must be []float32", l.Name, name)
		}
		if len(data) != l.DimOut {
			return fmt.Errorf("linear %s: bias length %d, want %d", l.Name, len(data), l.DimOut)
		}
		copy(l.bias.Float32(), data)
		metrics.RecordWeightLoad("bias")
		return nil

	case strings.Contains(name, "weight"):
		if l.quant != nil {
			q, ok := host.(*QuantHost)
			if !ok {
				return fmt.Errorf("linear %s: quantized weight %q must be *QuantHost", l.Name, name)
			}
			if err := l.quant.Load(q.Packed, q.Scales, q.GroupIdx); err != nil {
				return fmt.Errorf("linear %s: %w", l.Name, err)
			}
			metrics.RecordWeightLoad("weight")
			return nil
		}
		data, ok := host.([]float32)
		if !ok {
			return fmt.Errorf("linear %s: weight %q must be []float32", l.Name, name)
		}
		if len(data) != l.DimIn*l.DimOut {
			return fmt.Errorf("linear %s: weight length %d, want %d", l.Name, len(data), l.DimIn*l.DimOut)
		}
		copy(l.dense.Float32(), data)
		metrics.RecordWeightLoad("weight")
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedWeightName, name)
	}
}

// QuantHost is the host-side form of a packed quantized weight tensor.
type QuantHost struct {
	Packed   []uint32
	Scales   []float32
	GroupIdx []int32
}

// Project enqueues output = input x W (per layout) on the stream. A nil
// output uses the projection's bound scratch buffer. When accumulate is
// set the multiply adds into the existing output contents. The bias
// broadcast, when present, is a separate elementwise pass on the same
// stream, so it strictly follows the multiply.
func (l *Linear) Project(st *Stream, numTokens int, input DevicePtr, output *DevicePtr, accumulate bool) (DevicePtr, error) {
	if numTokens <= 0 {
		return DevicePtr{}, fmt.Errorf("linear %s: invalid token count %d", l.Name, numTokens)
	}
	out := l.Output(numTokens)
	if output != nil {
		out = *output
	}
	if out.IsNil() {
		return DevicePtr{}, fmt.Errorf("linear %s: output buffer not bound", l.Name)
	}
	metrics.RecordProjection(numTokens)

	if l.quant != nil {
		spec := SelectKernel(numTokens, l.DimOut, l.DimIn, l.quant.Bits, l.maxSplitK)
		err := LaunchQuantGEMM(st, spec, GemmArgs{
			A:          input,
			W:          l.quant,
			C:          out,
			Ws:         l.ws,
			M:          numTokens,
			Accumulate: accumulate,
		})
		if err != nil {
			return DevicePtr{}, err
		}
	} else {
		l.enqueueDense(st, numTokens, input, out, accumulate)
	}

	if !l.bias.IsNil() {
		EnqueueBiasAdd(st, out, l.bias, numTokens, l.DimOut)
	}
	return out, nil
}

func (l *Linear) enqueueDense(st *Stream, numTokens int, input, out DevicePtr, accumulate bool) {
	var beta float32
	if accumulate {
		beta = 1
	}
	st.Enqueue("dense_matmul", func() error {
		ldb := l.DimOut
		if l.Transposed {
			ldb = l.DimIn
		}
		return st.Blas().MatMul(false, l.Transposed,
			numTokens, l.DimOut, l.DimIn, 1,
			input.Float32(), l.DimIn,
			l.dense.Float32(), ldb,
			beta, out.Float32(), l.DimOut)
	})
}
