package device

import (
	"errors"
	"math/rand"
	"testing"
)

// buildLinear allocates a projection and binds its scratch buffers through a
// private layout, the way a model build does.
func buildLinear(t *testing.T, a *Arena, name string, dimIn, dimOut, maxTokens int, opts LinearOpts) *Linear {
	t.Helper()
	l, err := NewLinear(a, name, dimIn, dimOut, opts)
	if err != nil {
		t.Fatal(err)
	}
	b := NewLayoutBuilder()
	if err := l.ReserveScratch(b, maxTokens); err != nil {
		t.Fatal(err)
	}
	layout, err := b.Resolve(a)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.BindScratch(a, layout, maxTokens); err != nil {
		t.Fatal(err)
	}
	return l
}

func project(t *testing.T, l *Linear, numTokens int, input DevicePtr, accumulate bool) []float32 {
	t.Helper()
	st := NewStream(nil)
	defer st.Close()
	out, err := l.Project(st, numTokens, input, nil, accumulate)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Synchronize(); err != nil {
		t.Fatal(err)
	}
	// Copy out of scratch: separate test layouts alias the same offsets.
	return append([]float32(nil), out.Float32()[:numTokens*l.DimOut]...)
}

func TestLinearQuantMatchesDense(t *testing.T) {
	const dimIn, dimOut, tokens = 96, 64, 5
	a := newTestArena(t)
	rng := rand.New(rand.NewSource(21))

	w := make([]float32, dimIn*dimOut)
	for i := range w {
		w[i] = rng.Float32()*2 - 1
	}
	act := make([]float32, tokens*dimIn)
	for i := range act {
		act[i] = rng.Float32()*2 - 1
	}

	lq := buildLinear(t, a, "proj_q", dimIn, dimOut, tokens, LinearOpts{Bits: 4, GroupSize: 32})
	packed, scales, err := Quantize(w, dimIn, dimOut, 4, 32)
	if err != nil {
		t.Fatal(err)
	}
	if err := lq.LoadWeight("proj_q.weight", &QuantHost{Packed: packed, Scales: scales}); err != nil {
		t.Fatal(err)
	}
	if !lq.Quantized() {
		t.Fatal("expected quantized storage")
	}

	// The dense twin carries the dequantized weights, so both paths compute
	// the same mathematical product.
	deq := make([]float32, dimIn*dimOut)
	if err := lq.quant.DequantizeTo(deq); err != nil {
		t.Fatal(err)
	}
	ld := buildLinear(t, a, "proj_d", dimIn, dimOut, tokens, LinearOpts{})
	if err := ld.LoadWeight("proj_d.weight", deq); err != nil {
		t.Fatal(err)
	}

	input := devFloat32(t, a, act)
	got := project(t, lq, tokens, input, false)
	want := project(t, ld, tokens, input, false)
	checkClose(t, got, want, 1e-3)
}

func TestLinearTransposedDense(t *testing.T) {
	const dimIn, dimOut, tokens = 16, 8, 3
	a := newTestArena(t)
	rng := rand.New(rand.NewSource(22))

	w := make([]float32, dimIn*dimOut) // [dimIn, dimOut]
	for i := range w {
		w[i] = rng.Float32()*2 - 1
	}
	wT := make([]float32, dimOut*dimIn) // same weights stored [dimOut, dimIn]
	for i := 0; i < dimIn; i++ {
		for j := 0; j < dimOut; j++ {
			wT[j*dimIn+i] = w[i*dimOut+j]
		}
	}
	act := make([]float32, tokens*dimIn)
	for i := range act {
		act[i] = rng.Float32()*2 - 1
	}

	plain := buildLinear(t, a, "plain", dimIn, dimOut, tokens, LinearOpts{})
	if err := plain.LoadWeight("plain.weight", w); err != nil {
		t.Fatal(err)
	}
	trans := buildLinear(t, a, "trans", dimIn, dimOut, tokens, LinearOpts{Transposed: true})
	if err := trans.LoadWeight("trans.weight", wT); err != nil {
		t.Fatal(err)
	}

	input := devFloat32(t, a, act)
	checkClose(t, project(t, trans, tokens, input, false),
		project(t, plain, tokens, input, false), 1e-4)
}

func TestLinearBiasFollowsMultiply(t *testing.T) {
	const dimIn, dimOut, tokens = 32, 16, 4
	a := newTestArena(t)
	rng := rand.New(rand.NewSource(23))

	w := make([]float32, dimIn*dimOut)
	for i := range w {
		w[i] = rng.Float32()*2 - 1
	}
	bias := make([]float32, dimOut)
	for i := range bias {
		bias[i] = float32(i) + 0.5
	}
	act := make([]float32, tokens*dimIn)
	for i := range act {
		act[i] = rng.Float32()*2 - 1
	}

	noBias := buildLinear(t, a, "nb", dimIn, dimOut, tokens, LinearOpts{})
	if err := noBias.LoadWeight("nb.weight", w); err != nil {
		t.Fatal(err)
	}
	withBias := buildLinear(t, a, "wb", dimIn, dimOut, tokens, LinearOpts{HasBias: true})
	if err := withBias.LoadWeight("wb.weight", w); err != nil {
		t.Fatal(err)
	}
	if err := withBias.LoadWeight("wb.bias", bias); err != nil {
		t.Fatal(err)
	}

	input := devFloat32(t, a, act)
	base := project(t, noBias, tokens, input, false)
	got := project(t, withBias, tokens, input, false)
	want := make([]float32, len(base))
	for i := range want {
		want[i] = base[i] + bias[i%dimOut]
	}
	checkClose(t, got, want, 1e-4)
}

func TestLinearAccumulate(t *testing.T) {
	const dimIn, dimOut, tokens = 64, 32, 2
	a := newTestArena(t)
	rng := rand.New(rand.NewSource(24))

	w := make([]float32, dimIn*dimOut)
	for i := range w {
		w[i] = rng.Float32()*2 - 1
	}
	act := make([]float32, tokens*dimIn)
	for i := range act {
		act[i] = rng.Float32()*2 - 1
	}

	l := buildLinear(t, a, "acc", dimIn, dimOut, tokens, LinearOpts{Bits: 4, GroupSize: -1})
	packed, scales, err := Quantize(w, dimIn, dimOut, 4, -1)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.LoadWeight("acc.weight", &QuantHost{Packed: packed, Scales: scales}); err != nil {
		t.Fatal(err)
	}

	input := devFloat32(t, a, act)
	once := append([]float32(nil), project(t, l, tokens, input, false)...)

	// A second pass with accumulation doubles the output in place.
	st := NewStream(nil)
	defer st.Close()
	if _, err := l.Project(st, tokens, input, nil, false); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Project(st, tokens, input, nil, true); err != nil {
		t.Fatal(err)
	}
	if err := st.Synchronize(); err != nil {
		t.Fatal(err)
	}
	got := l.Output(tokens).Float32()[:tokens*dimOut]
	want := make([]float32, len(once))
	for i := range want {
		want[i] = 2 * once[i]
	}
	checkClose(t, got, want, 1e-3)
}

func TestLinearExplicitOutput(t *testing.T) {
	const dimIn, dimOut, tokens = 16, 8, 2
	a := newTestArena(t)

	w := make([]float32, dimIn*dimOut)
	for i := range w {
		w[i] = 0.01 * float32(i)
	}
	l := buildLinear(t, a, "ex", dimIn, dimOut, tokens, LinearOpts{})
	if err := l.LoadWeight("ex.weight", w); err != nil {
		t.Fatal(err)
	}

	act := make([]float32, tokens*dimIn)
	for i := range act {
		act[i] = 1
	}
	input := devFloat32(t, a, act)
	ext := devFloat32(t, a, make([]float32, tokens*dimOut))

	st := NewStream(nil)
	defer st.Close()
	out, err := l.Project(st, tokens, input, &ext, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Synchronize(); err != nil {
		t.Fatal(err)
	}
	if &out.Float32()[0] != &ext.Float32()[0] {
		t.Fatal("projection ignored the explicit output buffer")
	}
	checkClose(t, ext.Float32()[:tokens*dimOut],
		project(t, l, tokens, input, false), 1e-4)
}

func TestLinearLoadWeightNames(t *testing.T) {
	a := newTestArena(t)
	l := buildLinear(t, a, "lw", 8, 4, 1, LinearOpts{})

	err := l.LoadWeight("lw.scales", []float32{1})
	if !errors.Is(err, ErrUnsupportedWeightName) {
		t.Fatalf("expected ErrUnsupportedWeightName, got %v", err)
	}
	if err := l.LoadWeight("lw.bias", []float32{1, 2, 3, 4}); err == nil {
		t.Fatal("bias load accepted without bias storage")
	}
	if err := l.LoadWeight("lw.weight", make([]float32, 3)); err == nil {
		t.Fatal("short weight accepted")
	}
	if err := l.LoadWeight("lw.weight", "not a tensor"); err == nil {
		t.Fatal("wrong host type accepted")
	}
	if err := l.LoadWeight("lw.weight", make([]float32, 32)); err != nil {
		t.Fatal(err)
	}
}
