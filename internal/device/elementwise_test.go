package device

import "testing"

func TestEnqueueScale(t *testing.T) {
	a := newTestArena(t)
	src := devFloat32(t, a, []float32{1, -2, 3, 4})
	dst := devFloat32(t, a, make([]float32, 4))

	st := NewStream(nil)
	defer st.Close()
	EnqueueScale(st, src, dst, 0.5, 4)
	if err := st.Synchronize(); err != nil {
		t.Fatal(err)
	}
	checkClose(t, dst.Float32()[:4], []float32{0.5, -1, 1.5, 2}, 1e-6)
}

func TestEnqueueBiasAdd(t *testing.T) {
	a := newTestArena(t)
	c := devFloat32(t, a, []float32{1, 2, 3, 4, 5, 6})
	bias := devFloat32(t, a, []float32{10, 20, 30})

	st := NewStream(nil)
	defer st.Close()
	EnqueueBiasAdd(st, c, bias, 2, 3)
	if err := st.Synchronize(); err != nil {
		t.Fatal(err)
	}
	checkClose(t, c.Float32()[:6], []float32{11, 22, 33, 14, 25, 36}, 1e-6)
}

func TestEnqueueAdd(t *testing.T) {
	a := newTestArena(t)
	src := devFloat32(t, a, []float32{1, 1, 1})
	dst := devFloat32(t, a, []float32{5, 6, 7})

	st := NewStream(nil)
	defer st.Close()
	EnqueueAdd(st, src, dst, 3)
	if err := st.Synchronize(); err != nil {
		t.Fatal(err)
	}
	checkClose(t, dst.Float32()[:3], []float32{6, 7, 8}, 1e-6)
}

func TestElementwiseSizeValidation(t *testing.T) {
	a := newTestArena(t)
	small := devFloat32(t, a, []float32{1})

	st := NewStream(nil)
	defer st.Close()
	EnqueueScale(st, small, small, 1, 100)
	if err := st.Synchronize(); err == nil {
		t.Fatal("oversized count accepted")
	}
}
