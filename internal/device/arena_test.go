package device

import (
	"errors"
	"testing"
)

func newTestArena(t *testing.T) *Arena {
	t.Helper()
	return NewArena(nil, 4<<20, 4<<20)
}

func TestAllocPersistentAlignment(t *testing.T) {
	a := newTestArena(t)

	p1, err := a.AllocPersistent(10)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := a.AllocPersistent(10)
	if err != nil {
		t.Fatal(err)
	}
	if p1.off%Alignment != 0 || p2.off%Alignment != 0 {
		t.Fatalf("unaligned offsets: %d, %d", p1.off, p2.off)
	}
	if p2.off-p1.off < 10 {
		t.Fatal("persistent allocations overlap")
	}
}

func TestAllocPersistentExhaustion(t *testing.T) {
	a := NewArena(nil, 1024, 1024)
	if _, err := a.AllocPersistent(512); err != nil {
		t.Fatal(err)
	}
	_, err := a.AllocPersistent(1024)
	if !errors.Is(err, ErrOutOfDeviceMemory) {
		t.Fatalf("expected ErrOutOfDeviceMemory, got %v", err)
	}
}

func TestAllocPersistentAfterBuild(t *testing.T) {
	a := newTestArena(t)
	a.FinishBuild()
	if _, err := a.AllocPersistent(64); err == nil {
		t.Fatal("persistent allocation accepted after build")
	}
}

func TestBindScratchOffsetThreading(t *testing.T) {
	a := newTestArena(t)

	var p1, p2, p3 DevicePtr
	off, err := a.BindScratch(&p1, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if off != Alignment {
		t.Fatalf("next offset = %d, want %d", off, Alignment)
	}
	off, err = a.BindScratch(&p2, off, 300)
	if err != nil {
		t.Fatal(err)
	}
	if off != 3*Alignment {
		t.Fatalf("next offset = %d, want %d", off, 3*Alignment)
	}

	// Explicit aliasing: rebinding at an old offset is allowed.
	if _, err := a.BindScratch(&p3, 0, 100); err != nil {
		t.Fatal(err)
	}
	p1.Float32()[0] = 42
	if p3.Float32()[0] != 42 {
		t.Fatal("aliased binding does not share memory")
	}
}

func TestBindScratchOverflow(t *testing.T) {
	a := NewArena(nil, 1024, 1024)
	var p DevicePtr
	_, err := a.BindScratch(&p, 512, 1024)
	if !errors.Is(err, ErrScratchOverflow) {
		t.Fatalf("expected ErrScratchOverflow, got %v", err)
	}
}

func TestLayoutDeterministicReplay(t *testing.T) {
	resolve := func() *Layout {
		b := NewLayoutBuilder()
		for _, r := range []struct {
			name string
			size int64
		}{{"input", 4096}, {"head_tmp", 100}, {"logits", 128000}} {
			if err := b.Reserve(r.name, r.size); err != nil {
				t.Fatal(err)
			}
		}
		l, err := b.Resolve(nil)
		if err != nil {
			t.Fatal(err)
		}
		return l
	}

	l1 := resolve()
	l2 := resolve()
	if l1.Total != l2.Total {
		t.Fatalf("totals differ: %d vs %d", l1.Total, l2.Total)
	}
	for name, off := range l1.Offsets {
		if l2.Offsets[name] != off {
			t.Fatalf("offset for %q differs: %d vs %d", name, off, l2.Offsets[name])
		}
	}
	for _, off := range l1.Offsets {
		if off%Alignment != 0 {
			t.Fatalf("unaligned layout offset %d", off)
		}
	}
}

func TestLayoutRejectsDuplicatesAndOverflow(t *testing.T) {
	b := NewLayoutBuilder()
	if err := b.Reserve("x", 100); err != nil {
		t.Fatal(err)
	}
	if err := b.Reserve("x", 100); err == nil {
		t.Fatal("duplicate reservation accepted")
	}

	big := NewLayoutBuilder()
	if err := big.Reserve("huge", 1<<30); err != nil {
		t.Fatal(err)
	}
	a := NewArena(nil, 1024, 1024)
	if _, err := big.Resolve(a); !errors.Is(err, ErrScratchOverflow) {
		t.Fatalf("expected ErrScratchOverflow, got %v", err)
	}
}

func TestReservePassBuffers(t *testing.T) {
	b := NewLayoutBuilder()
	if err := ReservePassBuffers(b, 64, 1024, 32000); err != nil {
		t.Fatal(err)
	}
	l, err := b.Resolve(nil)
	if err != nil {
		t.Fatal(err)
	}
	if l.Sizes["input"] != 64*1024*4 {
		t.Fatalf("input size = %d", l.Sizes["input"])
	}
	if l.Sizes["logits"] != 64*32000*4 {
		t.Fatalf("logits size = %d", l.Sizes["logits"])
	}
	if err := ReservePassBuffers(NewLayoutBuilder(), 0, 8, 8); err == nil {
		t.Fatal("zero token count accepted")
	}
}

func TestLayoutBind(t *testing.T) {
	a := newTestArena(t)
	b := NewLayoutBuilder()
	if err := b.Reserve("buf", 1024); err != nil {
		t.Fatal(err)
	}
	l, err := b.Resolve(a)
	if err != nil {
		t.Fatal(err)
	}

	var p DevicePtr
	if err := l.Bind(a, "buf", &p); err != nil {
		t.Fatal(err)
	}
	if p.Len() != 1024 {
		t.Fatalf("bound length = %d", p.Len())
	}
	if err := l.Bind(a, "missing", &p); err == nil {
		t.Fatal("bind of unknown buffer accepted")
	}
}
