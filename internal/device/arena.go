package device

import (
	"fmt"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Alignment for every device allocation and scratch offset, in bytes.
const Alignment = 256

func alignUp(n int64) int64 {
	return (n + Alignment - 1) &^ (Alignment - 1)
}

// Arena owns the two device memory regions: the model region, bump-allocated
// during weight loading and never reused, and the scratch region, addressed
// by byte offsets that callers compute once at build time and replay every
// pass. There is no garbage collection and no runtime locking; offset replay
// is what keeps concurrent passes apart.
type Arena struct {
	model      []byte
	modelUsed  atomic.Int64
	modelCap   int64
	scratch    []byte
	scratchCap int64
	building   atomic.Bool
}

// NewArena reserves both regions up front from the backing allocator.
func NewArena(alloc memory.Allocator, modelBytes, scratchBytes int64) *Arena {
	if alloc == nil {
		alloc = memory.NewGoAllocator()
	}
	a := &Arena{
		model:      alloc.Allocate(int(modelBytes)),
		modelCap:   modelBytes,
		scratch:    alloc.Allocate(int(scratchBytes)),
		scratchCap: scratchBytes,
	}
	a.building.Store(true)
	logger.Log.Debug("arena reserved",
		"model_bytes", modelBytes, "scratch_bytes", scratchBytes)
	return a
}

// FinishBuild marks the end of model initialization. Persistent allocation
// after this point is a programming error.
func (a *Arena) FinishBuild() {
	a.building.Store(false)
	logger.Log.Info("arena build complete",
		"model_used", a.modelUsed.Load(), "model_cap", a.modelCap)
}

// ModelUsed returns bytes consumed from the model region.
func (a *Arena) ModelUsed() int64 {
	return a.modelUsed.Load()
}

// ScratchCap returns the scratch region capacity in bytes.
func (a *Arena) ScratchCap() int64 {
	return a.scratchCap
}

// AllocPersistent grows the model region by size bytes. The returned view is
// valid for the process lifetime and is never reclaimed.
func (a *Arena) AllocPersistent(size int64) (DevicePtr, error) {
	if !a.building.Load() {
		return DevicePtr{}, fmt.Errorf("persistent allocation after build: %d bytes", size)
	}
	if size <= 0 {
		return DevicePtr{}, fmt.Errorf("invalid persistent allocation size: %d", size)
	}
	aligned := alignUp(size)
	for {
		used := a.modelUsed.Load()
		if used+aligned > a.modelCap {
			return DevicePtr{}, fmt.Errorf("%w: need %d bytes, %d of %d used",
				ErrOutOfDeviceMemory, aligned, used, a.modelCap)
		}
		if a.modelUsed.CompareAndSwap(used, used+aligned) {
			metrics.RecordDeviceMemory(used + aligned)
			return DevicePtr{buf: a.model, off: used, n: size}, nil
		}
	}
}

// BindScratch binds slot to scratch_base+offset and returns the running
// offset for the next component. Pure address arithmetic: no device memory
// traffic. Offsets are rounded up to the alignment boundary so successive
// bindings never overlap unless the caller aliases deliberately.
func (a *Arena) BindScratch(slot *DevicePtr, offset, size int64) (int64, error) {
	if size < 0 || offset < 0 {
		return offset, fmt.Errorf("invalid scratch request: offset=%d size=%d", offset, size)
	}
	if offset+size > a.scratchCap {
		return offset, fmt.Errorf("%w: offset %d + %d bytes > %d",
			ErrScratchOverflow, offset, size, a.scratchCap)
	}
	*slot = DevicePtr{buf: a.scratch, off: offset, n: size}
	return alignUp(offset + size), nil
}

// LayoutBuilder accumulates scratch reservations and resolves them into one
// deterministic offset plan. Decouples allocation order from execution order
// and makes the layout testable in isolation.
type LayoutBuilder struct {
	names []string
	sizes []int64
}

// Layout is a resolved scratch plan.
type Layout struct {
	Offsets map[string]int64
	Sizes   map[string]int64
	Total   int64
}

func NewLayoutBuilder() *LayoutBuilder {
	return &LayoutBuilder{}
}

// Reserve records a named scratch buffer request. Duplicate names alias the
// first reservation when resolved and are rejected here instead.
func (b *LayoutBuilder) Reserve(name string, size int64) error {
	for _, n := range b.names {
		if n == name {
			return fmt.Errorf("duplicate scratch reservation %q", name)
		}
	}
	if size < 0 {
		return fmt.Errorf("invalid scratch reservation %q: %d bytes", name, size)
	}
	b.names = append(b.names, name)
	b.sizes = append(b.sizes, size)
	return nil
}

// Resolve computes offsets in reservation order. Resolving the same set of
// reservations always yields the same offsets.
func (b *LayoutBuilder) Resolve(a *Arena) (*Layout, error) {
	l := &Layout{
		Offsets: make(map[string]int64, len(b.names)),
		Sizes:   make(map[string]int64, len(b.names)),
	}
	var off int64
	for i, name := range b.names {
		l.Offsets[name] = off
		l.Sizes[name] = b.sizes[i]
		off = alignUp(off + b.sizes[i])
	}
	l.Total = off
	if a != nil && l.Total > a.scratchCap {
		return nil, fmt.Errorf("%w: layout needs %d bytes, pool holds %d",
			ErrScratchOverflow, l.Total, a.scratchCap)
	}
	metrics.RecordScratchLayout(l.Total)
	logger.Log.Debug("scratch layout resolved", "buffers", len(b.names), "total_bytes", l.Total)
	return l, nil
}

// ReservePassBuffers adds the buffers every inference pass shares: the input
// activations and the logits output, both sized for the maximum token count.
// Components reserve their own private buffers on top of these.
func ReservePassBuffers(b *LayoutBuilder, maxTokens, dim, vocabSize int) error {
	if maxTokens <= 0 || dim <= 0 || vocabSize <= 0 {
		return fmt.Errorf("invalid pass buffer shape: tokens=%d dim=%d vocab=%d",
			maxTokens, dim, vocabSize)
	}
	if err := b.Reserve("input", int64(maxTokens*dim)*4); err != nil {
		return err
	}
	return b.Reserve("logits", int64(maxTokens*vocabSize)*4)
}

// Bind points slot at the named buffer within the resolved layout.
func (l *Layout) Bind(a *Arena, name string, slot *DevicePtr) error {
	off, ok := l.Offsets[name]
	if !ok {
		return fmt.Errorf("unknown scratch buffer %q", name)
	}
	_, err := a.BindScratch(slot, off, l.Sizes[name])
	return err
}
