package device

import (
	"fmt"
)

// OutputHead wraps a Linear projection for the final logits computation:
// every input element is rescaled by a fixed architecture constant before
// the projection runs. The scale lives here, not in the weight data, so
// quantization scale calibration never sees it. Composition, not
// inheritance: the head owns a projection and calls it.
type OutputHead struct {
	Scale float32

	proj *Linear
	tmp  DevicePtr // numTokens x DimIn rescale buffer
}

func NewOutputHead(proj *Linear, scale float32) (*OutputHead, error) {
	if proj == nil {
		return nil, fmt.Errorf("output head: nil projection")
	}
	if scale == 0 {
		scale = 1
	}
	return &OutputHead{Scale: scale, proj: proj}, nil
}

// Projection exposes the wrapped Linear, e.g. for weight loading.
func (h *OutputHead) Projection() *Linear {
	return h.proj
}

// ReserveScratch reserves the private rescale temporary plus the wrapped
// projection's buffers.
func (h *OutputHead) ReserveScratch(b *LayoutBuilder, maxTokens int) error {
	if err := b.Reserve(h.proj.Name+".head_tmp", int64(maxTokens*h.proj.DimIn)*4); err != nil {
		return err
	}
	return h.proj.ReserveScratch(b, maxTokens)
}

func (h *OutputHead) BindScratch(a *Arena, layout *Layout, maxTokens int) error {
	if err := layout.Bind(a, h.proj.Name+".head_tmp", &h.tmp); err != nil {
		return err
	}
	return h.proj.BindScratch(a, layout, maxTokens)
}

// Project rescales the input into the private temporary, then runs the
// wrapped projection on it. Both operations ride the same stream, so the
// projection reads the fully rescaled buffer.
func (h *OutputHead) Project(st *Stream, numTokens int, input DevicePtr, output *DevicePtr) (DevicePtr, error) {
	if h.tmp.IsNil() {
		return DevicePtr{}, fmt.Errorf("output head %s: scratch not bound", h.proj.Name)
	}
	count := numTokens * h.proj.DimIn
	EnqueueScale(st, input, h.tmp, h.Scale, count)
	return h.proj.Project(st, numTokens, h.tmp, output, false)
}
