package device

import "fmt"

// Elementwise passes used by the projection paths. Each is a separate
// enqueued operation, so ordering against the preceding multiply comes from
// the stream, not from fusion.

// EnqueueScale writes dst = src * scale over count float32 elements.
func EnqueueScale(st *Stream, src, dst DevicePtr, scale float32, count int) {
	st.Enqueue("elementwise_scale", func() error {
		if src.Len() < int64(count)*4 || dst.Len() < int64(count)*4 {
			return fmt.Errorf("scale: buffers %d/%d bytes, need %d", src.Len(), dst.Len(), count*4)
		}
		in := src.Float32()
		out := dst.Float32()
		for i := 0; i < count; i++ {
			out[i] = in[i] * scale
		}
		return nil
	})
}

// EnqueueBiasAdd broadcast-adds bias[j] to every row of the m x n output.
func EnqueueBiasAdd(st *Stream, c, bias DevicePtr, m, n int) {
	st.Enqueue("elementwise_bias_add", func() error {
		if c.Len() < int64(m*n)*4 {
			return fmt.Errorf("bias add: output %d bytes, need %d", c.Len(), m*n*4)
		}
		if bias.Len() < int64(n)*4 {
			return fmt.Errorf("bias add: bias %d bytes, need %d", bias.Len(), n*4)
		}
		out := c.Float32()
		b := bias.Float32()
		for i := 0; i < m; i++ {
			row := out[i*n : (i+1)*n]
			for j := 0; j < n; j++ {
				row[j] += b[j]
			}
		}
		return nil
	})
}

// EnqueueAdd writes dst += src over count float32 elements (residual fuse).
func EnqueueAdd(st *Stream, src, dst DevicePtr, count int) {
	st.Enqueue("elementwise_add", func() error {
		if src.Len() < int64(count)*4 || dst.Len() < int64(count)*4 {
			return fmt.Errorf("add: buffers %d/%d bytes, need %d", src.Len(), dst.Len(), count*4)
		}
		in := src.Float32()
		out := dst.Float32()
		for i := 0; i < count; i++ {
			out[i] += in[i]
		}
		return nil
	})
}
