package device

import (
	"unsafe"
)

// DevicePtr is a view into a pool-owned buffer: base region, byte offset and
// length. Buffers are never relocated after allocation, so views stay valid
// for the process lifetime. The typed accessors reinterpret the same bytes;
// offsets are always alignment-rounded so the casts are safe.
type DevicePtr struct {
	buf []byte
	off int64
	n   int64
}

// IsNil reports whether the pointer is unbound.
func (d DevicePtr) IsNil() bool {
	return d.buf == nil
}

// Len returns the view length in bytes.
func (d DevicePtr) Len() int64 {
	return d.n
}

// Offset returns an aliased view advanced by the given byte count.
// Aliasing is explicit: the caller opts into in-place reuse.
func (d DevicePtr) Offset(bytes int64) DevicePtr {
	return DevicePtr{buf: d.buf, off: d.off + bytes, n: d.n - bytes}
}

// Slice returns an aliased sub-view of the given byte length.
func (d DevicePtr) Slice(bytes int64) DevicePtr {
	if bytes > d.n {
		bytes = d.n
	}
	return DevicePtr{buf: d.buf, off: d.off, n: bytes}
}

func (d DevicePtr) Bytes() []byte {
	if d.buf == nil {
		return nil
	}
	return d.buf[d.off : d.off+d.n]
}

func (d DevicePtr) Float32() []float32 {
	if d.buf == nil || d.n < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&d.buf[d.off])), d.n/4)
}

func (d DevicePtr) Uint32() []uint32 {
	if d.buf == nil || d.n < 4 {
		return nil
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&d.buf[d.off])), d.n/4)
}

func (d DevicePtr) Int32() []int32 {
	if d.buf == nil || d.n < 4 {
		return nil
	}
	return unsafe.Slice((*int32)(unsafe.Pointer(&d.buf[d.off])), d.n/4)
}

func (d DevicePtr) Uint16() []uint16 {
	if d.buf == nil || d.n < 2 {
		return nil
	}
	return unsafe.Slice((*uint16)(unsafe.Pointer(&d.buf[d.off])), d.n/2)
}
