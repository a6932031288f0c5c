// Package blas wraps the vendor dense-matmul dependency behind a narrow
// GEMM-shaped interface. The compute core supplies only shapes, strides and
// the accumulate factor; the backend is opaque. The bundled reference
// backend is a plain float32 implementation used when no vendor library is
// linked.
package blas

import (
	"fmt"
)

// Backend performs C = alpha*op(A)*op(B) + beta*C over row-major float32
// matrices. Implementations must not retain the slices past the call.
type Backend interface {
	MatMul(transA, transB bool, m, n, k int, alpha float32,
		a []float32, lda int, b []float32, ldb int,
		beta float32, c []float32, ldc int) error
}

// Context carries the backend handle shared by every stream. It mirrors how
// a vendor BLAS handle is created once and attached to each command queue.
type Context struct {
	backend Backend
}

func NewContext(backend Backend) *Context {
	if backend == nil {
		backend = Reference{}
	}
	return &Context{backend: backend}
}

func (c *Context) MatMul(transA, transB bool, m, n, k int, alpha float32,
	a []float32, lda int, b []float32, ldb int,
	beta float32, cOut []float32, ldc int) error {
	return c.backend.MatMul(transA, transB, m, n, k, alpha, a, lda, b, ldb, beta, cOut, ldc)
}

// Reference is the fallback float32 backend.
type Reference struct{}

func (Reference) MatMul(transA, transB bool, m, n, k int, alpha float32,
	a []float32, lda int, b []float32, ldb int,
	beta float32, c []float32, ldc int) error {

	if m < 0 || n < 0 || k < 0 {
		return fmt.Errorf("blas: negative dimension m=%d n=%d k=%d", m, n, k)
	}
	if ldc < n {
		return fmt.Errorf("blas: ldc=%d < n=%d", ldc, n)
	}
	if err := checkLeading("A", transA, m, k, lda, len(a)); err != nil {
		return err
	}
	if err := checkLeading("B", transB, k, n, ldb, len(b)); err != nil {
		return err
	}
	if len(c) < (m-1)*ldc+n && m > 0 {
		return fmt.Errorf("blas: C too small: len=%d need %d", len(c), (m-1)*ldc+n)
	}

	for i := 0; i < m; i++ {
		for j := 0; j < n; j++ {
			var sum float32
			for l := 0; l < k; l++ {
				av := at(a, lda, i, l, transA)
				bv := at(b, ldb, l, j, transB)
				sum += av * bv
			}
			idx := i*ldc + j
			c[idx] = alpha*sum + beta*c[idx]
		}
	}
	return nil
}

// at reads element (r, c) of a row-major matrix, transposing on the fly.
func at(m []float32, ld, r, c int, trans bool) float32 {
	if trans {
		return m[c*ld+r]
	}
	return m[r*ld+c]
}

func checkLeading(name string, trans bool, rows, cols, ld, length int) error {
	logicalRows, logicalCols := rows, cols
	if trans {
		logicalRows, logicalCols = cols, rows
	}
	if ld < logicalCols {
		return fmt.Errorf("blas: ld%s=%d < %d", name, ld, logicalCols)
	}
	if logicalRows > 0 && length < (logicalRows-1)*ld+logicalCols {
		return fmt.Errorf("blas: %s too small: len=%d need %d", name, length, (logicalRows-1)*ld+logicalCols)
	}
	return nil
}
