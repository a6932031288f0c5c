package device

import (
	"sync"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/blas"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
)

// Stream is an ordered asynchronous command queue. Operations enqueued on
// one stream run in enqueue order; independent streams are unordered with
// respect to each other. The stream also carries the dense-matmul context so
// BLAS calls and custom kernels share completion semantics. There is no
// cancellation: once enqueued, an operation runs to completion.
type Stream struct {
	tasks chan task
	wg    sync.WaitGroup
	done  chan struct{}

	mu   sync.Mutex
	err  error
	blas *blas.Context
}

type task struct {
	name string
	fn   func() error
}

// NewStream starts the stream worker. The blas context may be shared across
// streams.
func NewStream(b *blas.Context) *Stream {
	if b == nil {
		b = blas.NewContext(nil)
	}
	s := &Stream{
		tasks: make(chan task, 256),
		done:  make(chan struct{}),
		blas:  b,
	}
	go s.worker()
	return s
}

func (s *Stream) worker() {
	for t := range s.tasks {
		start := time.Now()
		if err := t.fn(); err != nil {
			s.recordErr(t.name, err)
		}
		metrics.RecordKernelDuration(t.name, time.Since(start))
		s.wg.Done()
	}
	close(s.done)
}

func (s *Stream) recordErr(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = execFailure(op, err)
		metrics.RecordStreamFailure()
	}
}

// Blas returns the dense-matmul context attached to this stream.
func (s *Stream) Blas() *blas.Context {
	return s.blas
}

// Enqueue adds a named operation to the stream. The name tags the kernel
// duration metric.
func (s *Stream) Enqueue(name string, fn func() error) {
	s.wg.Add(1)
	s.tasks <- task{name: name, fn: fn}
}

// Synchronize blocks until every enqueued operation has completed and
// returns the first device execution failure observed, if any. The error
// is sticky: a failed pass leaves inconsistent partial state behind.
func (s *Stream) Synchronize() error {
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close drains the stream and stops the worker.
func (s *Stream) Close() error {
	err := s.Synchronize()
	close(s.tasks)
	<-s.done
	return err
}
