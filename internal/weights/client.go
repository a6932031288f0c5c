// Package weights fetches named weight tensors from a Flight endpoint as
// host buffers. The compute core treats the result as opaque host memory of
// a size the projection already knows; nothing here touches device state.
package weights

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/logger"
)

const defaultTimeout = 30 * time.Second

// Fetcher resolves a tensor name to a host buffer.
type Fetcher interface {
	Fetch(ctx context.Context, name string) ([]float32, error)
	Close() error
}

// FlightClient wraps Apache Arrow Flight for weight tensor transport.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// NewFlightClient creates a client for the given address. Connect must be
// called before Fetch.
func NewFlightClient(host string, port int) *FlightClient {
	return &FlightClient{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: defaultTimeout,
	}
}

// Connect establishes the Flight connection.
func (fc *FlightClient) Connect() error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	logger.Log.Debug("flight client connected", "addr", fc.addr)
	return nil
}

// Close disconnects from the Flight server.
func (fc *FlightClient) Close() error {
	if fc.client != nil {
		return fc.client.Close()
	}
	return nil
}

// Fetch retrieves one tensor by name. The server is expected to return
// record batches with a single float32 column; batches are concatenated in
// arrival order.
func (fc *FlightClient) Fetch(ctx context.Context, name string) ([]float32, error) {
	if fc.client == nil {
		return nil, fmt.Errorf("client not connected, call Connect() first")
	}

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoGet(ctx, &flight.Ticket{Ticket: []byte(name)})
	if err != nil {
		return nil, fmt.Errorf("DoGet %q: %w", name, err)
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("record reader for %q: %w", name, err)
	}
	defer reader.Release()

	var out []float32
	for reader.Next() {
		rec := reader.Record()
		if rec.NumCols() < 1 {
			continue
		}
		col, ok := rec.Column(0).(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("tensor %q: column 0 is %s, want float32", name, rec.Column(0).DataType())
		}
		out = append(out, col.Float32Values()...)
	}
	if err := reader.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading %q: %w", name, err)
	}

	logger.Log.Debug("tensor fetched", "name", name, "elements", len(out))
	return out, nil
}
