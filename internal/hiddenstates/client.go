// Package hiddenstates transports target-model hidden states over Apache
// Arrow Flight. Rows are fixed-size float32 lists so a fetched stream maps
// directly onto the fusion projection input.
package hiddenstates

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AndreHathora/SpecForge/internal/logger"
	"github.com/AndreHathora/SpecForge/internal/tensor"
)

const DefaultPort = 3000

// Client wraps a Flight connection to a hidden-state server.
type Client struct {
	addr    string
	timeout time.Duration
	fc      flight.Client
	mem     memory.Allocator
}

// NewClient prepares a client for the given address; Connect establishes
// the connection.
func NewClient(host string, port int) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	return &Client{
		addr:    fmt.Sprintf("%s:%d", host, port),
		timeout: 30 * time.Second,
		mem:     memory.NewGoAllocator(),
	}
}

// Connect dials the Flight server.
func (c *Client) Connect(ctx context.Context) error {
	fc, err := flight.NewClientWithMiddleware(c.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("hiddenstates: connect %s: %w", c.addr, err)
	}
	c.fc = fc
	logger.Log.Info("connected to hidden-state server", "addr", c.addr)
	return nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	if c.fc != nil {
		return c.fc.Close()
	}
	return nil
}

func schemaFor(dim int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "hidden", Type: arrow.FixedSizeListOf(int32(dim), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

// Publish streams rows of hidden-state vectors to the server under path.
// All rows must share one dimension.
func (c *Client) Publish(ctx context.Context, path string, rows [][]float32) error {
	if c.fc == nil {
		return fmt.Errorf("hiddenstates: not connected")
	}
	if len(rows) == 0 {
		return fmt.Errorf("hiddenstates: no rows to publish")
	}
	dim := len(rows[0])
	for i, row := range rows {
		if len(row) != dim {
			return fmt.Errorf("hiddenstates: row %d has dimension %d, want %d", i, len(row), dim)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.fc.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("hiddenstates: DoPut: %w", err)
	}

	schema := schemaFor(dim)
	wtr := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	wtr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{path},
	})

	b := array.NewFixedSizeListBuilder(c.mem, int32(dim), arrow.PrimitiveTypes.Float32)
	defer b.Release()
	vb := b.ValueBuilder().(*array.Float32Builder)
	for _, row := range rows {
		b.Append(true)
		vb.AppendValues(row, nil)
	}
	col := b.NewArray()
	defer col.Release()

	rec := array.NewRecord(schema, []arrow.Array{col}, int64(len(rows)))
	defer rec.Release()

	if err := wtr.Write(rec); err != nil {
		wtr.Close()
		return fmt.Errorf("hiddenstates: write record: %w", err)
	}
	if err := wtr.Close(); err != nil {
		return fmt.Errorf("hiddenstates: close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("hiddenstates: close stream: %w", err)
	}

	logger.Log.Debug("published hidden states", "rows", len(rows), "dim", dim, "path", path)
	return nil
}

// Fetch retrieves all hidden-state rows for a ticket.
func (c *Client) Fetch(ctx context.Context, ticket []byte) ([][]float32, error) {
	if c.fc == nil {
		return nil, fmt.Errorf("hiddenstates: not connected")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	stream, err := c.fc.DoGet(ctx, &flight.Ticket{Ticket: ticket})
	if err != nil {
		return nil, fmt.Errorf("hiddenstates: DoGet: %w", err)
	}
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("hiddenstates: open stream: %w", err)
	}
	defer rdr.Release()

	var rows [][]float32
	for rdr.Next() {
		rec := rdr.Record()
		col, ok := rec.Column(0).(*array.FixedSizeList)
		if !ok {
			return nil, fmt.Errorf("hiddenstates: column 0 is %T, want fixed-size list", rec.Column(0))
		}
		values, ok := col.ListValues().(*array.Float32)
		if !ok {
			return nil, fmt.Errorf("hiddenstates: list values are %T, want float32", col.ListValues())
		}
		dim := int(col.DataType().(*arrow.FixedSizeListType).Len())
		for i := 0; i < col.Len(); i++ {
			row := make([]float32, dim)
			copy(row, values.Float32Values()[i*dim:(i+1)*dim])
			rows = append(rows, row)
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("hiddenstates: read stream: %w", err)
	}

	logger.Log.Debug("fetched hidden states", "rows", len(rows))
	return rows, nil
}

// AsTensor packs fetched rows into a [1, rows, dim] tensor.
func AsTensor(rows [][]float32) (*tensor.Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("hiddenstates: no rows")
	}
	dim := len(rows[0])
	out := tensor.New(1, len(rows), dim)
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("hiddenstates: row %d has dimension %d, want %d", i, len(row), dim)
		}
		copy(out.Data()[i*dim:(i+1)*dim], row)
	}
	return out, nil
}
