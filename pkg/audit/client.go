// Package audit provides components for capturing, storing, and querying audit logs.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gati-run/gati/pkg/logger"
)

// collectorServiceName is the gRPC service path of a remote audit collector.
// As elsewhere in the runtime's RPC surfaces, entries are boxed into
// structpb.Struct so the default proto codec frames them without a
// generated stub.
const collectorServiceName = "gati.audit.AuditCollector"

// GRPCClient implements the audit.Logger interface by sending audit events
// to an external audit collector via gRPC. It buffers events and sends them
// in batches for efficiency.
type GRPCClient struct {
	conn   *grpc.ClientConn
	config *GRPCClientConfig
	buffer chan *Entry
	done   chan struct{}
	wg     sync.WaitGroup
}

// GRPCClientConfig holds configuration parameters for the GRPCClient.
type GRPCClientConfig struct {
	Address      string        // Address of the audit collector (e.g., "localhost:50057").
	Timeout      time.Duration // Timeout for gRPC calls.
	BufferSize   int           // Size of the internal buffer for audit entries.
	BatchSize    int           // Maximum number of entries to send in a single batch.
	FlushPeriod  time.Duration // Period after which buffered entries are flushed.
	MaxRetries   int           // Not read by GRPCClient; failed sends are not retried.
	RetryBackoff time.Duration // Not read by GRPCClient.
}

// DefaultGRPCClientConfig returns a GRPCClientConfig struct with default values.
func DefaultGRPCClientConfig() *GRPCClientConfig {
	return &GRPCClientConfig{
		Address:      "localhost:50057",
		Timeout:      5 * time.Second,
		BufferSize:   10000,
		BatchSize:    100,
		FlushPeriod:  5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}

// NewGRPCClient creates and initializes a new GRPCClient.
// It establishes a gRPC connection to the audit collector and starts a
// background process for buffering and sending audit events.
func NewGRPCClient(ctx context.Context, cfg *GRPCClientConfig) (*GRPCClient, error) {
	if cfg == nil {
		cfg = DefaultGRPCClientConfig()
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, err
	}
	_ = ctx

	c := &GRPCClient{
		conn:   conn,
		config: cfg,
		buffer: make(chan *Entry, cfg.BufferSize),
		done:   make(chan struct{}),
	}

	c.wg.Add(1)
	go c.processLoop()

	return c, nil
}

// Log sends an audit entry to the gRPC client's buffer. If the buffer is full,
// it attempts to send the entry synchronously.
func (c *GRPCClient) Log(ctx context.Context, entry *Entry) error {
	select {
	case c.buffer <- entry:
		return nil
	default:
		// Buffer is full, attempt to send synchronously
		return c.sendSingle(ctx, entry)
	}
}

// Query is not supported by the GRPCClient and will return a nil slice and nil error.
// The collector might provide its own query functionality.
func (c *GRPCClient) Query(ctx context.Context, filter *QueryFilter) ([]*Entry, error) {
	return nil, nil
}

// Close shuts down the GRPCClient, stopping the background processing loop,
// flushing any remaining buffered events, and closing the gRPC connection.
func (c *GRPCClient) Close() error {
	close(c.done)
	c.wg.Wait() // Wait for processLoop to finish
	return c.conn.Close()
}

// processLoop is a goroutine that continuously reads from the buffer,
// aggregates entries into batches, and periodically flushes them to the
// collector via gRPC.
func (c *GRPCClient) processLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.FlushPeriod)
	defer ticker.Stop()

	batch := make([]*Entry, 0, c.config.BatchSize)

	for {
		select {
		case <-c.done:
			// Drain and send any remaining entries before exiting
		drain:
			for {
				select {
				case entry := <-c.buffer:
					batch = append(batch, entry)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				c.sendBatch(context.Background(), batch)
			}
			return

		case entry := <-c.buffer:
			batch = append(batch, entry)
			if len(batch) >= c.config.BatchSize {
				c.sendBatch(context.Background(), batch)
				batch = make([]*Entry, 0, c.config.BatchSize) // Reset batch
			}

		case <-ticker.C:
			if len(batch) > 0 {
				c.sendBatch(context.Background(), batch)
				batch = make([]*Entry, 0, c.config.BatchSize) // Reset batch
			}
		}
	}
}

// sendSingle sends a single audit entry to the collector.
func (c *GRPCClient) sendSingle(ctx context.Context, entry *Entry) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := entriesToStruct([]*Entry{entry})
	if err != nil {
		logger.Log.Warn("Failed to encode audit event", "error", err)
		return err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+collectorServiceName+"/LogEvent", req, resp); err != nil {
		logger.Log.Warn("Failed to send audit event", "error", err)
		return err
	}
	return nil
}

// sendBatch sends a batch of audit entries to the collector.
func (c *GRPCClient) sendBatch(ctx context.Context, entries []*Entry) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := entriesToStruct(entries)
	if err != nil {
		logger.Log.Warn("Failed to encode audit batch", "error", err, "count", len(entries))
		return
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+collectorServiceName+"/LogEventBatch", req, resp); err != nil {
		logger.Log.Warn("Failed to send audit batch", "error", err, "count", len(entries))
		return
	}

	fields := resp.GetFields()
	if failed := int64(fields["failed_count"].GetNumberValue()); failed > 0 {
		logger.Log.Warn("Some audit events failed",
			"logged", int64(fields["logged_count"].GetNumberValue()),
			"failed", failed,
		)
	}
}

// entriesToStruct boxes entries into the wire struct: each entry serializes
// through its JSON form, so the collector sees the same shape the file and
// stdout backends write.
func entriesToStruct(entries []*Entry) (*structpb.Struct, error) {
	encoded := make([]any, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		encoded = append(encoded, m)
	}
	return structpb.NewStruct(map[string]any{"entries": encoded})
}
