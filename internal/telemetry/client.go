package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/hearthline/hearth-core/internal/bus"
	"github.com/hearthline/hearth-core/internal/event"
	"github.com/hearthline/hearth-core/internal/infrastructure/config"
	"github.com/hearthline/hearth-core/internal/job"
)

// Default timeouts for InfluxDB operations.
const (
	defaultConnectTimeout = 10 * time.Second
	defaultPingTimeout    = 5 * time.Second

	// millisecondsPerSecond converts seconds to milliseconds for the InfluxDB API.
	millisecondsPerSecond = 1000
)

// Logger defines the logging interface used by the Client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Client wraps the InfluxDB v2 client for state telemetry.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - Write operations are non-blocking and batched.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	cfg      config.InfluxDBConfig
	logger   Logger

	connected bool
	mu        sync.RWMutex

	unsubscribe func()
}

// Connect establishes a connection to the InfluxDB server and configures
// the non-blocking write API with batching. Async write failures surface
// through the error channel and are logged.
func Connect(cfg config.InfluxDBConfig, logger Logger) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if logger == nil {
		logger = noopLogger{}
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	// #nosec G115 -- values validated above to be positive
	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	c := &Client{
		client:    client,
		writeAPI:  writeAPI,
		cfg:       cfg,
		logger:    logger,
		connected: true,
	}

	go c.handleWriteErrors(writeAPI.Errors())

	return c, nil
}

// handleWriteErrors processes async write errors from the WriteAPI.
func (c *Client) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		c.logger.Error("telemetry write failed", "error", err)
	}
}

// Attach subscribes the client to state changes on b. Writes are batched
// inside the influx client, so the subscriber runs as a deferred task.
func (c *Client) Attach(b *bus.Bus) error {
	j, err := job.NewDeferred("telemetry:record", func(ctx context.Context, ev *event.Event) error {
		c.WriteStateChange(ev)
		return nil
	})
	if err != nil {
		return err
	}

	unsubscribe, err := b.Subscribe(event.TopicStateChanged, j)
	if err != nil {
		return fmt.Errorf("subscribing telemetry: %w", err)
	}
	c.unsubscribe = unsubscribe

	c.logger.Info("telemetry attached", "bucket", c.cfg.Bucket)
	return nil
}

// WriteStateChange records a state_changed event. Only numeric payloads
// produce fields; a state with no numeric status or attributes is skipped.
func (c *Client) WriteStateChange(ev *event.Event) {
	if !c.IsConnected() {
		return
	}

	entityID, _ := ev.Data["entity_id"].(string)
	newState, ok := ev.Data["new_state"].(map[string]any)
	if entityID == "" || !ok || newState == nil {
		return
	}

	fields := make(map[string]any)

	status, _ := newState["status"].(string)
	if v, err := strconv.ParseFloat(status, 64); err == nil {
		fields["value"] = v
	}

	if attrs, ok := newState["attributes"].(map[string]any); ok {
		for k, v := range attrs {
			if f, ok := numericField(v); ok {
				fields[k] = f
			}
		}
	}

	if len(fields) == 0 {
		return
	}

	tags := map[string]string{
		"entity_id": entityID,
	}
	if status != "" {
		tags["status"] = status
	}

	point := write.NewPoint("state", tags, fields, ev.TimeFired)
	c.writeAPI.WritePoint(point)
}

// numericField converts a loosely-typed attribute value to a float64 field.
func numericField(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// WritePoint writes a custom point with full control over tags and fields.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

// HealthCheck verifies the InfluxDB connection with an active ping.
func (c *Client) HealthCheck(ctx context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	checkCtx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	healthy, err := c.client.Ping(checkCtx)
	if err != nil {
		return fmt.Errorf("telemetry health check failed: %w", err)
	}
	if !healthy {
		return fmt.Errorf("telemetry health check failed: server not healthy")
	}
	return nil
}

// IsConnected returns the last known connection state.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Flush forces all pending writes to be sent. Blocks until the buffer is
// drained; intended for final_write during shutdown.
func (c *Client) Flush() {
	if c.writeAPI == nil || !c.IsConnected() {
		return
	}
	c.writeAPI.Flush()
}

// Close detaches from the bus, flushes pending writes and closes the client.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}

	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	c.writeAPI.Flush()
	c.client.Close()

	return nil
}
