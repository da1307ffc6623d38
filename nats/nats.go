package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"batchflow/config"
	"batchflow/logger"
	"batchflow/types"

	"github.com/nats-io/nats.go"
)

const (
	ReconnectWait        = 2 * time.Second
	MaxReconnectAttempts = 5
	PingInterval         = 30 * time.Second
	MaxPingOutstanding   = 2

	// Stream configuration
	StreamName = "BATCHES"
	MaxAge     = 24 * time.Hour
	MaxBytes   = 1024 * 1024 * 512 // 512MB
)

var ErrNotConnected = errors.New("not connected to NATS")

// NATSHelper manages one NATS connection and, optionally, its JetStream context.
type NATSHelper struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	cfg  config.NATSConfig
	log  *logger.Logger
	mu   sync.RWMutex
}

func NewNATSHelper(cfg config.NATSConfig, log *logger.Logger) *NATSHelper {
	return &NATSHelper{cfg: cfg, log: log}
}

// IsConnected checks if NATS is connected
func (n *NATSHelper) IsConnected() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.conn != nil && n.conn.IsConnected()
}

// Connect establishes a connection to the configured NATS server
func (n *NATSHelper) Connect(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil && n.conn.IsConnected() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n.log.Info("Connecting to NATS server", map[string]interface{}{
		"url": n.cfg.URL,
	})

	opts := []nats.Option{
		nats.Name("batchflow"),
		nats.ReconnectWait(ReconnectWait),
		nats.MaxReconnects(MaxReconnectAttempts),
		nats.PingInterval(PingInterval),
		nats.MaxPingsOutstanding(MaxPingOutstanding),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err == nil {
				return
			}
			n.log.Error("NATS disconnected", map[string]interface{}{
				"error": err.Error(),
			})
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.log.Info("NATS reconnected", map[string]interface{}{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	nc, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	if n.cfg.JetStream {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}
		if err := ensureStream(js, n.cfg.Subject); err != nil {
			nc.Close()
			return fmt.Errorf("failed to setup stream: %w", err)
		}
		n.js = js
	}
	n.conn = nc

	n.log.Info("Successfully connected to NATS", map[string]interface{}{
		"url":       nc.ConnectedUrl(),
		"jetstream": n.cfg.JetStream,
	})
	return nil
}

// ensureStream creates the batch stream unless it already exists.
func ensureStream(js nats.JetStreamContext, subject string) error {
	if _, err := js.StreamInfo(StreamName); err == nil {
		return nil
	} else if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}

	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		MaxAge:    MaxAge,
		MaxBytes:  MaxBytes,
		Storage:   nats.FileStorage,
		Discard:   nats.DiscardOld,
	})
	return err
}

// Conn exposes the raw connection for subscribers.
func (n *NATSHelper) Conn() *nats.Conn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.conn
}

// Publish sends data on subject, through JetStream when it is enabled.
func (n *NATSHelper) Publish(ctx context.Context, subject string, data []byte) error {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.conn == nil || !n.conn.IsConnected() {
		return ErrNotConnected
	}

	if n.js != nil {
		if _, err := n.js.Publish(subject, data, nats.Context(ctx)); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", subject, err)
		}
		return nil
	}
	if err := n.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Persist publishes the batch as JSON on the configured subject.
func (n *NATSHelper) Persist(ctx context.Context, batch *types.Batch) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode batch %s: %w", batch.ID, err)
	}
	return n.Publish(ctx, n.cfg.Subject, data)
}

// Shutdown drains and closes the connection
func (n *NATSHelper) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		if err := n.conn.Drain(); err != nil {
			n.conn.Close()
		}
		n.conn = nil
		n.js = nil
	}

	n.log.Info("NATS connection shut down")
}

// Close is Shutdown with an error return so the helper fits sink cleanup.
func (n *NATSHelper) Close() error {
	n.Shutdown()
	return nil
}
