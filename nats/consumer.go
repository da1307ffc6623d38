package nats

import (
	"context"
	"fmt"
	"sync"
	"time"

	"batchflow/logger"
	"batchflow/types"

	"github.com/nats-io/nats.go"
)

const (
	defaultIngestWorkers = 4
	ingestBufferSize     = 1024
	metricsInterval      = 30 * time.Second
)

// Dispatcher accepts a single message; batcher.Pool satisfies it.
type Dispatcher interface {
	Dispatch(msg types.Message) error
}

// IngestConsumer subscribes to a subject and turns each NATS message body into
// a Message handed to the dispatcher.
type IngestConsumer struct {
	helper      *NATSHelper
	subject     string
	queue       string
	out         Dispatcher
	log         *logger.Logger
	workerCount int

	msgChan chan *nats.Msg
	sub     *nats.Subscription
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once

	metrics struct {
		mu             sync.RWMutex
		receivedCount  uint64
		processedCount uint64
		errorCount     uint64
	}
}

func NewIngestConsumer(helper *NATSHelper, subject, queue string, out Dispatcher, log *logger.Logger) *IngestConsumer {
	return &IngestConsumer{
		helper:      helper,
		subject:     subject,
		queue:       queue,
		out:         out,
		log:         log,
		workerCount: defaultIngestWorkers,
		msgChan:     make(chan *nats.Msg, ingestBufferSize),
		done:        make(chan struct{}),
	}
}

// Start subscribes with the configured queue group and starts the workers.
func (c *IngestConsumer) Start(ctx context.Context) error {
	conn := c.helper.Conn()
	if conn == nil {
		return ErrNotConnected
	}

	for i := 0; i < c.workerCount; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	sub, err := conn.QueueSubscribe(c.subject, c.queue, func(msg *nats.Msg) {
		select {
		case c.msgChan <- msg:
		case <-c.done:
		}
	})
	if err != nil {
		c.Stop()
		return fmt.Errorf("failed to subscribe to %s: %w", c.subject, err)
	}
	c.sub = sub

	go c.logMetrics(ctx)

	c.log.Info("Ingest consumer started", map[string]interface{}{
		"subject": c.subject,
		"queue":   c.queue,
		"workers": c.workerCount,
	})
	return nil
}

func (c *IngestConsumer) worker(id int) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.msgChan:
			c.handleMessage(msg, id)
		}
	}
}

func (c *IngestConsumer) handleMessage(msg *nats.Msg, workerID int) {
	c.incrementReceivedCount()

	if err := c.out.Dispatch(types.NewMessage(string(msg.Data))); err != nil {
		c.log.Error("Failed to dispatch ingested message", map[string]interface{}{
			"worker_id": workerID,
			"subject":   msg.Subject,
			"error":     err.Error(),
		})
		c.incrementErrorCount()
		return
	}
	c.incrementProcessedCount()
}

// Stop unsubscribes and waits for the workers. Messages still buffered are dropped.
func (c *IngestConsumer) Stop() {
	c.once.Do(func() {
		if c.sub != nil {
			if err := c.sub.Unsubscribe(); err != nil {
				c.log.Error("Failed to unsubscribe", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
		close(c.done)
		c.wg.Wait()
		c.log.Info("Ingest consumer stopped", c.snapshot())
	})
}

func (c *IngestConsumer) incrementReceivedCount() {
	c.metrics.mu.Lock()
	c.metrics.receivedCount++
	c.metrics.mu.Unlock()
}

func (c *IngestConsumer) incrementProcessedCount() {
	c.metrics.mu.Lock()
	c.metrics.processedCount++
	c.metrics.mu.Unlock()
}

func (c *IngestConsumer) incrementErrorCount() {
	c.metrics.mu.Lock()
	c.metrics.errorCount++
	c.metrics.mu.Unlock()
}

func (c *IngestConsumer) snapshot() map[string]interface{} {
	c.metrics.mu.RLock()
	defer c.metrics.mu.RUnlock()
	return map[string]interface{}{
		"received_count":  c.metrics.receivedCount,
		"processed_count": c.metrics.processedCount,
		"error_count":     c.metrics.errorCount,
		"channel_pending": len(c.msgChan),
	}
}

// logMetrics periodically logs consumer metrics
func (c *IngestConsumer) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.log.Info("Consumer metrics", c.snapshot())
		}
	}
}
