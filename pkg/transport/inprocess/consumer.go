package inprocess

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
	"github.com/Mindburn-Labs/helm/core/pkg/transport"
)

type queuedDelivery struct {
	env          *envelope.Envelope
	numDelivered int
}

// Consumer is an in-memory Durable Consumer backed by a FIFO queue.
// Nak requeues the delivery with its redelivery count incremented, so
// tests can exercise max-deliver/backoff/DLQ logic without a live
// Redis Streams consumer group.
type Consumer struct {
	mu    sync.Mutex
	queue []queuedDelivery
	cond  *sync.Cond
	closed bool
}

// NewConsumer returns an empty in-process Consumer.
func NewConsumer() *Consumer {
	c := &Consumer{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Push enqueues an envelope for delivery, as if freshly published.
func (c *Consumer) Push(e *envelope.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, queuedDelivery{env: e, numDelivered: 0})
	c.cond.Signal()
}

func (c *Consumer) Fetch(ctx context.Context) (*transport.Delivery, error) {
	c.mu.Lock()
	for len(c.queue) == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.closed && len(c.queue) == 0 {
		c.mu.Unlock()
		return nil, nil
	}
	qd := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()

	qd.numDelivered++
	captured := qd
	return &transport.Delivery{
		Envelope:     captured.env,
		NumDelivered: captured.numDelivered,
		Ack: func(ctx context.Context) error {
			return nil
		},
		Nak: func(ctx context.Context) error {
			c.mu.Lock()
			c.queue = append(c.queue, captured)
			c.cond.Signal()
			c.mu.Unlock()
			return nil
		},
	}, nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}

var _ transport.Consumer = (*Consumer)(nil)
