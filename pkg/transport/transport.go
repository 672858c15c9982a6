// Package transport implements the Event Bus (C3), Command Router (C4),
// and Durable Consumer (C5): subject-addressed, durable, at-least-once
// delivery with explicit acknowledgement.
package transport

import (
	"context"
	"fmt"

	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
)

// Subject builds the routing key for an envelope per §4.3/§6:
// "<kind>.<tenant>.<workspace>.<agent>". The verb is deliberately
// dropped from the key: Redis Streams (the Durable Transport's
// production backend) have no NATS/Kafka-style wildcard subject
// match, so a single consumer must multiplex every verb for its agent
// off one stream key rather than subscribe per-verb. BuildSubject is
// the one place this derivation happens, shared by publish (here) and
// the Durable Consumer's inbox subscription, so the two sides can
// never derive diverging keys.
func Subject(e *envelope.Envelope) (string, error) {
	parts := e.TypeVerb()
	if len(parts) < 2 {
		return "", fmt.Errorf("transport: type %q has no agent segment", e.Type)
	}
	return BuildSubject(parts[0], e.Tenant, e.Workspace, parts[1]), nil
}

// BuildSubject constructs the "<kind>.<tenant>.<workspace>.<agent>"
// routing key directly, for callers (the Durable Consumer's startup
// wiring) that need to derive the same key without an envelope in
// hand.
func BuildSubject(kind, tenant, workspace, agent string) string {
	return fmt.Sprintf("%s.%s.%s.%s", kind, tenant, workspace, agent)
}

// Publisher is the shared surface of the Event Bus and Command Router:
// both just publish to a subject, durably.
type Publisher interface {
	Publish(ctx context.Context, subject string, e *envelope.Envelope) error
}

// Bus is the Event Bus (C3): publishes evt.* envelopes with
// limits-based retention.
type Bus interface {
	Publisher
}

// Router is the Command Router (C4): publishes cmd.* envelopes with
// work-queue semantics (one consumer drains each).
type Router interface {
	Publisher
}

// Delivery wraps an inbound envelope with the redelivery bookkeeping a
// Consumer needs to enforce max-deliver and drive DLQ republish.
type Delivery struct {
	Envelope    *envelope.Envelope
	NumDelivered int
	Ack         func(ctx context.Context) error
	Nak         func(ctx context.Context) error
}

// Consumer is the Durable Consumer (C5): a pull-based reader with
// explicit ack over a durable subject group.
type Consumer interface {
	// Fetch waits for and returns the next delivery, or returns a nil
	// Delivery and nil error on a fetch timeout (caller should loop).
	Fetch(ctx context.Context) (*Delivery, error)
	Close() error
}

// PublishEgress routes outputs per §4.1 step 5: cmd.* through the
// Router, everything else through the Bus.
func PublishEgress(ctx context.Context, bus Bus, router Router, outputs []*envelope.Envelope) error {
	for _, o := range outputs {
		subject, err := Subject(o)
		if err != nil {
			return err
		}
		if o.IsCommand() {
			if err := router.Publish(ctx, subject, o); err != nil {
				return fmt.Errorf("transport: publish command %s: %w", subject, err)
			}
			continue
		}
		if err := bus.Publish(ctx, subject, o); err != nil {
			return fmt.Errorf("transport: publish event %s: %w", subject, err)
		}
	}
	return nil
}
