// Package store implements the Event Store (C2): a scoped, append-only,
// idempotency-indexed log with an entity-version table and replay
// support. Every operation is strictly filtered by (tenant, workspace);
// an operation that omits either is a programming error, not a runtime
// condition, and implementations panic rather than silently scanning
// across tenants.
package store

import (
	"context"
	"errors"

	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
)

// ErrNotFound is returned by lookups that find no matching record.
var ErrNotFound = errors.New("store: not found")

// EntityBump describes an entity-version table update produced by a
// single commit: an output envelope that carries both EntityID and a
// new version bumps the table to that version.
type EntityBump struct {
	Agent    string
	EntityID string
	Version  int64
}

// EventStore is the C2 contract. Implementations must make Append
// atomic: the input envelope, every output envelope, the idempotency
// mapping, and all entity bumps land in a single commit, or none do.
type EventStore interface {
	// Append persists input alongside the outputs it produced under a
	// single idempotency key, and applies entity bumps, all atomically.
	Append(ctx context.Context, tenant, workspace, idempotencyKey string, input *envelope.Envelope, outputs []*envelope.Envelope, bumps []EntityBump) error

	// LookupOutputs returns the previously stored outputs for
	// (tenant, workspace, idempotencyKey), or ErrNotFound on a miss.
	LookupOutputs(ctx context.Context, tenant, workspace, idempotencyKey string) ([]*envelope.Envelope, error)

	// CurrentEntityVersion returns the current version for
	// (tenant, workspace, agent, entityID), or ErrNotFound if the
	// entity has never been bumped.
	CurrentEntityVersion(ctx context.Context, tenant, workspace, agent, entityID string) (int64, error)

	// Replay returns the ordered envelope stream for (tenant,
	// workspace, agent), oldest first, for state reconstruction on
	// startup.
	Replay(ctx context.Context, tenant, workspace, agent string) ([]*envelope.Envelope, error)

	// Close releases any underlying resources (connections, handles).
	Close() error
}

func requireScope(tenant, workspace string) {
	if tenant == "" || workspace == "" {
		panic("store: tenant and workspace are required on every operation")
	}
}
