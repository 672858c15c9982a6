package store

import (
	"context"
	"sync"

	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
)

type scopeKey struct {
	tenant    string
	workspace string
}

type idempotencyKey struct {
	scopeKey
	key string
}

type entityKey struct {
	scopeKey
	agent    string
	entityID string
}

// InMemory is a non-durable EventStore used by unit tests and
// single-process embeddings that don't need crash recovery. It
// preserves the same atomicity and scoping invariants as the durable
// implementations, just guarded by a single mutex instead of a
// transaction.
type InMemory struct {
	mu sync.Mutex

	// journal is the ordered, per-scope append log used by Replay.
	journal map[scopeKey][]*envelope.Envelope

	outputs  map[idempotencyKey][]*envelope.Envelope
	versions map[entityKey]int64
}

// NewInMemory returns an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{
		journal:  make(map[scopeKey][]*envelope.Envelope),
		outputs:  make(map[idempotencyKey][]*envelope.Envelope),
		versions: make(map[entityKey]int64),
	}
}

func (s *InMemory) Append(ctx context.Context, tenant, workspace, key string, input *envelope.Envelope, outputs []*envelope.Envelope, bumps []EntityBump) error {
	requireScope(tenant, workspace)
	s.mu.Lock()
	defer s.mu.Unlock()

	sk := scopeKey{tenant, workspace}
	s.journal[sk] = append(s.journal[sk], input)
	s.journal[sk] = append(s.journal[sk], outputs...)

	ik := idempotencyKey{sk, key}
	stored := make([]*envelope.Envelope, len(outputs))
	for i, o := range outputs {
		stored[i] = o.Clone()
	}
	s.outputs[ik] = stored

	for _, b := range bumps {
		s.versions[entityKey{sk, b.Agent, b.EntityID}] = b.Version
	}
	return nil
}

func (s *InMemory) LookupOutputs(ctx context.Context, tenant, workspace, key string) ([]*envelope.Envelope, error) {
	requireScope(tenant, workspace)
	s.mu.Lock()
	defer s.mu.Unlock()

	outs, ok := s.outputs[idempotencyKey{scopeKey{tenant, workspace}, key}]
	if !ok {
		return nil, ErrNotFound
	}
	return outs, nil
}

func (s *InMemory) CurrentEntityVersion(ctx context.Context, tenant, workspace, agent, entityID string) (int64, error) {
	requireScope(tenant, workspace)
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.versions[entityKey{scopeKey{tenant, workspace}, agent, entityID}]
	if !ok {
		return 0, ErrNotFound
	}
	return v, nil
}

func (s *InMemory) Replay(ctx context.Context, tenant, workspace, agent string) ([]*envelope.Envelope, error) {
	requireScope(tenant, workspace)
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.journal[scopeKey{tenant, workspace}]
	out := make([]*envelope.Envelope, 0, len(all))
	for _, e := range all {
		if e.Source.Agent == agent {
			out = append(out, e)
		}
	}
	// journal append order is the replay order, the same order the SQL
	// stores read back by rowid_seq.
	return out, nil
}

func (s *InMemory) Close() error { return nil }
