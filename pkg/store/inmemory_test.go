package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
	"github.com/Mindburn-Labs/helm/core/pkg/store"
)

func evt(id, agent string, ts int64) *envelope.Envelope {
	return &envelope.Envelope{
		MessageID: id,
		TS:        ts,
		Type:      "evt." + agent + ".updated",
		Tenant:    "acme",
		Workspace: "prod",
		Source:    envelope.Source{Agent: agent},
		Payload:   map[string]any{},
	}
}

func TestInMemory_AppendAndLookupOutputs(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemory()

	input := evt("cmd-1", "orders", 100)
	outputs := []*envelope.Envelope{evt("evt-1", "orders", 101)}

	require.NoError(t, s.Append(ctx, "acme", "prod", "key-1", input, outputs, nil))

	got, err := s.LookupOutputs(ctx, "acme", "prod", "key-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "evt-1", got[0].MessageID)
}

func TestInMemory_LookupOutputs_Miss(t *testing.T) {
	s := store.NewInMemory()
	_, err := s.LookupOutputs(context.Background(), "acme", "prod", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInMemory_EntityVersionBumpAndRead(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemory()

	input := evt("cmd-1", "orders", 100)
	bumps := []store.EntityBump{{Agent: "orders", EntityID: "e1", Version: 4}}
	require.NoError(t, s.Append(ctx, "acme", "prod", "key-1", input, nil, bumps))

	v, err := s.CurrentEntityVersion(ctx, "acme", "prod", "orders", "e1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), v)

	_, err = s.CurrentEntityVersion(ctx, "acme", "prod", "orders", "unknown")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInMemory_Replay_ScopedAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemory()

	require.NoError(t, s.Append(ctx, "acme", "prod", "k1", evt("m1", "orders", 100), []*envelope.Envelope{evt("o1", "orders", 101)}, nil))
	require.NoError(t, s.Append(ctx, "acme", "prod", "k2", evt("m2", "orders", 200), []*envelope.Envelope{evt("o2", "orders", 201)}, nil))
	require.NoError(t, s.Append(ctx, "other", "prod", "k3", evt("m3", "orders", 50), nil, nil))

	out, err := s.Replay(ctx, "acme", "prod", "orders")
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, "m1", out[0].MessageID)
	assert.Equal(t, "o1", out[1].MessageID)
	assert.Equal(t, "m2", out[2].MessageID)
	assert.Equal(t, "o2", out[3].MessageID)
}

func TestInMemory_RequiresScope(t *testing.T) {
	s := store.NewInMemory()
	assert.Panics(t, func() {
		_, _ = s.LookupOutputs(context.Background(), "", "prod", "k")
	})
}
