package transport_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
	"github.com/Mindburn-Labs/helm/core/pkg/transport"
	"github.com/Mindburn-Labs/helm/core/pkg/transport/inprocess"
)

func TestSubject_Command(t *testing.T) {
	e := &envelope.Envelope{Type: "cmd.orders.create", Tenant: "acme", Workspace: "prod"}
	subject, err := transport.Subject(e)
	require.NoError(t, err)
	assert.Equal(t, "cmd.acme.prod.orders", subject, "the verb is dropped so every verb for an agent lands on one routing key")
}

func TestSubject_Event(t *testing.T) {
	e := &envelope.Envelope{Type: "evt.orders.created", Tenant: "acme", Workspace: "prod"}
	subject, err := transport.Subject(e)
	require.NoError(t, err)
	assert.Equal(t, "evt.acme.prod.orders", subject)
}

func TestSubject_MatchesBuildSubject(t *testing.T) {
	e := &envelope.Envelope{Type: "cmd.orders.create", Tenant: "acme", Workspace: "prod"}
	subject, err := transport.Subject(e)
	require.NoError(t, err)
	assert.Equal(t, transport.BuildSubject("cmd", "acme", "prod", "orders"), subject,
		"publish and a consumer's own subscription derivation must never diverge")
}

func TestSubject_Malformed(t *testing.T) {
	e := &envelope.Envelope{Type: "cmd", Tenant: "acme", Workspace: "prod"}
	_, err := transport.Subject(e)
	assert.Error(t, err)
}

func TestPublishEgress_RoutesCommandsAndEventsSeparately(t *testing.T) {
	ctx := context.Background()
	bus := inprocess.NewBus()
	router := inprocess.NewRouter()
	router.Register("orders", func(ctx context.Context, cmd *envelope.Envelope) error { return nil })

	outputs := []*envelope.Envelope{
		{Type: "cmd.orders.reserve", Tenant: "acme", Workspace: "prod"},
		{Type: "evt.orders.created", Tenant: "acme", Workspace: "prod"},
	}

	require.NoError(t, transport.PublishEgress(ctx, bus, router, outputs))
	assert.Len(t, bus.Published(), 1)
	assert.Equal(t, "evt.orders.created", bus.Published()[0].Type)
}
