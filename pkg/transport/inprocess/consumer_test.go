package inprocess_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/core/pkg/envelope"
	"github.com/Mindburn-Labs/helm/core/pkg/transport/inprocess"
)

func TestConsumer_FetchDeliversPushedEnvelope(t *testing.T) {
	c := inprocess.NewConsumer()
	c.Push(&envelope.Envelope{MessageID: "m1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := c.Fetch(ctx)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "m1", d.Envelope.MessageID)
	assert.Equal(t, 1, d.NumDelivered)
}

func TestConsumer_NakRequeuesWithIncrementedCount(t *testing.T) {
	c := inprocess.NewConsumer()
	c.Push(&envelope.Envelope{MessageID: "m1"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	d1, err := c.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, d1.Nak(ctx))

	d2, err := c.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d2.NumDelivered)
}

func TestConsumer_CloseUnblocksFetch(t *testing.T) {
	c := inprocess.NewConsumer()
	done := make(chan struct{})
	go func() {
		d, err := c.Fetch(context.Background())
		assert.NoError(t, err)
		assert.Nil(t, d)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Fetch did not unblock after Close")
	}
}
