package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/services/alerts"
)

func newTestOutbox(t *testing.T, maxRetries int) *Outbox {
	mr, err := miniredis.Run()
	require.NoError(t, err, "Failed to start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewOutbox(&OutboxConfig{
		Client:     client,
		Logger:     zap.NewNop(),
		BatchSize:  10,
		MaxRetries: maxRetries,
	})
}

func TestOutbox_EnqueueDequeue(t *testing.T) {
	outbox := newTestOutbox(t, 3)
	ctx := context.Background()

	alert := &alerts.Alert{
		TenantID: "acme",
		Band:     "soft",
		State:    "soft_exceeded",
		Subject:  "Budget soft limit exceeded",
		Body:     "Tenant acme crossed its soft limit",
	}

	require.NoError(t, outbox.EnqueueAlert(ctx, alert))
	assert.NotEmpty(t, alert.ID, "enqueue must normalize identity")

	batch, err := outbox.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, alert.ID, batch[0].ID)
	assert.Equal(t, "acme", batch[0].TenantID)
	assert.Equal(t, "soft", batch[0].Band)

	// Queue drained.
	batch, err = outbox.DequeueBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestOutbox_FIFOOrder(t *testing.T) {
	outbox := newTestOutbox(t, 3)
	ctx := context.Background()

	for _, tenant := range []string{"t1", "t2", "t3"} {
		require.NoError(t, outbox.EnqueueAlert(ctx, &alerts.Alert{TenantID: tenant}))
	}

	batch, err := outbox.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, "t1", batch[0].TenantID)
	assert.Equal(t, "t2", batch[1].TenantID)
	assert.Equal(t, "t3", batch[2].TenantID)
}

func TestOutbox_RetryFlow(t *testing.T) {
	outbox := newTestOutbox(t, 3)
	// Make retries due immediately.
	outbox.backoff.InitialDelay = 0
	outbox.backoff.MaxDelay = 0

	ctx := context.Background()

	alert := &alerts.Alert{TenantID: "acme", Subject: "s"}
	alert.Normalize()

	require.NoError(t, outbox.EnqueueFailed(ctx, alert, "webhook 503"))
	assert.Equal(t, 1, alert.Retries)

	stats, err := outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.MainQueue)
	assert.Equal(t, int64(1), stats.RetryQueue)

	require.NoError(t, outbox.ProcessRetryQueue(ctx))

	stats, err = outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.MainQueue)
	assert.Equal(t, int64(0), stats.RetryQueue)

	batch, err := outbox.DequeueBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].Retries)
}

func TestOutbox_DeadLetterAfterMaxRetries(t *testing.T) {
	outbox := newTestOutbox(t, 2)
	ctx := context.Background()

	alert := &alerts.Alert{TenantID: "acme"}
	alert.Normalize()
	alert.Retries = 1 // one more failure exhausts the budget of 2

	require.NoError(t, outbox.EnqueueFailed(ctx, alert, "webhook unreachable"))

	stats, err := outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.MainQueue)
	assert.Equal(t, int64(0), stats.RetryQueue)
	assert.Equal(t, int64(1), stats.DeadLetterQueue)
}

func TestOutbox_Stats(t *testing.T) {
	outbox := newTestOutbox(t, 3)
	ctx := context.Background()

	require.NoError(t, outbox.EnqueueAlert(ctx, &alerts.Alert{TenantID: "a"}))
	require.NoError(t, outbox.EnqueueAlert(ctx, &alerts.Alert{TenantID: "b"}))

	stats, err := outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.MainQueue)
	assert.Equal(t, int64(2), stats.TotalPending)
}

func TestOutbox_HealthCheck(t *testing.T) {
	outbox := newTestOutbox(t, 3)
	assert.NoError(t, outbox.HealthCheck(context.Background()))
}

func TestOutbox_DequeueRespectsBatchSize(t *testing.T) {
	outbox := newTestOutbox(t, 3)
	outbox.batchSize = 2
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, outbox.EnqueueAlert(ctx, &alerts.Alert{TenantID: "acme"}))
	}

	batch, err := outbox.DequeueBatch(ctx)
	require.NoError(t, err)
	assert.Len(t, batch, 2)

	var remaining int
	for {
		b, err := outbox.DequeueBatch(ctx)
		require.NoError(t, err)
		if len(b) == 0 {
			break
		}
		remaining += len(b)
	}
	assert.Equal(t, 3, remaining)
}
