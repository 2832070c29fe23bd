package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/services/alerts"
	"github.com/spendgate/spendgate/internal/services/budget"
	redisdata "github.com/spendgate/spendgate/internal/services/data/redis"
	"github.com/spendgate/spendgate/internal/services/worker"
	"github.com/spendgate/spendgate/internal/testutil"
)

type recordingAlerter struct {
	mu   sync.Mutex
	got  []*alerts.Alert
	seen chan *alerts.Alert
}

func newRecordingAlerter() *recordingAlerter {
	return &recordingAlerter{seen: make(chan *alerts.Alert, 16)}
}

func (r *recordingAlerter) Name() string { return "recording" }

func (r *recordingAlerter) Send(_ context.Context, alert *alerts.Alert) error {
	r.mu.Lock()
	r.got = append(r.got, alert)
	r.mu.Unlock()
	r.seen <- alert
	return nil
}

func (r *recordingAlerter) wait(t *testing.T, within time.Duration) *alerts.Alert {
	t.Helper()
	select {
	case alert := <-r.seen:
		return alert
	case <-time.After(within):
		t.Fatal("expected an alert to be delivered")
		return nil
	}
}

// A budget crossing lands in the redis outbox, and the worker's alert
// processor delivers it: the full asynchronous alert path, request to sink.
func TestAlertDelivery_ThroughOutboxAndWorker(t *testing.T) {
	db, dbCleanup := testutil.NewTestDB(t)
	t.Cleanup(dbCleanup)
	client, redisCleanup := testutil.NewTestRedis(t)
	t.Cleanup(redisCleanup)

	logger := zap.NewNop()
	outbox := redisdata.NewOutbox(&redisdata.OutboxConfig{
		Client: client,
		Logger: logger,
	})
	locks := redisdata.NewLockManager(client, logger)
	recorder := newRecordingAlerter()

	// The guard enqueues; delivery happens only through the processor.
	dispatcher := alerts.NewDispatcher(recorder, outbox, time.Second, logger)
	guard := budget.NewGuard(db, dispatcher, models.BudgetPeriodMonthly, 0.8, logger)

	processor := worker.NewAlertProcessor(&worker.AlertProcessorConfig{
		Outbox:   outbox,
		Alerter:  recorder,
		Locks:    locks,
		Logger:   logger,
		Interval: 50 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, processor.Start(ctx))
	t.Cleanup(func() { _ = processor.Stop() })

	_, err := guard.SetLimits(ctx, "acme", decimal.RequireFromString("10"), decimal.RequireFromString("20"))
	require.NoError(t, err)

	// Crossing the soft limit dispatches one alert into the outbox.
	require.NoError(t, guard.Commit(ctx, "acme", decimal.RequireFromString("12")))

	alert := recorder.wait(t, 5*time.Second)
	assert.Equal(t, "acme", alert.TenantID)
	assert.Equal(t, "soft", alert.Band)
	assert.Equal(t, string(models.BudgetStateSoftExceeded), alert.State)

	// The queue drains fully.
	require.Eventually(t, func() bool {
		stats, err := outbox.Stats(ctx)
		return err == nil && stats.TotalPending == 0
	}, 5*time.Second, 50*time.Millisecond)

	// Advancing within the same band stays silent: the high-water mark
	// debounces, so no second alert may arrive.
	require.NoError(t, guard.Commit(ctx, "acme", decimal.RequireFromString("1")))
	time.Sleep(300 * time.Millisecond)
	recorder.mu.Lock()
	delivered := len(recorder.got)
	recorder.mu.Unlock()
	assert.Equal(t, 1, delivered)

	// Crossing the hard limit raises the next band.
	require.NoError(t, guard.Commit(ctx, "acme", decimal.RequireFromString("10")))
	alert = recorder.wait(t, 5*time.Second)
	assert.Equal(t, "hard", alert.Band)
}

// Two alert processors sharing one redis never double-deliver: the drain
// lock admits one sweep at a time and dequeued alerts leave the queue.
func TestAlertDelivery_TwoWorkersNoDuplicates(t *testing.T) {
	_, dbCleanup := testutil.NewTestDB(t)
	t.Cleanup(dbCleanup)
	client, redisCleanup := testutil.NewTestRedis(t)
	t.Cleanup(redisCleanup)

	logger := zap.NewNop()
	outbox := redisdata.NewOutbox(&redisdata.OutboxConfig{
		Client: client,
		Logger: logger,
	})
	locks := redisdata.NewLockManager(client, logger)
	recorder := newRecordingAlerter()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for i := 0; i < 2; i++ {
		processor := worker.NewAlertProcessor(&worker.AlertProcessorConfig{
			Outbox:   outbox,
			Alerter:  recorder,
			Locks:    locks,
			Logger:   logger,
			Interval: 20 * time.Millisecond,
		})
		require.NoError(t, processor.Start(ctx))
		t.Cleanup(func() { _ = processor.Stop() })
	}

	const n = 10
	for i := 0; i < n; i++ {
		require.NoError(t, outbox.EnqueueAlert(ctx, &alerts.Alert{
			TenantID: "acme",
			Band:     "soft",
			State:    string(models.BudgetStateSoftExceeded),
			Subject:  "test",
			Body:     "test",
		}))
	}

	require.Eventually(t, func() bool {
		recorder.mu.Lock()
		defer recorder.mu.Unlock()
		return len(recorder.got) >= n
	}, 10*time.Second, 50*time.Millisecond)

	// Give a duplicate delivery time to show up, then count.
	time.Sleep(300 * time.Millisecond)
	recorder.mu.Lock()
	delivered := len(recorder.got)
	ids := make(map[string]int)
	for _, a := range recorder.got {
		ids[a.ID]++
	}
	recorder.mu.Unlock()

	assert.Equal(t, n, delivered)
	for id, count := range ids {
		assert.Equal(t, 1, count, "alert %s delivered %d times", id, count)
	}
}
