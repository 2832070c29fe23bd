package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/models"
	redisdata "github.com/spendgate/spendgate/internal/services/data/redis"
	"github.com/spendgate/spendgate/internal/services/scheduler"
	"github.com/spendgate/spendgate/internal/testutil"
)

// Two scheduler instances sharing one database and one redis simulate two
// pods behind a load balancer. The per-session admission rule must hold
// across both: a session busy on pod 1 is busy on pod 2.
func TestSchedulerCluster_SessionExclusionAcrossInstances(t *testing.T) {
	db, dbCleanup := testutil.NewTestDB(t)
	t.Cleanup(dbCleanup)
	client, redisCleanup := testutil.NewTestRedis(t)
	t.Cleanup(redisCleanup)

	logger := zap.NewNop()
	cfg := scheduler.Config{ClockScale: time.Millisecond}

	pod1 := scheduler.New(db, redisdata.NewLockManager(client, logger.Named("pod1")), cfg, logger)
	pod2 := scheduler.New(db, redisdata.NewLockManager(client, logger.Named("pod2")), cfg, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pod1.Stop(ctx)
		_ = pod2.Stop(ctx)
	})

	ctx := context.Background()

	// Long-running task admitted on pod 1.
	t1, err := pod1.Submit(ctx, scheduler.SubmitRequest{
		TenantID:        "acme",
		SessionKey:      "sess-shared",
		OperationType:   "document_analysis",
		ComplexityScore: 200,
		Tier:            models.TaskTierStandard,
	})
	require.NoError(t, err)

	// The same session on pod 2 is refused because both pods see the same
	// task table and admission lock.
	_, err = pod2.Submit(ctx, scheduler.SubmitRequest{
		TenantID:        "acme",
		SessionKey:      "sess-shared",
		OperationType:   "document_analysis",
		ComplexityScore: 1,
		Tier:            models.TaskTierStandard,
	})
	require.ErrorIs(t, err, scheduler.ErrSessionBusy)

	// A different session is admitted on pod 2 and both pods can read both
	// tasks through the shared table.
	t2, err := pod2.Submit(ctx, scheduler.SubmitRequest{
		TenantID:        "acme",
		SessionKey:      "sess-other",
		OperationType:   "document_analysis",
		ComplexityScore: 1,
		Tier:            models.TaskTierStandard,
	})
	require.NoError(t, err)

	got1, err := pod2.Get(ctx, t1.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-shared", got1.SessionKey)

	got2, err := pod1.Get(ctx, t2.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-other", got2.SessionKey)

	active, err := pod2.ListActive(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

// A stream opened on the pod that owns the task replays from the cursor and
// ends with the terminal frame.
func TestSchedulerCluster_StreamToCompletion(t *testing.T) {
	db, dbCleanup := testutil.NewTestDB(t)
	t.Cleanup(dbCleanup)
	client, redisCleanup := testutil.NewTestRedis(t)
	t.Cleanup(redisCleanup)

	logger := zap.NewNop()
	pod := scheduler.New(db, redisdata.NewLockManager(client, logger), scheduler.Config{ClockScale: time.Millisecond}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pod.Stop(ctx)
	})

	ctx := context.Background()
	task, err := pod.Submit(ctx, scheduler.SubmitRequest{
		TenantID:        "acme",
		SessionKey:      "sess-stream",
		OperationType:   "document_analysis",
		ComplexityScore: 1,
		Tier:            models.TaskTierStandard,
	})
	require.NoError(t, err)

	streamCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	frames, err := pod.Stream(streamCtx, task.ID, 0)
	require.NoError(t, err)

	var collected []scheduler.ProgressFrame
	for frame := range frames {
		collected = append(collected, frame)
	}
	require.NotEmpty(t, collected)

	lastProgress := -1
	for _, frame := range collected {
		assert.GreaterOrEqual(t, frame.Progress, lastProgress, "progress must never move backwards")
		lastProgress = frame.Progress
	}
	final := collected[len(collected)-1]
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, models.TaskStatusCompleted, final.Status)

	// The persisted row agrees with the last frame.
	persisted, err := pod.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, persisted.Status)
	assert.Equal(t, 100, persisted.Progress)
}
