package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/services/alerts"
	"github.com/spendgate/spendgate/internal/services/retry"
)

const defaultAlertQueue = "spendgate:alerts:queue"

// Outbox buffers budget alerts in a Redis list so the call path never waits
// on webhook delivery. The worker drains it, retries failures with backoff
// through a sorted set, and parks poison messages in a dead-letter list.
type Outbox struct {
	client     *redis.Client
	logger     *zap.Logger
	queueName  string
	batchSize  int
	maxRetries int
	backoff    *retry.Config
}

// OutboxConfig configures the alert outbox.
type OutboxConfig struct {
	Client     *redis.Client
	Logger     *zap.Logger
	QueueName  string
	BatchSize  int
	MaxRetries int
}

func NewOutbox(config *OutboxConfig) *Outbox {
	if config.QueueName == "" {
		config.QueueName = defaultAlertQueue
	}
	if config.BatchSize == 0 {
		config.BatchSize = 50
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}

	return &Outbox{
		client:     config.Client,
		logger:     config.Logger,
		queueName:  config.QueueName,
		batchSize:  config.BatchSize,
		maxRetries: config.MaxRetries,
		backoff: &retry.Config{
			MaxAttempts:  config.MaxRetries,
			InitialDelay: 10 * time.Second,
			MaxDelay:     5 * time.Minute,
			Multiplier:   3.0,
		},
	}
}

// EnqueueAlert adds an alert to the delivery queue. Satisfies alerts.Sink.
func (o *Outbox) EnqueueAlert(ctx context.Context, alert *alerts.Alert) error {
	alert.Normalize()

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	if err := o.client.LPush(ctx, o.queueName, data).Err(); err != nil {
		o.logger.Error("Failed to enqueue alert",
			zap.Error(err),
			zap.String("alert_id", alert.ID))
		return fmt.Errorf("enqueue alert: %w", err)
	}

	o.logger.Debug("Alert enqueued",
		zap.String("alert_id", alert.ID),
		zap.String("tenant_id", alert.TenantID),
		zap.String("band", alert.Band))

	return nil
}

// DequeueBatch pops up to the configured batch of alerts in FIFO order.
func (o *Outbox) DequeueBatch(ctx context.Context) ([]*alerts.Alert, error) {
	pipe := o.client.Pipeline()

	var cmds []*redis.StringCmd
	for i := 0; i < o.batchSize; i++ {
		cmds = append(cmds, pipe.RPop(ctx, o.queueName))
	}

	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("dequeue alerts: %w", err)
	}

	var batch []*alerts.Alert
	for _, cmd := range cmds {
		result, err := cmd.Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			o.logger.Error("Error reading queued alert", zap.Error(err))
			continue
		}

		var alert alerts.Alert
		if err := json.Unmarshal([]byte(result), &alert); err != nil {
			o.logger.Error("Failed to unmarshal queued alert",
				zap.Error(err),
				zap.String("data", result))
			continue
		}

		batch = append(batch, &alert)
	}

	return batch, nil
}

// EnqueueFailed schedules a failed delivery for retry, or parks it in the
// dead-letter list once retries are exhausted.
func (o *Outbox) EnqueueFailed(ctx context.Context, alert *alerts.Alert, errorMsg string) error {
	alert.Retries++

	if alert.Retries >= o.maxRetries {
		return o.moveToDeadLetter(ctx, alert, errorMsg)
	}

	retryAt := time.Now().Add(retry.CalculateBackoff(alert.Retries, o.backoff))

	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal failed alert: %w", err)
	}

	retryQueueName := fmt.Sprintf("%s:retry", o.queueName)
	err = o.client.ZAdd(ctx, retryQueueName, redis.Z{
		Score:  float64(retryAt.Unix()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue alert retry: %w", err)
	}

	o.logger.Warn("Alert queued for retry",
		zap.String("alert_id", alert.ID),
		zap.Int("retry_count", alert.Retries),
		zap.Time("retry_at", retryAt),
		zap.String("error", errorMsg))

	return nil
}

// ProcessRetryQueue moves due retries back onto the main queue.
func (o *Outbox) ProcessRetryQueue(ctx context.Context) error {
	retryQueueName := fmt.Sprintf("%s:retry", o.queueName)
	now := float64(time.Now().Unix())

	due, err := o.client.ZRangeByScore(ctx, retryQueueName, &redis.ZRangeBy{
		Min:   "0",
		Max:   fmt.Sprintf("%.0f", now),
		Count: int64(o.batchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("read alert retries: %w", err)
	}

	if len(due) == 0 {
		return nil
	}

	pipe := o.client.Pipeline()
	for _, data := range due {
		pipe.LPush(ctx, o.queueName, data)
		pipe.ZRem(ctx, retryQueueName, data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("requeue alert retries: %w", err)
	}

	o.logger.Info("Moved alerts from retry queue back to main queue",
		zap.Int("count", len(due)))

	return nil
}

func (o *Outbox) moveToDeadLetter(ctx context.Context, alert *alerts.Alert, errorMsg string) error {
	deadLetterQueue := fmt.Sprintf("%s:dead_letter", o.queueName)

	entry := map[string]interface{}{
		"alert":       alert,
		"error":       errorMsg,
		"failed_at":   time.Now(),
		"final_retry": alert.Retries,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead letter entry: %w", err)
	}

	if err := o.client.LPush(ctx, deadLetterQueue, data).Err(); err != nil {
		return fmt.Errorf("enqueue dead letter entry: %w", err)
	}

	o.logger.Error("Alert moved to dead letter queue",
		zap.String("alert_id", alert.ID),
		zap.Int("retries", alert.Retries),
		zap.String("error", errorMsg))

	return nil
}

// Stats reports queue depths for the health endpoint and worker logs.
type Stats struct {
	MainQueue       int64 `json:"main_queue"`
	RetryQueue      int64 `json:"retry_queue"`
	DeadLetterQueue int64 `json:"dead_letter_queue"`
	TotalPending    int64 `json:"total_pending"`
}

func (o *Outbox) Stats(ctx context.Context) (*Stats, error) {
	pipe := o.client.Pipeline()

	mainCmd := pipe.LLen(ctx, o.queueName)
	retryCmd := pipe.ZCard(ctx, fmt.Sprintf("%s:retry", o.queueName))
	deadCmd := pipe.LLen(ctx, fmt.Sprintf("%s:dead_letter", o.queueName))

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("read queue stats: %w", err)
	}

	mainCount, _ := mainCmd.Result()
	retryCount, _ := retryCmd.Result()
	deadCount, _ := deadCmd.Result()

	return &Stats{
		MainQueue:       mainCount,
		RetryQueue:      retryCount,
		DeadLetterQueue: deadCount,
		TotalPending:    mainCount + retryCount,
	}, nil
}

// HealthCheck verifies basic round-trips against the backing Redis.
func (o *Outbox) HealthCheck(ctx context.Context) error {
	testKey := fmt.Sprintf("%s:healthcheck", o.queueName)
	if err := o.client.Set(ctx, testKey, "ok", time.Second).Err(); err != nil {
		return fmt.Errorf("redis write failed: %w", err)
	}

	val, err := o.client.Get(ctx, testKey).Result()
	if err != nil {
		return fmt.Errorf("redis read failed: %w", err)
	}
	if val != "ok" {
		return fmt.Errorf("redis data integrity check failed")
	}

	o.client.Del(ctx, testKey)
	return nil
}
