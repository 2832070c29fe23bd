// Package scheduler admits and runs long processing tasks. Admission holds
// one active task per (tenant, session) for standard and priority tiers,
// sizing derives from a complexity score and the tier's resource multiplier,
// and execution walks a fixed stage list while streaming progress.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/spendgate/spendgate/internal/models"
	redisdata "github.com/spendgate/spendgate/internal/services/data/redis"
)

// ErrSessionBusy rejects a submission because the session already holds an
// active task and the tier does not allow parallel sessions.
var ErrSessionBusy = errors.New("session_busy")

const (
	// BaseStageSeconds sizes the estimate: complexity × base.
	BaseStageSeconds = 15

	// MinimumDurationSeconds is the floor no optimization goes below.
	MinimumDurationSeconds = 20

	admissionLockTTL = 5 * time.Second
)

// stages is the fixed execution walk. Every task passes all eight in order.
var stages = []string{
	"initializing",
	"analyzing",
	"planning",
	"processing",
	"optimizing",
	"validating",
	"packaging",
	"finalizing",
}

// defaultTierMultipliers maps each tier to its duration divisor.
func defaultTierMultipliers() map[models.TaskTier]int {
	return map[models.TaskTier]int{
		models.TaskTierStandard:   1,
		models.TaskTierPriority:   3,
		models.TaskTierPremium:    5,
		models.TaskTierEnterprise: 10,
	}
}

func (s *Scheduler) multiplier(tier models.TaskTier) int {
	if m, ok := s.multipliers[tier]; ok && m > 0 {
		return m
	}
	return 1
}

var activeStatuses = []models.TaskStatus{models.TaskStatusQueued, models.TaskStatusProcessing}

// SubmitRequest describes one task submission.
type SubmitRequest struct {
	TenantID        string                 `json:"tenant_id"`
	UserID          string                 `json:"user_id,omitempty"`
	SessionKey      string                 `json:"session_key"`
	OperationType   string                 `json:"operation_type"`
	ComplexityScore int                    `json:"complexity_score"`
	Tier            models.TaskTier        `json:"tier"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Config carries the scheduler's tunables.
type Config struct {
	BaseStageSeconds       int
	MinimumDurationSeconds int

	// TierSlots bounds how many tasks of each tier run concurrently.
	TierSlots map[models.TaskTier]int

	// TierMultipliers overrides per-tier duration divisors.
	TierMultipliers map[models.TaskTier]int

	// MaxConcurrentTasks caps runners across all tiers.
	MaxConcurrentTasks int

	// StreamBuffer sizes each progress subscriber's frame channel.
	StreamBuffer int

	// ClockScale maps one scheduled second of stage time onto wall time.
	// One second by default; shorter scales run the same stage walk faster.
	ClockScale time.Duration
}

func defaultTierSlots() map[models.TaskTier]int {
	return map[models.TaskTier]int{
		models.TaskTierStandard:   4,
		models.TaskTierPriority:   8,
		models.TaskTierPremium:    16,
		models.TaskTierEnterprise: 32,
	}
}

// Scheduler admits, runs and streams processing tasks. The redis lock
// manager is optional; without it admission still checks the active-task
// rule but loses the cross-process fence.
type Scheduler struct {
	db     *gorm.DB
	locks  *redisdata.LockManager
	logger *zap.Logger
	hub    *hub

	baseStageS  int
	minDurS     int
	clockScale  time.Duration
	slots       map[models.TaskTier]chan struct{}
	multipliers map[models.TaskTier]int
	runSlots    chan struct{}

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	runners map[uuid.UUID]context.CancelFunc
	stopped bool

	// sessions serializes same-process admission per (tenant, session)
	// when no distributed lock manager is present.
	sessionMu sync.Mutex
	sessions  map[string]*sync.Mutex
}

func New(db *gorm.DB, locks *redisdata.LockManager, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.BaseStageSeconds <= 0 {
		cfg.BaseStageSeconds = BaseStageSeconds
	}
	if cfg.MinimumDurationSeconds <= 0 {
		cfg.MinimumDurationSeconds = MinimumDurationSeconds
	}
	if cfg.ClockScale <= 0 {
		cfg.ClockScale = time.Second
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 64
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = defaultSubscriberBuffer
	}
	tierSlots := defaultTierSlots()
	for tier, n := range cfg.TierSlots {
		if n > 0 {
			tierSlots[tier] = n
		}
	}
	slots := make(map[models.TaskTier]chan struct{}, len(tierSlots))
	for tier, n := range tierSlots {
		slots[tier] = make(chan struct{}, n)
	}
	multipliers := defaultTierMultipliers()
	for tier, m := range cfg.TierMultipliers {
		if m > 0 {
			multipliers[tier] = m
		}
	}

	baseCtx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		db:          db,
		locks:       locks,
		logger:      logger,
		hub:         newHub(logger, cfg.StreamBuffer),
		baseStageS:  cfg.BaseStageSeconds,
		minDurS:     cfg.MinimumDurationSeconds,
		clockScale:  cfg.ClockScale,
		slots:       slots,
		multipliers: multipliers,
		runSlots:    make(chan struct{}, cfg.MaxConcurrentTasks),
		baseCtx:     baseCtx,
		stop:        stop,
		runners:     make(map[uuid.UUID]context.CancelFunc),
		sessions:    make(map[string]*sync.Mutex),
	}
}

// Start adopts persisted work: orphaned processing rows are failed (their
// runner died with a previous process) and queued rows get fresh runners.
func (s *Scheduler) Start(ctx context.Context) error {
	res := s.db.WithContext(ctx).Model(&models.ProcessingTask{}).
		Where("status = ?", models.TaskStatusProcessing).
		Updates(map[string]interface{}{
			"status":         models.TaskStatusFailed,
			"failure_reason": "runner restart",
			"completed_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("fail orphaned tasks: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Warn("failed orphaned processing tasks from previous run",
			zap.Int64("count", res.RowsAffected))
	}

	var queued []models.ProcessingTask
	if err := s.db.WithContext(ctx).
		Where("status = ?", models.TaskStatusQueued).
		Order("created_at ASC").
		Find(&queued).Error; err != nil {
		return fmt.Errorf("load queued tasks: %w", err)
	}
	for i := range queued {
		s.launch(&queued[i])
	}
	if len(queued) > 0 {
		s.logger.Info("re-adopted queued tasks", zap.Int("count", len(queued)))
	}
	return nil
}

// Stop cancels all runners and waits for them to settle or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit admits a task. Standard and priority tiers are rejected with
// ErrSessionBusy while the (tenant, session) pair already holds a queued or
// processing task; premium and enterprise run sessions in parallel.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (*models.ProcessingTask, error) {
	if req.TenantID == "" || req.SessionKey == "" || req.OperationType == "" {
		return nil, errors.New("scheduler: tenant_id, session_key and operation_type are required")
	}
	if req.ComplexityScore <= 0 {
		return nil, errors.New("scheduler: complexity_score must be positive")
	}
	if !req.Tier.Valid() {
		req.Tier = models.TaskTierStandard
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, errors.New("scheduler: stopped")
	}
	s.mu.Unlock()

	task, err := s.buildTask(req)
	if err != nil {
		return nil, err
	}

	admit := func() error {
		if !req.Tier.AllowsParallelSessions() {
			var active int64
			err := s.db.WithContext(ctx).Model(&models.ProcessingTask{}).
				Where("tenant_id = ? AND session_key = ? AND status IN ?",
					req.TenantID, req.SessionKey, activeStatuses).
				Count(&active).Error
			if err != nil {
				return fmt.Errorf("count active session tasks: %w", err)
			}
			if active > 0 {
				return ErrSessionBusy
			}
		}
		return s.db.WithContext(ctx).Create(task).Error
	}

	switch {
	case req.Tier.AllowsParallelSessions():
		// No exclusivity rule to race on.
		err = admit()
	case s.locks != nil:
		lockKey := fmt.Sprintf("scheduler:admission:%s:%s", req.TenantID, req.SessionKey)
		err = s.locks.WithLockRetry(ctx, lockKey, admissionLockTTL, 3, 50*time.Millisecond, admit)
	default:
		// Lite mode: the count-then-create in admit must not interleave,
		// so serialize same-process submissions per (tenant, session).
		mu := s.sessionLock(req.TenantID, req.SessionKey)
		mu.Lock()
		err = admit()
		mu.Unlock()
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("task admitted",
		zap.String("task_id", task.ID.String()),
		zap.String("tenant_id", req.TenantID),
		zap.String("session_key", req.SessionKey),
		zap.String("tier", string(req.Tier)),
		zap.Int("estimated_s", task.EstimatedDurationS),
		zap.Int("optimized_s", task.OptimizedDurationS))

	s.launch(task)
	return task, nil
}

func (s *Scheduler) sessionLock(tenantID, sessionKey string) *sync.Mutex {
	key := tenantID + "\x00" + sessionKey
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	mu, ok := s.sessions[key]
	if !ok {
		mu = &sync.Mutex{}
		s.sessions[key] = mu
	}
	return mu
}

// buildTask sizes and assembles the persisted row.
func (s *Scheduler) buildTask(req SubmitRequest) (*models.ProcessingTask, error) {
	estimated := req.ComplexityScore * s.baseStageS
	optimized := estimated / s.multiplier(req.Tier)
	if optimized < s.minDurS {
		optimized = s.minDurS
	}

	task := &models.ProcessingTask{
		TenantID:           req.TenantID,
		UserID:             req.UserID,
		SessionKey:         req.SessionKey,
		OperationType:      req.OperationType,
		Tier:               req.Tier,
		ComplexityScore:    req.ComplexityScore,
		EstimatedDurationS: estimated,
		OptimizedDurationS: optimized,
		Status:             models.TaskStatusQueued,
		ProgressLog:        []byte("[]"),
	}
	if len(req.Metadata) > 0 {
		meta, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode task metadata: %w", err)
		}
		task.Metadata = meta
	}
	return task, nil
}

// Cancel moves an active task to cancelled. A processing task finishes its
// in-flight stage but runs no further stages. Returns false when the task
// was already terminal.
func (s *Scheduler) Cancel(ctx context.Context, taskID uuid.UUID) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.ProcessingTask{}).
		Where("id = ? AND status IN ?", taskID, activeStatuses).
		Updates(map[string]interface{}{
			"status":       models.TaskStatusCancelled,
			"completed_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("cancel task: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	s.mu.Lock()
	cancel, ok := s.runners[taskID]
	s.mu.Unlock()
	if ok {
		cancel()
	}

	s.logger.Info("task cancelled", zap.String("task_id", taskID.String()))
	return true, nil
}

// Get loads one task.
func (s *Scheduler) Get(ctx context.Context, taskID uuid.UUID) (*models.ProcessingTask, error) {
	var task models.ProcessingTask
	if err := s.db.WithContext(ctx).Where("id = ?", taskID).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// ListActive returns queued and processing tasks, optionally scoped to a
// tenant, oldest first.
func (s *Scheduler) ListActive(ctx context.Context, tenantID string) ([]models.ProcessingTask, error) {
	q := s.db.WithContext(ctx).
		Where("status IN ?", activeStatuses).
		Order("created_at ASC")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var tasks []models.ProcessingTask
	if err := q.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// ReapOrphans fails processing tasks whose last write is older than the
// cutoff. Runners touch their row every stage, so a stale processing row
// means its runner is gone.
func (s *Scheduler) ReapOrphans(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := s.db.WithContext(ctx).Model(&models.ProcessingTask{}).
		Where("status = ? AND updated_at < ?", models.TaskStatusProcessing, cutoff).
		Updates(map[string]interface{}{
			"status":         models.TaskStatusFailed,
			"failure_reason": "runner restart",
			"completed_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("reap orphaned tasks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Scheduler) registerRunner(taskID uuid.UUID, cancel context.CancelFunc) {
	s.mu.Lock()
	s.runners[taskID] = cancel
	s.mu.Unlock()
}

func (s *Scheduler) unregisterRunner(taskID uuid.UUID) {
	s.mu.Lock()
	delete(s.runners, taskID)
	s.mu.Unlock()
}
