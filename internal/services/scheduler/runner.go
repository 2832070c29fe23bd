package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/monitoring"
)

// launch hands a task to a runner goroutine.
func (s *Scheduler) launch(task *models.ProcessingTask) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go s.run(task.ID, task.Tier)
}

// run executes one task: claim a tier slot, walk the stages, persist and
// publish progress after each, settle the terminal state. Database writes
// use detached contexts so a task cancellation cannot lose its own
// bookkeeping.
func (s *Scheduler) run(taskID uuid.UUID, tier models.TaskTier) {
	defer s.wg.Done()

	slot, ok := s.slots[tier]
	if !ok {
		slot = s.slots[models.TaskTierStandard]
	}
	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	case <-s.baseCtx.Done():
		// Shutdown while waiting for a slot: the row stays queued and is
		// re-adopted on the next Start.
		return
	}
	// Global cap across tiers, on top of the per-tier slot.
	select {
	case s.runSlots <- struct{}{}:
		defer func() { <-s.runSlots }()
	case <-s.baseCtx.Done():
		return
	}

	taskCtx, cancel := context.WithCancel(s.baseCtx)
	defer cancel()
	s.registerRunner(taskID, cancel)
	defer s.unregisterRunner(taskID)
	defer s.hub.closeTask(taskID)

	task, err := s.reload(taskID)
	if err != nil {
		s.logger.Error("runner could not load task", zap.String("task_id", taskID.String()), zap.Error(err))
		return
	}
	if !task.Status.Active() {
		s.publishTerminal(task)
		return
	}

	startedAt := time.Now().UTC()
	res := s.db.Model(&models.ProcessingTask{}).
		Where("id = ? AND status = ?", taskID, models.TaskStatusQueued).
		Updates(map[string]interface{}{
			"status":        models.TaskStatusProcessing,
			"started_at":    startedAt,
			"current_stage": stages[0],
		})
	if res.Error != nil {
		s.logger.Error("failed to claim task", zap.String("task_id", taskID.String()), zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		// Cancelled while queued.
		s.settleFromRow(taskID, startedAt)
		return
	}

	n := len(stages)
	stageWall := time.Duration(task.OptimizedDurationS) * s.clockScale / time.Duration(n)
	entries := make([]models.ProgressEntry, 0, n)
	ranAll := true

	for i, stage := range stages {
		if !s.waitStage(taskCtx, stageWall) {
			ranAll = false
			break
		}

		progress := (i + 1) * 100 / n
		remaining := task.OptimizedDurationS * (n - 1 - i) / n
		entry := models.ProgressEntry{
			Timestamp:  time.Now().UTC(),
			Stage:      stage,
			Progress:   progress,
			RemainingS: remaining,
		}
		entries = append(entries, entry)

		nextStage := stage
		if i+1 < n {
			nextStage = stages[i+1]
		}
		logJSON, _ := json.Marshal(entries)
		res := s.db.Model(&models.ProcessingTask{}).
			Where("id = ? AND status = ?", taskID, models.TaskStatusProcessing).
			Updates(map[string]interface{}{
				"progress":      progress,
				"current_stage": nextStage,
				"progress_log":  logJSON,
			})
		if res.Error != nil {
			s.logger.Error("failed to persist task progress",
				zap.String("task_id", taskID.String()),
				zap.String("stage", stage),
				zap.Error(res.Error))
		} else if res.RowsAffected == 0 {
			// Cancelled between stages; the in-flight stage already ran.
			ranAll = false
			break
		}

		s.hub.publish(taskID, ProgressFrame{
			Type:         FrameProgress,
			TaskID:       taskID.String(),
			Status:       models.TaskStatusProcessing,
			CurrentStage: stage,
			Progress:     progress,
			RemainingS:   remaining,
			Timestamp:    entry.Timestamp,
		})
	}

	if ranAll {
		completedAt := time.Now().UTC()
		res := s.db.Model(&models.ProcessingTask{}).
			Where("id = ? AND status = ?", taskID, models.TaskStatusProcessing).
			Updates(map[string]interface{}{
				"status":       models.TaskStatusCompleted,
				"progress":     100,
				"completed_at": completedAt,
			})
		if res.Error == nil && res.RowsAffected > 0 {
			monitoring.RecordTaskOutcome(string(tier), string(models.TaskStatusCompleted), completedAt.Sub(startedAt))
			s.hub.publish(taskID, ProgressFrame{
				Type:         FrameCompleted,
				TaskID:       taskID.String(),
				Status:       models.TaskStatusCompleted,
				CurrentStage: stages[n-1],
				Progress:     100,
				Timestamp:    completedAt,
			})
			s.logger.Info("task completed",
				zap.String("task_id", taskID.String()),
				zap.Duration("elapsed", completedAt.Sub(startedAt)))
			return
		}
		if res.Error != nil {
			s.logger.Error("failed to complete task", zap.String("task_id", taskID.String()), zap.Error(res.Error))
			return
		}
	}

	s.settleFromRow(taskID, startedAt)
}

// settleFromRow publishes the terminal frame for a task whose terminal
// status was written elsewhere (cancel, cross-process transition). A row
// still marked processing here means shutdown: the next Start reaps it.
func (s *Scheduler) settleFromRow(taskID uuid.UUID, startedAt time.Time) {
	task, err := s.reload(taskID)
	if err != nil {
		s.logger.Error("could not reload task for settlement", zap.String("task_id", taskID.String()), zap.Error(err))
		return
	}
	if !task.Status.Terminal() {
		return
	}
	monitoring.RecordTaskOutcome(string(task.Tier), string(task.Status), time.Now().UTC().Sub(startedAt))
	s.publishTerminal(task)
}

func (s *Scheduler) publishTerminal(task *models.ProcessingTask) {
	s.hub.publish(task.ID, terminalFrame(task))
}

func (s *Scheduler) reload(taskID uuid.UUID) (*models.ProcessingTask, error) {
	var task models.ProcessingTask
	if err := s.db.Where("id = ?", taskID).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

// waitStage sleeps out one stage. Returns false when the task context was
// cancelled first; the caller runs no further stages.
func (s *Scheduler) waitStage(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
