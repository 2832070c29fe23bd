package scheduler

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/spendgate/spendgate/internal/models"
)

// Stream yields the task's progress frames past the caller's cursor (an
// index into the persisted progress log), then live frames until a terminal
// frame closes the channel. Concurrent streams of one task see the same
// sequence. The caller's context stops the stream early.
func (s *Scheduler) Stream(ctx context.Context, taskID uuid.UUID, cursor int) (<-chan ProgressFrame, error) {
	// Subscribe before the snapshot read so no frame can fall between
	// replay and live delivery; overlap is deduplicated by progress value.
	sub := s.hub.subscribe(taskID)

	task, err := s.Get(ctx, taskID)
	if err != nil {
		s.hub.unsubscribe(taskID, sub)
		return nil, err
	}

	var entries []models.ProgressEntry
	if len(task.ProgressLog) > 0 {
		if err := json.Unmarshal(task.ProgressLog, &entries); err != nil {
			s.hub.unsubscribe(taskID, sub)
			return nil, err
		}
	}
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(entries) {
		cursor = len(entries)
	}
	replay := entries[cursor:]

	out := make(chan ProgressFrame, len(replay)+s.hub.buffer+1)
	go func() {
		defer close(out)
		defer s.hub.unsubscribe(taskID, sub)

		emit := func(f ProgressFrame) bool {
			select {
			case out <- f:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for _, e := range replay {
			ok := emit(ProgressFrame{
				Type:         FrameProgress,
				TaskID:       taskID.String(),
				Status:       models.TaskStatusProcessing,
				CurrentStage: e.Stage,
				Progress:     e.Progress,
				RemainingS:   e.RemainingS,
				Timestamp:    e.Timestamp,
			})
			if !ok {
				return
			}
		}

		last := 0
		if len(entries) > 0 {
			last = entries[len(entries)-1].Progress
		}

		if task.Status.Terminal() {
			emit(terminalFrame(task))
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-sub.frames:
				if !ok {
					// Runner went away without a terminal frame (shutdown).
					// One re-read catches a terminal state written since.
					if t, err := s.reload(taskID); err == nil && t.Status.Terminal() {
						emit(terminalFrame(t))
					}
					return
				}
				if frame.Terminal() {
					emit(frame)
					return
				}
				if frame.Progress <= last {
					continue
				}
				last = frame.Progress
				if !emit(frame) {
					return
				}
			}
		}
	}()
	return out, nil
}

func terminalFrame(task *models.ProcessingTask) ProgressFrame {
	typ := FrameCompleted
	switch task.Status {
	case models.TaskStatusFailed:
		typ = FrameFailed
	case models.TaskStatusCancelled:
		typ = FrameCancelled
	}
	ts := task.UpdatedAt
	if task.CompletedAt != nil {
		ts = *task.CompletedAt
	}
	return ProgressFrame{
		Type:               typ,
		TaskID:             task.ID.String(),
		Status:             task.Status,
		CurrentStage:       task.CurrentStage,
		Progress:           task.Progress,
		OptimizedDurationS: task.OptimizedDurationS,
		Timestamp:          ts,
	}
}
