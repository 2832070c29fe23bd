package scheduler

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/models"
)

// Frame types carried to progress subscribers.
const (
	FrameProgress  = "progress_update"
	FrameCompleted = "task_completed"
	FrameFailed    = "task_failed"
	FrameCancelled = "task_cancelled"
)

// ProgressFrame is one progress update as seen by a stream subscriber.
type ProgressFrame struct {
	Type               string            `json:"type"`
	TaskID             string            `json:"task_id"`
	Status             models.TaskStatus `json:"status"`
	CurrentStage       string            `json:"current_stage,omitempty"`
	Progress           int               `json:"progress"`
	RemainingS         int               `json:"remaining_s"`
	OptimizedDurationS int               `json:"optimized_duration_s,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
}

// Terminal reports whether this frame ends the stream.
func (f ProgressFrame) Terminal() bool {
	return f.Status.Terminal()
}

const defaultSubscriberBuffer = 64

type subscriber struct {
	frames chan ProgressFrame
	closed bool
}

// hub fans task progress out to in-process subscribers. Slow subscribers
// drop frames rather than stall the runner; streams recover gaps from the
// persisted progress log.
type hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID][]*subscriber
	buffer int
	logger *zap.Logger
}

func newHub(logger *zap.Logger, buffer int) *hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &hub{
		subs:   make(map[uuid.UUID][]*subscriber),
		buffer: buffer,
		logger: logger,
	}
}

func (h *hub) subscribe(taskID uuid.UUID) *subscriber {
	sub := &subscriber{frames: make(chan ProgressFrame, h.buffer)}
	h.mu.Lock()
	h.subs[taskID] = append(h.subs[taskID], sub)
	h.mu.Unlock()
	return sub
}

func (h *hub) unsubscribe(taskID uuid.UUID, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.subs[taskID]
	for i, s := range list {
		if s == sub {
			h.subs[taskID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(h.subs[taskID]) == 0 {
		delete(h.subs, taskID)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.frames)
	}
}

// publish delivers a frame to every subscriber of the task without
// blocking. A full subscriber buffer drops the frame.
func (h *hub) publish(taskID uuid.UUID, frame ProgressFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs[taskID] {
		if sub.closed {
			continue
		}
		select {
		case sub.frames <- frame:
		default:
			h.logger.Warn("progress subscriber lagging, frame dropped",
				zap.String("task_id", taskID.String()),
				zap.Int("progress", frame.Progress))
		}
	}
}

// closeTask closes every subscriber channel after the terminal frame has
// been published.
func (h *hub) closeTask(taskID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, sub := range h.subs[taskID] {
		if !sub.closed {
			sub.closed = true
			close(sub.frames)
		}
	}
	delete(h.subs, taskID)
}
