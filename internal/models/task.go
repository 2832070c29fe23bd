package models

import (
	"time"

	"gorm.io/datatypes"
)

type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Active means the task occupies its (tenant, session) slot.
func (s TaskStatus) Active() bool {
	return s == TaskStatusQueued || s == TaskStatusProcessing
}

type TaskTier string

const (
	TaskTierStandard   TaskTier = "standard"
	TaskTierPriority   TaskTier = "priority"
	TaskTierPremium    TaskTier = "premium"
	TaskTierEnterprise TaskTier = "enterprise"
)

func (t TaskTier) Valid() bool {
	switch t {
	case TaskTierStandard, TaskTierPriority, TaskTierPremium, TaskTierEnterprise:
		return true
	}
	return false
}

// AllowsParallelSessions reports whether the tier may run several tasks in
// the same browser session at once.
func (t TaskTier) AllowsParallelSessions() bool {
	return t == TaskTierPremium || t == TaskTierEnterprise
}

// ProgressEntry is one element of a task's append-only progress log.
type ProgressEntry struct {
	Timestamp  time.Time `json:"ts"`
	Stage      string    `json:"stage"`
	Progress   int       `json:"progress"`
	RemainingS int       `json:"remaining_s"`
}

// ProcessingTask is a long-running job admitted by the scheduler. Progress
// is monotonic and reaches 100 exactly when the task completes; standard and
// priority tiers hold at most one active task per (tenant, session_key).
type ProcessingTask struct {
	BaseModel
	TenantID   string `gorm:"not null;index:idx_task_session,priority:1" json:"tenant_id"`
	UserID     string `json:"user_id,omitempty"`
	SessionKey string `gorm:"not null;index:idx_task_session,priority:2" json:"session_key"`

	OperationType   string   `gorm:"not null" json:"operation_type"`
	Tier            TaskTier `gorm:"not null;default:standard" json:"tier"`
	ComplexityScore int      `gorm:"not null" json:"complexity_score"`

	EstimatedDurationS int `gorm:"not null" json:"estimated_duration_s"`
	OptimizedDurationS int `gorm:"not null" json:"optimized_duration_s"`

	Status       TaskStatus `gorm:"not null;default:queued;index:idx_task_session,priority:3" json:"status"`
	Progress     int        `gorm:"not null;default:0" json:"progress"`
	CurrentStage string     `json:"current_stage"`

	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`

	ProgressLog datatypes.JSON `json:"progress_log,omitempty"`
	Metadata    datatypes.JSON `json:"metadata,omitempty"`
}

func (ProcessingTask) TableName() string {
	return "processing_tasks"
}
