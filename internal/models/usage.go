package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type UsageStatus string

const (
	UsageStatusOK      UsageStatus = "ok"
	UsageStatusError   UsageStatus = "error"
	UsageStatusBlocked UsageStatus = "blocked"
)

type UsageSource string

const (
	UsageSourceProvider  UsageSource = "provider"
	UsageSourceEstimated UsageSource = "estimated"
)

// UsageEvent is the immutable record of one logical provider call. Exactly
// one event exists per call, whether it succeeded, failed, or was blocked
// before dispatch. Prompt and completion text never appear here, only
// SHA-256 digests of their redacted forms.
type UsageEvent struct {
	ID        uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Timestamp time.Time `gorm:"not null;index;index:idx_usage_tenant_ts,priority:2" json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`

	TenantID  string `gorm:"not null;index:idx_usage_tenant_ts,priority:1" json:"tenant_id"`
	SessionID string `gorm:"not null" json:"session_id"`
	RunID     string `gorm:"not null" json:"run_id"`
	StepID    string `gorm:"not null" json:"step_id"`

	Provider string `gorm:"not null;index:idx_usage_provider_model,priority:1" json:"provider"`
	Model    string `gorm:"not null;index:idx_usage_provider_model,priority:2" json:"model"`

	PromptTokens     int             `gorm:"not null;default:0" json:"prompt_tokens"`
	CompletionTokens int             `gorm:"not null;default:0" json:"completion_tokens"`
	TotalTokens      int             `gorm:"not null;default:0" json:"total_tokens"`
	CostUSD          decimal.Decimal `gorm:"type:decimal(20,6);not null;default:0" json:"cost_usd"`

	Status UsageStatus `gorm:"not null;index" json:"status"`
	Source UsageSource `gorm:"not null" json:"source"`

	UserID         string         `json:"user_id,omitempty"`
	WorkspaceID    string         `json:"workspace_id,omitempty"`
	ParentStepID   string         `json:"parent_step_id,omitempty"`
	AgentName      string         `json:"agent_name,omitempty"`
	ToolName       string         `json:"tool_name,omitempty"`
	ModelVersion   string         `json:"model_version,omitempty"`
	TokenBreakdown datatypes.JSON `json:"token_breakdown,omitempty"`

	CacheHit         bool   `gorm:"default:false" json:"cache_hit"`
	Retries          int    `gorm:"default:0" json:"retries"`
	LatencyMS        int64  `gorm:"default:0" json:"latency_ms"`
	ErrorCode        string `json:"error_code,omitempty"`
	RedactionApplied bool   `gorm:"default:false" json:"redaction_applied"`
	PromptDigest     string `json:"prompt_digest,omitempty"`
	CompletionDigest string `json:"completion_digest,omitempty"`
}

func (UsageEvent) TableName() string {
	return "usage_events"
}

// Normalize fills derived columns and enforces the token identity
// total = prompt + completion before the row is written.
func (e *UsageEvent) Normalize() {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.TotalTokens = e.PromptTokens + e.CompletionTokens
	e.CostUSD = e.CostUSD.Round(6)
	if e.CostUSD.IsNegative() {
		e.CostUSD = decimal.Zero
	}
}
