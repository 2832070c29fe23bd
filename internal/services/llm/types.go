package llm

import (
	"context"
	"strings"
)

// DefaultOutputTokenEstimate is the completion-token ceiling assumed during
// the budget pre-check when the real completion size is still unknown.
const DefaultOutputTokenEstimate = 500

// Message is one turn of a chat prompt.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallContext identifies who is making the call and where it sits in the
// caller's execution tree. TenantID, SessionID, RunID and StepID are
// required; the rest is optional annotation carried onto the usage event.
type CallContext struct {
	TenantID     string `json:"tenant_id"`
	UserID       string `json:"user_id,omitempty"`
	WorkspaceID  string `json:"workspace_id,omitempty"`
	SessionID    string `json:"session_id"`
	RunID        string `json:"run_id"`
	StepID       string `json:"step_id"`
	ParentStepID string `json:"parent_step_id,omitempty"`
	AgentName    string `json:"agent_name,omitempty"`
}

// CallRequest describes one chat call to dispatch.
type CallRequest struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	ModelVersion string    `json:"model_version,omitempty"`
	Messages     []Message `json:"messages"`
	ToolName     string    `json:"tool_name,omitempty"`
	AttemptN     int       `json:"attempt_n,omitempty"`
	CacheHit     bool      `json:"cache_hit,omitempty"`
}

// promptText flattens the message contents for redaction and estimation.
func (r *CallRequest) promptText() string {
	var sb strings.Builder
	for i, m := range r.Messages {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// Usage is the token accounting a provider reports, or the wrapper
// reconstructs when the provider stays silent.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
}

// ProviderResult is what a provider callable hands back. Usage stays nil
// when the provider does not report token counts. Raw carries the untouched
// provider payload for the caller; it never reaches persistence.
type ProviderResult struct {
	Content string      `json:"content"`
	Usage   *Usage      `json:"usage,omitempty"`
	Raw     interface{} `json:"-"`
}

// ProviderCallable dispatches one non-streaming call.
type ProviderCallable func(ctx context.Context, req *CallRequest) (*ProviderResult, error)

// StreamChunk is one increment of a streaming response. A terminal chunk
// may carry Usage (provider-reported totals) or Err (mid-stream failure);
// the channel closes after either.
type StreamChunk struct {
	DeltaText            string `json:"delta_text,omitempty"`
	DeltaTokens          int    `json:"delta_tokens,omitempty"`
	DeltaReasoningTokens int    `json:"delta_reasoning_tokens,omitempty"`
	Usage                *Usage `json:"usage,omitempty"`
	Err                  error  `json:"-"`
}

// StreamCallable opens one streaming call. Chunks arrive in emission order
// and the channel closes when the stream ends.
type StreamCallable func(ctx context.Context, req *CallRequest) (<-chan StreamChunk, error)

// StreamResult is the assembled outcome of a consumed stream.
type StreamResult struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// EmbedRequest describes one embedding call. Embeddings have no completion
// side; only the input is tokenized and billed.
type EmbedRequest struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	ModelVersion string `json:"model_version,omitempty"`
	Input        string `json:"input"`
	AttemptN     int    `json:"attempt_n,omitempty"`
	CacheHit     bool   `json:"cache_hit,omitempty"`
}

// EmbedResult is an embedding vector plus optional provider usage.
type EmbedResult struct {
	Vector []float32   `json:"vector"`
	Usage  *Usage      `json:"usage,omitempty"`
	Raw    interface{} `json:"-"`
}

// EmbedCallable dispatches one embedding call.
type EmbedCallable func(ctx context.Context, req *EmbedRequest) (*EmbedResult, error)
