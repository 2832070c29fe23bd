// Package llm wraps provider dispatch with the full accounting path: budget
// pre-check, redaction, token estimation, cost calculation, usage event
// persistence, budget commit and tracing. Providers themselves are injected
// as callables; the wrapper owns everything around them.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/spendgate/spendgate/internal/models"
	"github.com/spendgate/spendgate/internal/monitoring"
	"github.com/spendgate/spendgate/internal/services/budget"
	"github.com/spendgate/spendgate/internal/services/pricing"
	"github.com/spendgate/spendgate/internal/services/redact"
	"github.com/spendgate/spendgate/internal/services/retry"
	"github.com/spendgate/spendgate/internal/services/tokenizer"
	"github.com/spendgate/spendgate/internal/services/tracing"
	"github.com/spendgate/spendgate/internal/services/usage"
	"github.com/spendgate/spendgate/pkg/circuitbreaker"
)

// settleTimeout bounds the detached persistence window used when the
// caller's context is already dead (cancellation, mid-stream failure).
const settleTimeout = 5 * time.Second

// Config wires the wrapper's collaborators. Prices, Estimator, Redactor,
// Store and Guard are required; the rest defaults sensibly.
type Config struct {
	Prices    *pricing.Table
	Estimator *tokenizer.Estimator
	Redactor  *redact.Redactor
	Store     *usage.Store
	Guard     *budget.Guard
	Tracer    *tracing.Tracer
	Breakers  *circuitbreaker.Manager

	// Retry controls in-process dispatch retries for transient provider
	// failures. The default is a single attempt: callers that manage their
	// own retry loop pass the loop counter as AttemptN instead.
	Retry *retry.Config

	// OutputTokenEstimate is the completion ceiling assumed by the budget
	// pre-check. Zero means DefaultOutputTokenEstimate.
	OutputTokenEstimate int

	Logger *zap.Logger
}

// Wrapper executes provider calls under budget enforcement and full usage
// accounting. Safe for concurrent use.
type Wrapper struct {
	prices    *pricing.Table
	estimator *tokenizer.Estimator
	redactor  *redact.Redactor
	store     *usage.Store
	guard     *budget.Guard
	tracer    *tracing.Tracer
	breakers  *circuitbreaker.Manager
	retryConf *retry.Config
	estOutput int
	logger    *zap.Logger
}

func NewWrapper(cfg Config) *Wrapper {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Breakers == nil {
		cfg.Breakers = circuitbreaker.NewManager(0, 0)
	}
	if cfg.Retry == nil {
		cfg.Retry = &retry.Config{MaxAttempts: 1}
	}
	if cfg.OutputTokenEstimate <= 0 {
		cfg.OutputTokenEstimate = DefaultOutputTokenEstimate
	}
	return &Wrapper{
		prices:    cfg.Prices,
		estimator: cfg.Estimator,
		redactor:  cfg.Redactor,
		store:     cfg.Store,
		guard:     cfg.Guard,
		tracer:    cfg.Tracer,
		breakers:  cfg.Breakers,
		retryConf: cfg.Retry,
		estOutput: cfg.OutputTokenEstimate,
		logger:    cfg.Logger,
	}
}

// callState carries one call's accounting context across the pre-check,
// dispatch and settlement phases.
type callState struct {
	start    time.Time
	provider string
	model    string
	version  string
	toolName string
	attemptN int
	cacheHit bool
	cc       *CallContext

	promptDigest   string
	promptRedacted bool
	estPrompt      int
	price          *models.PriceRow

	span *tracing.Span
}

func (cs *callState) upstream() string {
	return cs.provider + "/" + cs.model
}

// retries folds the caller's external attempt counter together with any
// in-process dispatch retries into the single count the event records.
func (cs *callState) retries(attempts int) int {
	n := cs.attemptN - 1
	if n < 0 {
		n = 0
	}
	if attempts > 1 {
		n += attempts - 1
	}
	return n
}

func (w *Wrapper) newCallState(provider, model, version, toolName string, attemptN int, cacheHit bool, cc *CallContext) (*callState, error) {
	if provider == "" || model == "" {
		return nil, errors.New("llm: provider and model are required")
	}
	if cc == nil {
		return nil, errors.New("llm: call context is required")
	}
	if cc.TenantID == "" || cc.SessionID == "" || cc.RunID == "" || cc.StepID == "" {
		return nil, errors.New("llm: tenant_id, session_id, run_id and step_id are required")
	}
	return &callState{
		start:    time.Now(),
		provider: provider,
		model:    model,
		version:  version,
		toolName: toolName,
		attemptN: attemptN,
		cacheHit: cacheHit,
		cc:       cc,
	}, nil
}

// preflight runs the pre-dispatch phase: redact and digest the prompt,
// estimate its tokens, look up the price, and ask the budget guard whether
// the projected spend may proceed. A block writes the blocked event and
// returns BudgetBlockedError without the provider ever being invoked.
func (w *Wrapper) preflight(ctx context.Context, cs *callState, promptText string) error {
	redacted, digest, wasRedacted := w.redactor.Apply(promptText)
	cs.promptDigest = digest
	cs.promptRedacted = wasRedacted
	cs.estPrompt = w.estimator.EstimateText(redacted)

	price, err := w.prices.Latest(ctx, cs.provider, cs.model)
	switch {
	case err == nil:
		cs.price = price
	case errors.Is(err, pricing.ErrPriceMissing):
		w.logger.Warn("no price row for upstream, recording zero cost",
			zap.String("provider", cs.provider),
			zap.String("model", cs.model))
	default:
		// A transient lookup failure degrades to the missing-price path
		// rather than failing the call.
		w.logger.Error("price lookup failed",
			zap.String("provider", cs.provider),
			zap.String("model", cs.model),
			zap.Error(err))
	}

	projected := pricing.ProjectedCost(cs.price, cs.estPrompt, w.estOutput)
	decision, err := w.guard.Evaluate(ctx, cs.cc.TenantID, projected)
	if err != nil {
		return fmt.Errorf("budget evaluation: %w", err)
	}
	monitoring.RecordBudgetDecision(string(decision.State))

	if decision.Notify {
		w.guard.NoteDecision(ctx, cs.cc.TenantID, decision)
		monitoring.RecordBudgetAlert(decision.Band.String())
	}

	if decision.ShouldBlock {
		ev := w.newEvent(cs)
		ev.Status = models.UsageStatusBlocked
		ev.Source = models.UsageSourceEstimated
		ev.Retries = cs.retries(0)
		ev.LatencyMS = time.Since(cs.start).Milliseconds()
		if err := w.store.Append(ctx, ev); err != nil {
			w.logger.Error("failed to persist blocked usage event",
				zap.String("tenant_id", cs.cc.TenantID),
				zap.Error(err))
			return fmt.Errorf("persist blocked usage event: %w", err)
		}
		monitoring.RecordLLMCall(cs.provider, cs.model, string(models.UsageStatusBlocked), time.Since(cs.start))
		w.logger.Info("call blocked by budget",
			zap.String("tenant_id", cs.cc.TenantID),
			zap.String("upstream", cs.upstream()),
			zap.String("state", string(decision.State)))
		return &BudgetBlockedError{State: decision.State, Message: decision.Message}
	}
	return nil
}

// newEvent builds a usage event carrying the call's identity fields. Token,
// cost and status fields are filled by the settlement paths.
func (w *Wrapper) newEvent(cs *callState) *models.UsageEvent {
	return &models.UsageEvent{
		TenantID:         cs.cc.TenantID,
		SessionID:        cs.cc.SessionID,
		RunID:            cs.cc.RunID,
		StepID:           cs.cc.StepID,
		UserID:           cs.cc.UserID,
		WorkspaceID:      cs.cc.WorkspaceID,
		ParentStepID:     cs.cc.ParentStepID,
		AgentName:        cs.cc.AgentName,
		Provider:         cs.provider,
		Model:            cs.model,
		ModelVersion:     cs.version,
		ToolName:         cs.toolName,
		CacheHit:         cs.cacheHit,
		RedactionApplied: cs.promptRedacted,
		PromptDigest:     cs.promptDigest,
	}
}

// reconcileUsage picks the authoritative token counts. Provider-reported
// usage wins; when the reported total disagrees with its parts the total is
// trusted and the completion side adjusted. Without a report the estimate
// and any observed completion tokens stand in.
func reconcileUsage(reported *Usage, estPrompt, observedCompletion int) (Usage, models.UsageSource) {
	if reported != nil && (reported.PromptTokens > 0 || reported.CompletionTokens > 0 || reported.TotalTokens > 0) {
		u := *reported
		if u.TotalTokens > 0 && u.TotalTokens != u.PromptTokens+u.CompletionTokens {
			u.CompletionTokens = u.TotalTokens - u.PromptTokens
			if u.CompletionTokens < 0 {
				u.CompletionTokens = 0
			}
		}
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		return u, models.UsageSourceProvider
	}
	return Usage{
		PromptTokens:     estPrompt,
		CompletionTokens: observedCompletion,
		TotalTokens:      estPrompt + observedCompletion,
	}, models.UsageSourceEstimated
}

// settleSuccess persists the event, commits the spend and closes the span
// for a call that returned. The returned error is non-nil only when the
// event itself could not be persisted.
func (w *Wrapper) settleSuccess(ctx context.Context, cs *callState, attempts int, u Usage, source models.UsageSource, completionText string) (decimal.Decimal, error) {
	// An unpriced upstream is recorded at zero cost and marked estimated
	// regardless of what the provider reported.
	if cs.price == nil {
		source = models.UsageSourceEstimated
	}
	cost := pricing.Cost(cs.price, u.PromptTokens, u.CompletionTokens, u.ReasoningTokens, cs.cacheHit)

	ev := w.newEvent(cs)
	ev.Status = models.UsageStatusOK
	ev.Source = source
	ev.PromptTokens = u.PromptTokens
	ev.CompletionTokens = u.CompletionTokens
	ev.CostUSD = cost
	ev.Retries = cs.retries(attempts)
	ev.LatencyMS = time.Since(cs.start).Milliseconds()

	if completionText != "" {
		_, digest, wasRedacted := w.redactor.Apply(completionText)
		ev.CompletionDigest = digest
		ev.RedactionApplied = ev.RedactionApplied || wasRedacted
	}
	if u.ReasoningTokens > 0 {
		if breakdown, err := json.Marshal(map[string]int{"reasoning": u.ReasoningTokens}); err == nil {
			ev.TokenBreakdown = datatypes.JSON(breakdown)
		}
	}

	if err := w.store.Append(ctx, ev); err != nil {
		w.logger.Error("failed to persist usage event",
			zap.String("tenant_id", cs.cc.TenantID),
			zap.String("upstream", cs.upstream()),
			zap.Error(err))
		cs.finishSpan(u, cost, attempts, string(models.UsageStatusOK), "")
		return cost, fmt.Errorf("persist usage event: %w", err)
	}

	// The commit is intentionally after the event is durable. A commit
	// failure leaves drift the reconciler repairs from the event log, so
	// the call itself still succeeds.
	if err := w.guard.Commit(ctx, cs.cc.TenantID, cost); err != nil {
		w.logger.Error("budget commit failed, counter will drift until reconciled",
			zap.String("tenant_id", cs.cc.TenantID),
			zap.String("cost_usd", cost.String()),
			zap.Error(err))
	}

	cs.finishSpan(u, cost, attempts, string(models.UsageStatusOK), "")
	monitoring.RecordLLMCall(cs.provider, cs.model, string(models.UsageStatusOK), time.Since(cs.start))
	monitoring.RecordTokens(cs.provider, cs.model, u.PromptTokens, u.CompletionTokens)
	monitoring.RecordCost(cs.provider, cs.model, cost.InexactFloat64())
	return cost, nil
}

// settleFailure records a dispatch failure: the typed error to re-raise,
// an error event with whatever tokens were observed before the failure,
// and a partial-cost commit. Persistence runs on a detached context so a
// dead caller context cannot also kill the accounting.
func (w *Wrapper) settleFailure(ctx context.Context, cs *callState, attempts, promptObserved, completionObserved, reasoningObserved int, cause error) error {
	code := errorCode(cause)
	var typed error
	switch {
	case isCancellation(cause):
		typed = &CancelledError{Err: cause}
	default:
		var pe *ProviderError
		if errors.As(cause, &pe) {
			typed = pe
		} else {
			typed = &ProviderError{Code: code, Err: cause}
		}
	}

	cost := pricing.Cost(cs.price, promptObserved, completionObserved, reasoningObserved, cs.cacheHit)

	settleCtx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	ev := w.newEvent(cs)
	ev.Status = models.UsageStatusError
	ev.Source = models.UsageSourceEstimated
	ev.ErrorCode = code
	ev.PromptTokens = promptObserved
	ev.CompletionTokens = completionObserved
	ev.CostUSD = cost
	ev.Retries = cs.retries(attempts)
	ev.LatencyMS = time.Since(cs.start).Milliseconds()

	if err := w.store.Append(settleCtx, ev); err != nil {
		w.logger.Error("failed to persist error usage event",
			zap.String("tenant_id", cs.cc.TenantID),
			zap.String("upstream", cs.upstream()),
			zap.Error(err))
	} else if err := w.guard.Commit(settleCtx, cs.cc.TenantID, cost); err != nil {
		w.logger.Error("budget commit failed after provider error",
			zap.String("tenant_id", cs.cc.TenantID),
			zap.Error(err))
	}

	cs.span.RecordError(typed)
	cs.finishSpan(Usage{
		PromptTokens:     promptObserved,
		CompletionTokens: completionObserved,
		TotalTokens:      promptObserved + completionObserved,
	}, cost, attempts, string(models.UsageStatusError), code)
	monitoring.RecordLLMCall(cs.provider, cs.model, string(models.UsageStatusError), time.Since(cs.start))
	if cost.IsPositive() {
		monitoring.RecordTokens(cs.provider, cs.model, promptObserved, completionObserved)
		monitoring.RecordCost(cs.provider, cs.model, cost.InexactFloat64())
	}

	w.logger.Warn("provider call failed",
		zap.String("tenant_id", cs.cc.TenantID),
		zap.String("upstream", cs.upstream()),
		zap.String("error_code", code),
		zap.Int("attempts", attempts),
		zap.Error(cause))
	return typed
}

// finishSpan stamps the closing attributes and ends the span. Nil spans
// (blocked calls, tracing disabled) are safe.
func (cs *callState) finishSpan(u Usage, cost decimal.Decimal, attempts int, status, code string) {
	cs.span.SetUsage(u.PromptTokens, u.CompletionTokens, u.TotalTokens)
	cs.span.SetCost(cost)
	cs.span.SetRetries(cs.retries(attempts))
	cs.span.SetStatus(status)
	cs.span.SetErrorCode(code)
	cs.span.End()
}

// openSpan starts the call span and stamps identity attributes.
func (w *Wrapper) openSpan(ctx context.Context, cs *callState, name string) context.Context {
	ctx, span := w.tracer.StartCall(ctx, name)
	cs.span = span
	span.SetIdentity(cs.provider, cs.model, cs.cc.TenantID, cs.cc.SessionID, cs.cc.RunID, cs.cc.StepID)
	span.SetCacheHit(cs.cacheHit)
	return ctx
}

// Call dispatches one non-streaming call through the full accounting path.
// Exactly one usage event is written whether the call succeeds, fails or is
// blocked, and at most one budget commit is applied.
func (w *Wrapper) Call(ctx context.Context, req *CallRequest, cc *CallContext, callable ProviderCallable) (*ProviderResult, error) {
	if req == nil || callable == nil {
		return nil, errors.New("llm: request and callable are required")
	}
	cs, err := w.newCallState(req.Provider, req.Model, req.ModelVersion, req.ToolName, req.AttemptN, req.CacheHit, cc)
	if err != nil {
		return nil, err
	}

	if err := w.preflight(ctx, cs, req.promptText()); err != nil {
		return nil, err
	}

	ctx = w.openSpan(ctx, cs, "llm.call")

	if w.breakers.IsOpen(cs.upstream()) {
		return nil, w.settleFailure(ctx, cs, 0, 0, 0, 0, errCircuitOpen)
	}

	var result *ProviderResult
	attempts := 0
	dispatch := func(ctx context.Context) error {
		attempts++
		r, derr := callable(ctx, req)
		if derr != nil {
			return derr
		}
		if r == nil {
			return errors.New("provider returned empty result")
		}
		result = r
		return nil
	}

	if err := retry.Do(ctx, w.retryConf, dispatch, retry.DefaultIsRetryable); err != nil {
		if !isCancellation(err) {
			w.breakers.RecordFailure(cs.upstream())
		}
		return nil, w.settleFailure(ctx, cs, attempts, 0, 0, 0, err)
	}
	w.breakers.RecordSuccess(cs.upstream())

	u, source := reconcileUsage(result.Usage, cs.estPrompt, 0)
	if _, err := w.settleSuccess(ctx, cs, attempts, u, source, result.Content); err != nil {
		return nil, err
	}
	return result, nil
}

// Embed dispatches one embedding call. Embeddings bill input tokens only;
// the completion side is always zero.
func (w *Wrapper) Embed(ctx context.Context, req *EmbedRequest, cc *CallContext, callable EmbedCallable) (*EmbedResult, error) {
	if req == nil || callable == nil {
		return nil, errors.New("llm: request and callable are required")
	}
	cs, err := w.newCallState(req.Provider, req.Model, req.ModelVersion, "", req.AttemptN, req.CacheHit, cc)
	if err != nil {
		return nil, err
	}

	if err := w.preflight(ctx, cs, req.Input); err != nil {
		return nil, err
	}

	ctx = w.openSpan(ctx, cs, "llm.embed")

	if w.breakers.IsOpen(cs.upstream()) {
		return nil, w.settleFailure(ctx, cs, 0, 0, 0, 0, errCircuitOpen)
	}

	var result *EmbedResult
	attempts := 0
	dispatch := func(ctx context.Context) error {
		attempts++
		r, derr := callable(ctx, req)
		if derr != nil {
			return derr
		}
		if r == nil {
			return errors.New("provider returned empty result")
		}
		result = r
		return nil
	}

	if err := retry.Do(ctx, w.retryConf, dispatch, retry.DefaultIsRetryable); err != nil {
		if !isCancellation(err) {
			w.breakers.RecordFailure(cs.upstream())
		}
		return nil, w.settleFailure(ctx, cs, attempts, 0, 0, 0, err)
	}
	w.breakers.RecordSuccess(cs.upstream())

	u, source := reconcileUsage(result.Usage, cs.estPrompt, 0)
	u.CompletionTokens = 0
	u.TotalTokens = u.PromptTokens
	if _, err := w.settleSuccess(ctx, cs, attempts, u, source, ""); err != nil {
		return nil, err
	}
	return result, nil
}
