package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/spendgate/spendgate/internal/models"
)

// CallStream dispatches one streaming call and consumes the stream to
// completion. Chunks are aggregated in emission order; a terminal usage
// report wins over the aggregated deltas, otherwise the deltas plus the
// prompt estimate become the recorded usage. A stream is never re-dispatched
// on failure: consumed chunks cannot be replayed, so mid-stream errors
// settle immediately with the tokens observed so far.
func (w *Wrapper) CallStream(ctx context.Context, req *CallRequest, cc *CallContext, callable StreamCallable) (*StreamResult, error) {
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

	ctx = w.openSpan(ctx, cs, "llm.stream")

	if w.breakers.IsOpen(cs.upstream()) {
		return nil, w.settleFailure(ctx, cs, 0, 0, 0, 0, errCircuitOpen)
	}

	ch, err := callable(ctx, req)
	if err != nil {
		if !isCancellation(err) {
			w.breakers.RecordFailure(cs.upstream())
		}
		return nil, w.settleFailure(ctx, cs, 1, 0, 0, 0, err)
	}

	var sb strings.Builder
	var completion, reasoning int
	var reported *Usage
	sawChunk := false

	// Once any chunk arrived the provider has processed the prompt, so a
	// failure from here on still bills the estimated prompt tokens.
	observedPrompt := func() int {
		if sawChunk {
			return cs.estPrompt
		}
		return 0
	}

consume:
	for {
		select {
		case <-ctx.Done():
			return nil, w.settleFailure(ctx, cs, 1, observedPrompt(), completion, reasoning, ctx.Err())
		case chunk, ok := <-ch:
			if !ok {
				break consume
			}
			if chunk.Err != nil {
				if !isCancellation(chunk.Err) {
					w.breakers.RecordFailure(cs.upstream())
				}
				return nil, w.settleFailure(ctx, cs, 1, observedPrompt(), completion, reasoning, chunk.Err)
			}
			sawChunk = true
			sb.WriteString(chunk.DeltaText)
			completion += chunk.DeltaTokens
			reasoning += chunk.DeltaReasoningTokens
			if chunk.Usage != nil {
				reported = chunk.Usage
			}
		}
	}
	w.breakers.RecordSuccess(cs.upstream())

	u, source := reconcileUsage(reported, cs.estPrompt, completion)
	if source == models.UsageSourceEstimated && reasoning > 0 {
		u.ReasoningTokens = reasoning
	}

	if _, err := w.settleSuccess(ctx, cs, 1, u, source, sb.String()); err != nil {
		return nil, err
	}
	return &StreamResult{Content: sb.String(), Usage: u}, nil
}
