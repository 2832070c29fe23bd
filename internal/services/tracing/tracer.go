package tracing

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "spendgate/llm"

// Tracer emits one span per provider call. Every method tolerates a nil
// receiver and a missing backend: without an installed provider otel hands
// back no-op spans, so tracing can never fail the call path.
type Tracer struct {
	tracer trace.Tracer
}

func New() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartCall opens a span for one logical call. The returned context carries
// the span for downstream propagation.
func (t *Tracer) StartCall(ctx context.Context, name string) (context.Context, *Span) {
	if t == nil || t.tracer == nil {
		return ctx, nil
	}
	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &Span{span: span}
}

// Span wraps one otel span with typed setters for the call attributes.
type Span struct {
	span trace.Span
}

// SetIdentity records who called what.
func (s *Span) SetIdentity(provider, model, tenantID, sessionID, runID, stepID string) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("tenant_id", tenantID),
		attribute.String("session_id", sessionID),
		attribute.String("run_id", runID),
		attribute.String("step_id", stepID),
	)
}

// SetUsage records the final token counts.
func (s *Span) SetUsage(prompt, completion, total int) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(
		attribute.Int("tokens.prompt", prompt),
		attribute.Int("tokens.completion", completion),
		attribute.Int("tokens.total", total),
	)
}

// SetCost records the computed cost in USD.
func (s *Span) SetCost(cost decimal.Decimal) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.Float64("cost.usd", cost.InexactFloat64()))
}

// SetCacheHit records whether the provider served from cache.
func (s *Span) SetCacheHit(hit bool) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.Bool("cache.hit", hit))
}

// SetRetries records how many dispatch attempts preceded the final one.
func (s *Span) SetRetries(retries int) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.Int("retries", retries))
}

// SetStatus records the terminal event status (ok, error, blocked).
func (s *Span) SetStatus(status string) {
	if s == nil || s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.String("status", status))
}

// SetErrorCode records the symbolic error code for failed calls.
func (s *Span) SetErrorCode(code string) {
	if s == nil || s.span == nil || code == "" {
		return
	}
	s.span.SetAttributes(attribute.String("error_code", code))
}

// RecordError marks the span failed and attaches the error event.
func (s *Span) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// End closes the span. Safe to call on a nil span.
func (s *Span) End() {
	if s == nil || s.span == nil {
		return
	}
	s.span.End()
}
