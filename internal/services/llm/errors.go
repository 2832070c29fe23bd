package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spendgate/spendgate/internal/models"
)

// BudgetBlockedError is returned when the pre-check decides the call must
// not be dispatched. The provider callable was never invoked.
type BudgetBlockedError struct {
	State   models.BudgetState
	Message string
}

func (e *BudgetBlockedError) Error() string {
	return fmt.Sprintf("Budget blocked: %s", e.State)
}

// ProviderError wraps a dispatch failure with the symbolic code that was
// recorded on the usage event.
type ProviderError struct {
	Code string
	Err  error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider call failed (%s): %v", e.Code, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CancelledError marks a call that stopped because the caller's context
// was cancelled or timed out mid-flight.
type CancelledError struct {
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("call cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// errorCode maps a dispatch failure to the symbolic class stored in the
// usage event's error_code column.
func errorCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "cancelled"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "circuit breaker open"):
		return "circuit_open"
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return "rate_limited"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return "timeout"
	case strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe"):
		return "connection_error"
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden"):
		return "auth_failed"
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "unavailable") || strings.Contains(msg, "overloaded"):
		return "upstream_error"
	default:
		return "provider_error"
	}
}

// isCancellation reports whether the failure came from the caller's own
// context rather than the provider.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// errCircuitOpen stands in for the provider error when the breaker refuses
// the dispatch outright.
var errCircuitOpen = errors.New("circuit breaker open for upstream")
