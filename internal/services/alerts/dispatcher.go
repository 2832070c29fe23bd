package alerts

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sink is where dispatched alerts go first. The redis outbox implements it;
// when redis is absent the dispatcher sends directly instead.
type Sink interface {
	EnqueueAlert(ctx context.Context, alert *Alert) error
}

// Dispatcher is the single entry point the budget path uses to emit alerts.
// Dispatch never blocks the caller for long and never returns an error:
// alerting is best-effort and must not fail a call that is otherwise fine.
type Dispatcher struct {
	alerter Alerter
	sink    Sink
	logger  *zap.Logger
	timeout time.Duration
}

func NewDispatcher(alerter Alerter, sink Sink, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		alerter: alerter,
		sink:    sink,
		logger:  logger,
		timeout: timeout,
	}
}

// Dispatch hands the alert to the outbox when one is configured, otherwise
// delivers it in the background. Failures are logged and swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *Alert) {
	if alert == nil {
		return
	}
	alert.Normalize()

	if d.sink != nil {
		enqueueCtx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sink.EnqueueAlert(enqueueCtx, alert); err == nil {
			return
		} else {
			d.logger.Warn("Alert enqueue failed, falling back to direct send",
				zap.String("alert_id", alert.ID),
				zap.Error(err))
		}
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Alerter panicked",
					zap.String("alert_id", alert.ID),
					zap.Any("panic", r))
			}
		}()

		sendCtx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.alerter.Send(sendCtx, alert); err != nil {
			d.logger.Error("Alert delivery failed",
				zap.String("alert_id", alert.ID),
				zap.String("tenant_id", alert.TenantID),
				zap.String("alerter", d.alerter.Name()),
				zap.Error(err))
		}
	}()
}
