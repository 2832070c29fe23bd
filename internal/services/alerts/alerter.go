package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spendgate/spendgate/internal/services/retry"
)

// Alert is one budget notification. Subject and Body are what a human sees;
// the remaining fields exist for routing and audit.
type Alert struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Band      string    `json:"band"`
	State     string    `json:"state"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// Normalize fills identity fields before the alert leaves the process.
func (a *Alert) Normalize() {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
}

// Alerter delivers one alert to its destination.
type Alerter interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// LogAlerter writes alerts to the structured log. It is the default sink
// when no webhook is configured.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Name() string { return "log" }

func (l *LogAlerter) Send(_ context.Context, alert *Alert) error {
	l.logger.Warn("Budget alert",
		zap.String("alert_id", alert.ID),
		zap.String("tenant_id", alert.TenantID),
		zap.String("band", alert.Band),
		zap.String("state", alert.State),
		zap.String("subject", alert.Subject),
		zap.String("body", alert.Body))
	return nil
}

// WebhookAlerter POSTs alerts as JSON to a configured endpoint. Transient
// delivery failures are retried with backoff.
type WebhookAlerter struct {
	url       string
	client    *http.Client
	logger    *zap.Logger
	retryConf *retry.Config
}

func NewWebhookAlerter(url string, timeout time.Duration, logger *zap.Logger) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
		retryConf: &retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

func (w *WebhookAlerter) Name() string { return "webhook" }

func (w *WebhookAlerter) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("alerts: marshal alert: %w", err)
	}

	return retry.Do(ctx, w.retryConf, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return fmt.Errorf("webhook returned %d", resp.StatusCode)
		}
		return nil
	}, retry.DefaultIsRetryable)
}
