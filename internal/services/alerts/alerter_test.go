package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestAlert_Normalize(t *testing.T) {
	alert := &Alert{TenantID: "acme", Subject: "s", Body: "b"}
	alert.Normalize()

	assert.NotEmpty(t, alert.ID)
	assert.False(t, alert.Timestamp.IsZero())

	// Normalize must not reassign identity.
	id := alert.ID
	ts := alert.Timestamp
	alert.Normalize()
	assert.Equal(t, id, alert.ID)
	assert.Equal(t, ts, alert.Timestamp)
}

func TestLogAlerter_Send(t *testing.T) {
	alerter := NewLogAlerter(zap.NewNop())

	err := alerter.Send(context.Background(), &Alert{
		TenantID: "acme",
		Band:     "soft",
		Subject:  "Budget soft limit exceeded",
	})

	assert.NoError(t, err)
	assert.Equal(t, "log", alerter.Name())
}

func TestWebhookAlerter_Send(t *testing.T) {
	t.Run("Delivers JSON Payload", func(t *testing.T) {
		var received Alert
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		alerter := NewWebhookAlerter(server.URL, time.Second, zap.NewNop())
		alert := &Alert{TenantID: "acme", Band: "hard", Subject: "Budget exceeded"}
		alert.Normalize()

		err := alerter.Send(context.Background(), alert)
		require.NoError(t, err)
		assert.Equal(t, "acme", received.TenantID)
		assert.Equal(t, "hard", received.Band)
	})

	t.Run("Retries Transient Failures", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		alerter := NewWebhookAlerter(server.URL, time.Second, zap.NewNop())
		alerter.retryConf.InitialDelay = time.Millisecond
		alerter.retryConf.Jitter = false

		err := alerter.Send(context.Background(), &Alert{TenantID: "acme"})
		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("Does Not Retry Client Errors", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		alerter := NewWebhookAlerter(server.URL, time.Second, zap.NewNop())
		alerter.retryConf.InitialDelay = time.Millisecond

		err := alerter.Send(context.Background(), &Alert{TenantID: "acme"})
		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
	done   chan struct{}
}

func newRecordingAlerter() *recordingAlerter {
	return &recordingAlerter{done: make(chan struct{}, 16)}
}

func (r *recordingAlerter) Name() string { return "recording" }

func (r *recordingAlerter) Send(_ context.Context, alert *Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, alert)
	r.mu.Unlock()
	r.done <- struct{}{}
	return r.err
}

func (r *recordingAlerter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

func (s *recordingSink) EnqueueAlert(_ context.Context, alert *Alert) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.alerts = append(s.alerts, alert)
	s.mu.Unlock()
	return nil
}

func TestDispatcher_Dispatch(t *testing.T) {
	t.Run("Prefers Sink", func(t *testing.T) {
		alerter := newRecordingAlerter()
		sink := &recordingSink{}
		dispatcher := NewDispatcher(alerter, sink, time.Second, zap.NewNop())

		dispatcher.Dispatch(context.Background(), &Alert{TenantID: "acme", Subject: "s"})

		assert.Len(t, sink.alerts, 1)
		assert.Equal(t, 0, alerter.count())
	})

	t.Run("Falls Back To Direct Send When Sink Fails", func(t *testing.T) {
		alerter := newRecordingAlerter()
		sink := &recordingSink{err: errors.New("redis down")}
		dispatcher := NewDispatcher(alerter, sink, time.Second, zap.NewNop())

		dispatcher.Dispatch(context.Background(), &Alert{TenantID: "acme"})

		select {
		case <-alerter.done:
		case <-time.After(2 * time.Second):
			t.Fatal("expected direct send after sink failure")
		}
		assert.Equal(t, 1, alerter.count())
	})

	t.Run("Direct Send Without Sink", func(t *testing.T) {
		alerter := newRecordingAlerter()
		dispatcher := NewDispatcher(alerter, nil, time.Second, zap.NewNop())

		dispatcher.Dispatch(context.Background(), &Alert{TenantID: "acme"})

		select {
		case <-alerter.done:
		case <-time.After(2 * time.Second):
			t.Fatal("expected direct send")
		}
	})

	t.Run("Swallows Delivery Failures", func(t *testing.T) {
		alerter := newRecordingAlerter()
		alerter.err = errors.New("unreachable")
		dispatcher := NewDispatcher(alerter, nil, time.Second, zap.NewNop())

		// Must not panic or propagate the error.
		dispatcher.Dispatch(context.Background(), &Alert{TenantID: "acme"})

		select {
		case <-alerter.done:
		case <-time.After(2 * time.Second):
			t.Fatal("expected send attempt")
		}
	})

	t.Run("Ignores Nil Alert", func(t *testing.T) {
		dispatcher := NewDispatcher(newRecordingAlerter(), nil, time.Second, zap.NewNop())
		dispatcher.Dispatch(context.Background(), nil)
	})
}
