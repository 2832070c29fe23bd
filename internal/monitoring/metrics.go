package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Go runtime and process metrics are automatically registered by
// promhttp.Handler() so we don't need to register them explicitly here

var (
	llmRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_llm_requests_total",
			Help: "Total number of wrapped LLM calls",
		},
		[]string{"provider", "model", "status"},
	)

	llmRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spendgate_llm_request_duration_seconds",
			Help:    "Wrapped LLM call latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"provider", "model"},
	)

	llmTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_llm_tokens_total",
			Help: "Total number of tokens accounted",
		},
		[]string{"provider", "model", "type"}, // type: prompt, completion
	)

	llmCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_llm_cost_usd_total",
			Help: "Total accounted cost in USD",
		},
		[]string{"provider", "model"},
	)

	budgetDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_budget_decisions_total",
			Help: "Budget pre-check outcomes",
		},
		[]string{"state"},
	)

	budgetAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_budget_alerts_total",
			Help: "Budget alerts dispatched, by band",
		},
		[]string{"band"},
	)

	budgetDriftUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spendgate_budget_drift_usd",
			Help: "Reconciler-observed difference between event sums and the budget counter",
		},
		[]string{"tenant"},
	)

	alertQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spendgate_alert_queue_depth",
			Help: "Alert outbox depth by queue",
		},
		[]string{"queue"}, // main, retry, dead_letter
	)

	ledgerChargesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_ledger_charges_total",
			Help: "Fractional billing charges by pricing rule and outcome",
		},
		[]string{"rule", "status"},
	)

	ledgerSavingsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "spendgate_ledger_savings_usd_total",
			Help: "Cumulative savings granted by fractional pricing",
		},
	)

	tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spendgate_tasks_total",
			Help: "Scheduler task terminal outcomes",
		},
		[]string{"tier", "status"},
	)

	taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spendgate_task_duration_seconds",
			Help:    "Wall time from submit to terminal status",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"tier"},
	)
)

// RecordLLMCall observes one finished wrapped call.
func RecordLLMCall(provider, model, status string, duration time.Duration) {
	llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	llmRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordTokens adds the final token counts of one call.
func RecordTokens(provider, model string, prompt, completion int) {
	llmTokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	llmTokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completion))
}

// RecordCost adds the final cost of one call.
func RecordCost(provider, model string, costUSD float64) {
	llmCostTotal.WithLabelValues(provider, model).Add(costUSD)
}

// RecordBudgetDecision counts one pre-check outcome.
func RecordBudgetDecision(state string) {
	budgetDecisionsTotal.WithLabelValues(state).Inc()
}

// RecordBudgetAlert counts one dispatched alert.
func RecordBudgetAlert(band string) {
	budgetAlertsTotal.WithLabelValues(band).Inc()
}

// SetBudgetDrift publishes the reconciler's drift observation.
func SetBudgetDrift(tenant string, driftUSD float64) {
	budgetDriftUSD.WithLabelValues(tenant).Set(driftUSD)
}

// SetAlertQueueDepth publishes outbox depths.
func SetAlertQueueDepth(main, retry, deadLetter int64) {
	alertQueueDepth.WithLabelValues("main").Set(float64(main))
	alertQueueDepth.WithLabelValues("retry").Set(float64(retry))
	alertQueueDepth.WithLabelValues("dead_letter").Set(float64(deadLetter))
}

// RecordLedgerCharge counts one charge attempt.
func RecordLedgerCharge(rule, status string, savingsUSD float64) {
	ledgerChargesTotal.WithLabelValues(rule, status).Inc()
	if savingsUSD > 0 {
		ledgerSavingsTotal.Add(savingsUSD)
	}
}

// RecordTaskOutcome counts one task reaching a terminal status.
func RecordTaskOutcome(tier, status string, duration time.Duration) {
	tasksTotal.WithLabelValues(tier, status).Inc()
	if duration > 0 {
		taskDuration.WithLabelValues(tier).Observe(duration.Seconds())
	}
}
