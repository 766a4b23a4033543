package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "doorman"

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decisions_total",
		Help:      "Moderation decisions by deciding stage and action",
	}, []string{"stage", "action"})

	escalationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escalations_total",
		Help:      "Decisions upgraded to a ban by accumulated violations",
	})

	graduationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "graduations_total",
		Help:      "Identities approved after enough good messages",
	})

	evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "evaluation_duration_seconds",
		Help:      "Time spent evaluating one message",
		Buckets:   prometheus.DefBuckets,
	}, []string{"action"})

	oracleCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "oracle_calls_total",
		Help:      "Remote oracle calls by result",
	}, []string{"result"})

	challengesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "challenges_total",
		Help:      "Captcha challenges by outcome",
	}, []string{"outcome"})

	transportErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transport_errors_total",
		Help:      "Failed platform calls by operation",
	}, []string{"operation"})

	banlistSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "banlist_size",
		Help:      "Users currently on the external banlist",
	})
)

func RecordDecision(stage, action string) {
	decisionsTotal.WithLabelValues(stage, action).Inc()
}

func RecordEscalation() {
	escalationsTotal.Inc()
}

func RecordGraduation() {
	graduationsTotal.Inc()
}

// StartEvaluation returns a function that records the evaluation duration under the
// resulting action.
func StartEvaluation() func(action string) {
	start := time.Now()
	return func(action string) {
		evaluationDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}
}

func RecordOracleCall(result string) {
	oracleCallsTotal.WithLabelValues(result).Inc()
}

func RecordChallenge(outcome string) {
	challengesTotal.WithLabelValues(outcome).Inc()
}

func RecordTransportError(operation string) {
	transportErrorsTotal.WithLabelValues(operation).Inc()
}

func SetBanlistSize(n int) {
	banlistSize.Set(float64(n))
}
