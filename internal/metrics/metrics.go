// Package metrics registers the moderation pipeline's prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tullo/moderation/internal/models"
)

var (
	// verdictsTotal counts verdicts by outcome (safe, unsafe)
	verdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_verdicts_total",
		Help: "Total moderation verdicts by outcome",
	}, []string{"outcome"})

	// violationsTotal counts violations by category, severity and type
	violationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_violations_total",
		Help: "Total violations by category, severity and type",
	}, []string{"category", "severity", "type"})

	classifierDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "moderation_classifier_duration_seconds",
		Help:    "External classifier call duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 11), // 10ms to ~10s
	}, []string{"classifier"})

	// classifierUnavailable counts degraded calls by reason (timeout, error)
	classifierUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_classifier_unavailable_total",
		Help: "Total classifier calls that degraded to unavailable",
	}, []string{"classifier", "reason"})

	sanctionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_sanctions_total",
		Help: "Total sanctions applied by kind",
	}, []string{"kind"})

	humanReviewTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moderation_human_review_escalations_total",
		Help: "Total safety events routed to human review",
	})

	// storeFailures counts record steps that failed after retries, by fallback policy
	storeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_store_failures_total",
		Help: "Total sanction record failures by fallback policy",
	}, []string{"policy"})

	reviewsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_reviews_total",
		Help: "Total human review decisions by action",
	}, []string{"action"})

	restrictedSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "moderation_restricted_sends_total",
		Help: "Total messages refused because the sender is restricted",
	}, []string{"status"})
)

func RecordVerdict(v *models.Verdict) {
	outcome := "safe"
	if !v.Safe {
		outcome = "unsafe"
	}
	verdictsTotal.WithLabelValues(outcome).Inc()
	for _, vi := range v.Violations {
		violationsTotal.WithLabelValues(string(vi.Category), string(vi.Severity), vi.Type).Inc()
	}
}

func RecordClassifierCall(name string, d time.Duration) {
	classifierDuration.WithLabelValues(name).Observe(d.Seconds())
}

func RecordClassifierUnavailable(name string, timeout bool) {
	reason := "error"
	if timeout {
		reason = "timeout"
	}
	classifierUnavailable.WithLabelValues(name, reason).Inc()
}

// RecordSanction counts an applied escalation tier (warning, suspension).
func RecordSanction(kind string) {
	sanctionsTotal.WithLabelValues(kind).Inc()
}

func RecordHumanReview() {
	humanReviewTotal.Inc()
}

// RecordStoreFailure counts a failed record step; policy is fail_closed or fail_open.
func RecordStoreFailure(policy string) {
	storeFailures.WithLabelValues(policy).Inc()
}

func RecordReview(action models.ReviewAction) {
	reviewsTotal.WithLabelValues(string(action)).Inc()
}

func RecordRestrictedSend(status models.UserStatus) {
	restrictedSends.WithLabelValues(string(status)).Inc()
}
