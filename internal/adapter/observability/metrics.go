package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_messages_published_total",
			Help: "Total number of outbox messages published to the bus",
		},
		[]string{"topic", "category"},
	)
	PublishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Total number of failed publish attempts",
		},
		[]string{"topic"},
	)
	SweepBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "outbox_sweep_batch_size",
			Help:    "Distribution of outbox rows claimed per sweep",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)
	RepliesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "replies_consumed_total",
			Help: "Total number of replies applied by type",
		},
		[]string{"type"},
	)
	StuckClaimsRecoveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_stuck_claims_recovered_total",
			Help: "Total number of stuck outbox claims reset to NEW",
		},
	)
	LeasesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "command_leases_expired_total",
			Help: "Total number of command processing leases timed out",
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(MessagesPublishedTotal)
	prometheus.MustRegister(PublishFailuresTotal)
	prometheus.MustRegister(SweepBatchSize)
	prometheus.MustRegister(RepliesConsumedTotal)
	prometheus.MustRegister(StuckClaimsRecoveredTotal)
	prometheus.MustRegister(LeasesExpiredTotal)
}

// MessagePublished records one successful publish.
func MessagePublished(topic, category string) {
	MessagesPublishedTotal.WithLabelValues(topic, category).Inc()
}

// PublishFailed records one failed publish attempt.
func PublishFailed(topic string) {
	PublishFailuresTotal.WithLabelValues(topic).Inc()
}

// SweepBatch records the size of one sweep.
func SweepBatch(n int) {
	SweepBatchSize.Observe(float64(n))
}

// ReplyConsumed records one applied reply.
func ReplyConsumed(replyType string) {
	RepliesConsumedTotal.WithLabelValues(replyType).Inc()
}

// StuckClaimsRecovered records reset outbox claims.
func StuckClaimsRecovered(n int) {
	StuckClaimsRecoveredTotal.Add(float64(n))
}

// LeasesExpired records timed-out command leases.
func LeasesExpired(n int) {
	LeasesExpiredTotal.Add(float64(n))
}
