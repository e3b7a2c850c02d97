// Package metrics provides Prometheus metrics for the linking service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LinkAttemptsTotal tracks linking attempts per block key by outcome
	LinkAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "linking",
			Name:      "attempts_total",
			Help:      "Total number of block key linking attempts by outcome",
		},
		[]string{"outcome"},
	)

	// LinkDuration tracks the time to link one block key
	LinkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "linking",
			Name:      "duration_seconds",
			Help:      "Duration of linking one block key in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"outcome"},
	)

	// ClustersCommittedTotal tracks committed cluster snapshots
	ClustersCommittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "clusters",
			Name:      "committed_total",
			Help:      "Total number of committed cluster snapshots by action",
		},
		[]string{"action"},
	)

	// CommitConflictsTotal tracks failed lock acquisitions and version mismatches
	CommitConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "clusters",
			Name:      "conflicts_total",
			Help:      "Total number of cluster commit conflicts by reason",
		},
		[]string{"reason"},
	)

	// ClusterScore tracks the score of accepted and rejected candidate clusters
	ClusterScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "clusters",
			Name:      "candidate_score",
			Help:      "Score of the best candidate cluster per attempt",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"decision"},
	)

	// QueueDepth tracks block keys waiting for a worker
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of block keys waiting for a worker",
		},
	)

	// KeysInFlight tracks block keys currently being linked
	KeysInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "clover",
			Subsystem: "queue",
			Name:      "in_flight",
			Help:      "Number of block keys currently being linked",
		},
	)

	// OracleCallsTotal tracks scoring oracle invocations
	OracleCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "oracle",
			Name:      "calls_total",
			Help:      "Total number of scoring oracle calls by status",
		},
		[]string{"oracle", "status"},
	)

	// OracleDuration tracks scoring oracle latency
	OracleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clover",
			Subsystem: "oracle",
			Name:      "duration_seconds",
			Help:      "Duration of scoring oracle calls in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"oracle"},
	)

	// OracleCacheHitsTotal tracks score cache lookups
	OracleCacheHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "oracle",
			Name:      "cache_lookups_total",
			Help:      "Total number of score cache lookups by result",
		},
		[]string{"result"},
	)

	// FeedbackTotal tracks feedback submissions
	FeedbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "feedback",
			Name:      "submissions_total",
			Help:      "Total number of linking feedback submissions by result",
		},
		[]string{"linked", "result"},
	)

	// EntitiesIngestedTotal tracks entity writes by whether they changed anything
	EntitiesIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "ingest",
			Name:      "entities_total",
			Help:      "Total number of ingested entity writes by result",
		},
		[]string{"result"},
	)

	// KafkaMessagesTotal tracks consumed and produced kafka messages
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clover",
			Subsystem: "kafka",
			Name:      "messages_total",
			Help:      "Total number of kafka messages by topic, direction and status",
		},
		[]string{"topic", "direction", "status"},
	)
)

// RecordLinkAttempt records one linking attempt.
func RecordLinkAttempt(outcome string, durationSeconds float64) {
	LinkAttemptsTotal.WithLabelValues(outcome).Inc()
	LinkDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordCommit records a committed cluster snapshot.
func RecordCommit(action string) {
	ClustersCommittedTotal.WithLabelValues(action).Inc()
}

// RecordConflict records a commit conflict.
func RecordConflict(reason string) {
	CommitConflictsTotal.WithLabelValues(reason).Inc()
}

// RecordCandidateScore records the best candidate score and the decision taken.
func RecordCandidateScore(decision string, score float64) {
	ClusterScore.WithLabelValues(decision).Observe(score)
}

// RecordOracleCall records one scoring oracle call.
func RecordOracleCall(oracle, status string, durationSeconds float64) {
	OracleCallsTotal.WithLabelValues(oracle, status).Inc()
	OracleDuration.WithLabelValues(oracle).Observe(durationSeconds)
}

// RecordOracleCache records a score cache lookup.
func RecordOracleCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	OracleCacheHitsTotal.WithLabelValues(result).Inc()
}

// RecordFeedback records a feedback submission.
func RecordFeedback(linked bool, accepted bool) {
	l := "false"
	if linked {
		l = "true"
	}
	result := "rejected"
	if accepted {
		result = "accepted"
	}
	FeedbackTotal.WithLabelValues(l, result).Inc()
}

// RecordKafkaMessage records a consumed or produced message.
func RecordKafkaMessage(topic, direction, status string) {
	KafkaMessagesTotal.WithLabelValues(topic, direction, status).Inc()
}

// RecordIngest records the outcome of one entity write batch.
func RecordIngest(changed, unchanged int) {
	EntitiesIngestedTotal.WithLabelValues("changed").Add(float64(changed))
	EntitiesIngestedTotal.WithLabelValues("unchanged").Add(float64(unchanged))
}
