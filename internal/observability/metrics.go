// Package observability holds the Prometheus collectors shared by the recorders and batch engines.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stampCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retention_service",
		Subsystem: "activity",
		Name:      "stamps_total",
		Help:      "Daily activity stamps, labeled by whether a new row was created.",
	}, []string{"result"})

	signInCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "retention_service",
		Subsystem: "activity",
		Name:      "sign_ins_total",
		Help:      "Sign-in events recorded after an inactivity window elapsed.",
	})

	lastActivityGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "retention_service",
		Subsystem: "activity",
		Name:      "last_activity_timestamp_seconds",
		Help:      "Unix timestamp of the most recent activity stamp created.",
	})

	segmentCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "retention_service",
		Subsystem: "segments",
		Name:      "assignments_total",
		Help:      "Segment assignments processed, labeled by category and outcome.",
	}, []string{"category", "outcome"})

	classifyDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "retention_service",
		Subsystem: "segments",
		Name:      "classify_duration_seconds",
		Help:      "Time spent in segment classifiers.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"category"})

	lockWait = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "retention_service",
		Subsystem: "lock",
		Name:      "acquire_wait_seconds",
		Help:      "Time spent acquiring named locks, labeled by backend and result.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"backend", "result"})
)

func init() {
	prometheus.MustRegister(stampCounter, signInCounter, lastActivityGauge, segmentCounter, classifyDuration, lockWait)
}

// RecordStamp counts an activity stamp and advances the watermark for created rows.
func RecordStamp(created bool, at time.Time) {
	if !created {
		stampCounter.WithLabelValues("replayed").Inc()
		return
	}
	stampCounter.WithLabelValues("created").Inc()
	if !at.IsZero() {
		lastActivityGauge.Set(float64(at.Unix()))
	}
}

// RecordSignIn counts a sign-in event.
func RecordSignIn() {
	signInCounter.Inc()
}

// RecordSegment counts a segment outcome: assigned, skipped or failed.
func RecordSegment(category, outcome string) {
	segmentCounter.WithLabelValues(category, outcome).Inc()
}

// RecordClassify observes classifier latency.
func RecordClassify(category string, d time.Duration) {
	classifyDuration.WithLabelValues(category).Observe(d.Seconds())
}

// RecordLockWait observes how long a lock acquisition took.
func RecordLockWait(backend, result string, d time.Duration) {
	lockWait.WithLabelValues(backend, result).Observe(d.Seconds())
}
