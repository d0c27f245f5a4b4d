package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "geoattend"

var (
	verifySteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verification_steps_total",
		Help:      "Verification step attempts by step and result kind.",
	}, []string{"step", "result"})

	commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attendance_commits_total",
		Help:      "Attendance commits by result (added, duplicate, error).",
	}, []string{"result"})

	geofence = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "geofence_outcomes_total",
		Help:      "Geofence admission outcomes by matrix cell.",
	}, []string{"outcome"})

	sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_events_total",
		Help:      "Session lifecycle events.",
	}, []string{"event"})

	purged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reaper_purged_total",
		Help:      "Soft-deleted sessions hard-deleted by the reaper.",
	})

	faceLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "face_compare_seconds",
		Help:      "Latency of face comparison calls.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"result"})
)

// VerifyStep counts one attempt of a verification step. result is an error kind or "ok".
func VerifyStep(step, result string) {
	verifySteps.WithLabelValues(step, result).Inc()
}

// Commit counts a commit outcome.
func Commit(result string) {
	commits.WithLabelValues(result).Inc()
}

// Geofence counts an admission outcome.
func Geofence(outcome string) {
	geofence.WithLabelValues(outcome).Inc()
}

// Session counts a lifecycle event such as created, ended, deleted, restored or expired.
func Session(event string, n int) {
	if n <= 0 {
		return
	}
	sessions.WithLabelValues(event).Add(float64(n))
}

// Purged counts hard-deleted sessions.
func Purged(n int) {
	if n > 0 {
		purged.Add(float64(n))
	}
}

// ObserveFace records how long a comparison took.
func ObserveFace(result string, d time.Duration) {
	faceLatency.WithLabelValues(result).Observe(d.Seconds())
}
