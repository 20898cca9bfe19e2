// Package metrics exposes labfarm's Prometheus instruments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "labfarm_"

var reservationsCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "reservations_total",
		Help: "Number of successful board reservations",
	},
)

var releasesCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "releases_total",
		Help: "Number of reservations ended, by how they ended",
	},
	[]string{"kind"},
)

var jobsSubmittedCounter = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: prefix + "jobs_submitted_total",
		Help: "Number of test jobs submitted",
	},
)

var jobsCompletedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "jobs_completed_total",
		Help: "Number of test jobs completed, by final status",
	},
	[]string{"status"},
)

var notificationsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "notifications_total",
		Help: "Number of notifications written, by severity",
	},
	[]string{"severity"},
)

var syncPassHist = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    prefix + "sync_pass_seconds",
		Help:    "Duration of one sync loop pass",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
)

var storeConflictsCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: prefix + "store_conflicts_total",
		Help: "Number of compare-and-set retries, by collection",
	},
	[]string{"collection"},
)

// Release kinds.
const (
	ReleaseManual = "manual"
	ReleaseForced = "forced"
	ReleaseExpiry = "expiry"
)

func RecordReservation() {
	reservationsCounter.Inc()
}

func RecordRelease(kind string, n int) {
	releasesCounter.WithLabelValues(kind).Add(float64(n))
}

func RecordJobSubmitted() {
	jobsSubmittedCounter.Inc()
}

func RecordJobCompleted(status string) {
	jobsCompletedCounter.WithLabelValues(status).Inc()
}

func RecordNotification(severity string) {
	notificationsCounter.WithLabelValues(severity).Inc()
}

func RecordSyncPass(d time.Duration) {
	syncPassHist.Observe(d.Seconds())
}

func RecordStoreConflict(collection string) {
	storeConflictsCounter.WithLabelValues(collection).Inc()
}
