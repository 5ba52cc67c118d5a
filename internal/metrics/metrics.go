// Package metrics exposes Prometheus counters for the protective core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// scanRuns counts directory scans.
	// Labels: result (clean, infected, error)
	scanRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "scan",
		Name:      "runs_total",
		Help:      "Directory scans by result",
	}, []string{"result"})

	scanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "warden",
		Subsystem: "scan",
		Name:      "duration_seconds",
		Help:      "Time to scan a directory",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
	})

	// quarantineOps counts quarantine transitions.
	// Labels: op (quarantine, restore, delete), result (ok, error)
	quarantineOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "quarantine",
		Name:      "operations_total",
		Help:      "Quarantine operations by kind and result",
	}, []string{"op", "result"})

	// blockChanges counts effective block list mutations.
	// Labels: action (block, unblock)
	blockChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "blocklist",
		Name:      "changes_total",
		Help:      "Block list mutations that changed state",
	}, []string{"action"})

	blockedAddresses = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "warden",
		Subsystem: "blocklist",
		Name:      "addresses",
		Help:      "Addresses currently blocked",
	})

	admissionDenied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "blocklist",
		Name:      "denied_requests_total",
		Help:      "Inbound requests refused because the source address is blocked",
	})

	// quotaUsage tracks consumed calls in the current window.
	// Labels: service
	quotaUsage = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "warden",
		Subsystem: "ratelimit",
		Name:      "used",
		Help:      "Calls consumed in the current quota window",
	}, []string{"service"})

	quotaRefusals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "ratelimit",
		Name:      "refusals_total",
		Help:      "Calls refused because the quota was exhausted",
	}, []string{"service"})

	// reputationChecks counts collaborator lookups.
	// Labels: service, result (ok, error)
	reputationChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "reputation",
		Name:      "checks_total",
		Help:      "Reputation lookups by service and result",
	}, []string{"service", "result"})

	// backupRuns counts snapshot attempts.
	// Labels: tier, result (ok, error)
	backupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "backup",
		Name:      "snapshots_total",
		Help:      "Snapshot attempts by tier and result",
	}, []string{"tier", "result"})

	backupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "warden",
		Subsystem: "backup",
		Name:      "duration_seconds",
		Help:      "Time to mirror the tree into a snapshot",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"tier"})

	snapshotsSwept = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "warden",
		Subsystem: "backup",
		Name:      "swept_total",
		Help:      "Expired snapshots removed by the retention sweep",
	}, []string{"tier"})
)

func RecordScan(result string, d time.Duration) {
	scanRuns.WithLabelValues(result).Inc()
	scanDuration.Observe(d.Seconds())
}

func RecordQuarantineOp(op string, err error) {
	quarantineOps.WithLabelValues(op, resultLabel(err)).Inc()
}

func RecordBlockChange(action string, total int) {
	blockChanges.WithLabelValues(action).Inc()
	blockedAddresses.Set(float64(total))
}

func SetBlockedAddresses(total int) {
	blockedAddresses.Set(float64(total))
}

func RecordAdmissionDenied() {
	admissionDenied.Inc()
}

func SetQuotaUsage(service string, used int) {
	quotaUsage.WithLabelValues(service).Set(float64(used))
}

func RecordQuotaRefusal(service string) {
	quotaRefusals.WithLabelValues(service).Inc()
}

func RecordReputationCheck(service string, err error) {
	reputationChecks.WithLabelValues(service, resultLabel(err)).Inc()
}

func RecordBackup(tier string, d time.Duration, err error) {
	backupRuns.WithLabelValues(tier, resultLabel(err)).Inc()
	backupDuration.WithLabelValues(tier).Observe(d.Seconds())
}

func RecordSnapshotSwept(tier string) {
	snapshotsSwept.WithLabelValues(tier).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
