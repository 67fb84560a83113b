// Package metrics defines package-level Prometheus metric variables for
// guestbookd. Call Register() once at startup to expose them on the default
// registry, or RegisterWith() to use an isolated registry in tests.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PostsAccepted counts messages appended to the log.
	PostsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guestbook_posts_total",
		Help: "Total messages appended to the guestbook.",
	})

	// Rejections counts rejected write requests, labelled by error code.
	Rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guestbook_rejections_total",
		Help: "Rejected write requests, by error code.",
	}, []string{"code"})

	// Reservations counts successful name reservations and renewals.
	Reservations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guestbook_reservations_total",
		Help: "Total successful name reservations and renewals.",
	})

	// ReportsFiled counts reports added to the moderation queue.
	ReportsFiled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guestbook_reports_total",
		Help: "Total reports filed.",
	})

	// Polls counts served poll requests.
	Polls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guestbook_polls_total",
		Help: "Total poll requests served.",
	})

	// StorageErrors counts storage faults, labelled by store.
	// Valid stores: messages, reservations, colors, reports, ratelimit.
	StorageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guestbook_storage_errors_total",
		Help: "Storage faults, by store (messages|reservations|colors|reports|ratelimit).",
	}, []string{"store"})

	// BannedIPs is the size of the CrowdSec ban list currently held in memory.
	BannedIPs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "guestbook_banned_ips",
		Help: "IP addresses currently banned by CrowdSec decisions.",
	})

	// DataFileBytes is the on-disk size of each data file, refreshed by the
	// janitor.
	DataFileBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "guestbook_data_file_bytes",
		Help: "Size of each data file in bytes.",
	}, []string{"file"})
)

// Register registers all metrics with prometheus.DefaultRegisterer.
// Call once at process startup.
func Register() {
	RegisterWith(prometheus.DefaultRegisterer)
}

// RegisterWith registers all metrics with the given registerer.
// Use an isolated prometheus.NewRegistry() in tests to avoid conflicts.
func RegisterWith(reg prometheus.Registerer) {
	reg.MustRegister(
		PostsAccepted,
		Rejections,
		Reservations,
		ReportsFiled,
		Polls,
		StorageErrors,
		BannedIPs,
		DataFileBytes,
	)
}
