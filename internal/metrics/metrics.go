package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails dispatched to the transport",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed send attempts",
		},
	)

	EmailsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_skipped_total",
			Help: "Jobs skipped in a run (backoff not elapsed or duplicate suppressed)",
		},
	)

	DuplicatesSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_duplicates_suppressed_total",
			Help: "Enqueue calls suppressed by the idempotency ledger",
		},
	)

	ProcessorRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_queue_runs_total",
			Help: "Total queue processor runs",
		},
	)

	LedgerEntriesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_entries_expired_total",
			Help: "Ledger entries deleted by the cleanup job",
		},
	)
)

func Init() {
	prometheus.MustRegister(
		EmailsSent,
		EmailFailures,
		EmailsSkipped,
		DuplicatesSuppressed,
		ProcessorRuns,
		LedgerEntriesExpired,
	)
}
