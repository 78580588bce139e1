package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	RequestsRegistered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_requests_registered_total", Help: "Inbound requests registered"})
	RequestsDuplicate     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_requests_duplicate_total", Help: "Inbound requests ignored because they were already registered"})
	RequestsRejected      = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_requests_rejected_total", Help: "Inbound requests rejected without requeue"})
	DeadLetterRequeued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_dead_letter_requeued_total", Help: "Dead-lettered messages sent to a delay queue"})
	MessagesParked        = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_messages_parked_total", Help: "Messages archived in the parking lot"})
	MessagesOrphaned      = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_messages_orphaned_total", Help: "Messages forwarded to the orphan exchange after archival failed"})
	NotificationsSent     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_notifications_published_total", Help: "Outbound status notifications published"})
	Compensations         = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_compensations_total", Help: "Side-effect entries unwound after a failure"})
	StatusFilesFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "bridge_status_files_failed_total", Help: "Status files moved to the error location"})
	PrintedDocumentFailed = prometheus.NewGauge(prometheus.GaugeOpts{Name: "printed_document_failures", Help: "Printed status files that exhausted their attempts"})
	InputDepthGauge       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "bridge_input_files", Help: "Files found in the input location on the last scan"})
	StatusFileDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "status_file_processing_seconds",
		Help:    "Time spent processing one status file",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			RequestsRegistered,
			RequestsDuplicate,
			RequestsRejected,
			DeadLetterRequeued,
			MessagesParked,
			MessagesOrphaned,
			NotificationsSent,
			Compensations,
			StatusFilesFailed,
			PrintedDocumentFailed,
			InputDepthGauge,
			StatusFileDuration,
		)
	})
	return promhttp.Handler()
}
