package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "subwatch"

// Metrics holds all Prometheus metrics of the ingest and consumer services.
type Metrics struct {
	PayloadsTotal      *prometheus.CounterVec
	BytesTotal         prometheus.Counter
	EventsTotal        *prometheus.CounterVec
	BatchesTotal       *prometheus.CounterVec
	StaleEventsDeleted prometheus.Counter
	OptInFailures      prometheus.Counter
	OptInCacheHits     prometheus.Counter
	OptInCacheMisses   prometheus.Counter
	ExportRequests     *prometheus.CounterVec
	ExportRows         prometheus.Counter
	WALPayloadsTotal   *prometheus.CounterVec
	StreamAvailable    prometheus.Gauge
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PayloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "payloads_total",
			Help:      "Total number of raw event payloads received over HTTP by status.",
		}, []string{"status"}), // status: accepted, error_size, error_media_type, error_body, error_buffer
		BytesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "bytes_total",
			Help:      "Total number of payload bytes received over HTTP.",
		}),
		EventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "processed_total",
			Help:      "Total number of event payloads seen by the batch partitioner by outcome.",
		}, []string{"outcome"}), // outcome: accepted, duplicate, clean_up, parse_error
		BatchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "batches_total",
			Help:      "Total number of stream batches by status.",
		}, []string{"status"}), // status: persisted, failed, dead_lettered
		StaleEventsDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "stale_deleted_total",
			Help:      "Total number of stored events removed by clean-up events.",
		}),
		OptInFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optin",
			Name:      "failures_total",
			Help:      "Total number of failed automatic opt-ins.",
		}),
		OptInCacheHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optin",
			Name:      "cache_hits_total",
			Help:      "Total number of opt-in cache hits.",
		}),
		OptInCacheMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "optin",
			Name:      "cache_misses_total",
			Help:      "Total number of opt-in cache misses.",
		}),
		ExportRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "requests_total",
			Help:      "Total number of export requests by status.",
		}, []string{"status"}), // status: ok, bad_request, not_found, error
		ExportRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "rows_total",
			Help:      "Total number of capacity rows exported.",
		}),
		WALPayloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wal",
			Name:      "payloads_total",
			Help:      "Total number of payloads spooled to or replayed from the local WAL.",
		}, []string{"op"}), // op: written, replayed
		StreamAvailable: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "available",
			Help:      "1 when the event stream is reachable, 0 while payloads go to the WAL.",
		}),
	}
}
