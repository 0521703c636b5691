package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry is the dedicated Prometheus registry for the service
	Registry = prometheus.NewRegistry()
	// HTTPRequests counts requests by method, route pattern, and status
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
		[]string{"method", "path", "status"},
	)
	// HTTPDuration records request durations in seconds
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"method", "path", "status"},
	)

	// Uploads counts shapefile ingestions by result (staged, rejected, failed)
	Uploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geostore_uploads_total", Help: "Shapefile uploads by result."},
		[]string{"result"},
	)
	StagedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "geostore_staged_records_total", Help: "Records written to staging."},
	)
	SkippedRecords = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "geostore_skipped_records_total", Help: "Records skipped for malformed geometry."},
	)
	ChangesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geostore_changes_detected_total", Help: "Staged rows classified by change type."},
		[]string{"change_type"},
	)
	ChangesReviewed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "geostore_changes_reviewed_total", Help: "Staged rows applied or rejected."},
		[]string{"action"},
	)
	DegradedRequests = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "geostore_degraded_requests_total", Help: "Requests served from demo data because PostGIS was unavailable."},
	)
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
	regOnce.Do(func() {
		Registry.MustRegister(HTTPRequests)
		Registry.MustRegister(HTTPDuration)
		Registry.MustRegister(Uploads)
		Registry.MustRegister(StagedRecords)
		Registry.MustRegister(SkippedRecords)
		Registry.MustRegister(ChangesDetected)
		Registry.MustRegister(ChangesReviewed)
		Registry.MustRegister(DegradedRequests)
		// Go/process collectors on our registry
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

var regOnce sync.Once

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
