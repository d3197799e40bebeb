package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Crawl metrics
	PagesCrawled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "magpie_pages_crawled_total",
			Help: "Total number of pages fetched and parsed",
		},
	)

	ImagesFound = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "magpie_images_found_total",
			Help: "Total number of image URLs discovered",
		},
	)

	ImagesDownloaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magpie_images_downloaded_total",
			Help: "Total number of image downloads by outcome",
		},
		[]string{"outcome"},
	)

	CrawlQueueSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magpie_crawl_queue_size",
			Help: "Current size of the crawl and download queues",
		},
		[]string{"queue"},
	)

	DownloadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "magpie_download_duration_seconds",
			Help:    "Image download duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	HTTPRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "magpie_http_retries_total",
			Help: "Total number of retried outbound HTTP requests",
		},
	)

	// Cluster metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magpie_nodes_total",
			Help: "Total number of database nodes by role and health",
		},
		[]string{"role", "health"},
	)

	NodeReplicationLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "magpie_node_replication_lag_seconds",
			Help: "Replication lag per secondary node in seconds",
		},
		[]string{"node"},
	)

	// Replication metrics
	SyncQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "magpie_sync_queue_size",
			Help: "Current number of queued sync operations",
		},
	)

	SyncOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magpie_sync_operations_total",
			Help: "Total number of replicated operations by kind and status",
		},
		[]string{"kind", "status"},
	)

	FullSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "magpie_full_sync_duration_seconds",
			Help:    "Full reconciliation pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Failover metrics
	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magpie_failovers_total",
			Help: "Total number of failover attempts by outcome",
		},
		[]string{"outcome"},
	)

	FailoverDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "magpie_failover_duration_seconds",
			Help:    "Failover duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "magpie_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "magpie_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(PagesCrawled)
	prometheus.MustRegister(ImagesFound)
	prometheus.MustRegister(ImagesDownloaded)
	prometheus.MustRegister(CrawlQueueSize)
	prometheus.MustRegister(DownloadDuration)
	prometheus.MustRegister(HTTPRetries)
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodeReplicationLag)
	prometheus.MustRegister(SyncQueueSize)
	prometheus.MustRegister(SyncOperationsTotal)
	prometheus.MustRegister(FullSyncDuration)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(FailoverDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures a duration and records it into a histogram
type Timer struct {
	start time.Time
	hist  prometheus.Histogram
}

// NewTimer starts a timer for the given histogram
func NewTimer(hist prometheus.Histogram) *Timer {
	return &Timer{start: time.Now(), hist: hist}
}

// ObserveDuration records the elapsed time and returns it
func (t *Timer) ObserveDuration() time.Duration {
	elapsed := time.Since(t.start)
	t.hist.Observe(elapsed.Seconds())
	return elapsed
}
