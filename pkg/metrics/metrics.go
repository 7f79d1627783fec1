package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	CampaignsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_campaigns_submitted_total", Help: "Campaigns submitted, by resulting status"},
		[]string{"status"},
	)
	QueueOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "queue_operations_total", Help: "Queue operations by op and result"},
		[]string{"op", "result"},
	)
	GenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "api_generation_duration_seconds",
			Help:    "Time spent waiting for generated email HTML",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)
	GenerationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "api_generation_failures_total", Help: "Failed generation calls"},
	)

	WorkerCampaignsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_campaigns_processed_total", Help: "Campaigns processed, by final status"},
		[]string{"status"},
	)
	WorkerEmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_emails_sent_total", Help: "Emails sent successfully"},
	)
	WorkerEmailsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_emails_failed_total", Help: "Emails failed"},
	)
	WorkerSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_email_send_duration_seconds",
			Help:    "Time spent on a single SMTP send",
			Buckets: prometheus.DefBuckets,
		},
	)
	ReaperExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_reaper_expired_total", Help: "Campaigns expired by the reaper"},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration, CampaignsSubmitted, QueueOperations,
		GenerationDuration, GenerationFailures,
		WorkerCampaignsProcessed, WorkerEmailsSent, WorkerEmailsFailed, WorkerSendDuration, ReaperExpired,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
