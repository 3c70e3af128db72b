package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Tutortoise/human-detection-service/detections"
	"github.com/Tutortoise/human-detection-service/models"
)

const namespace = "human_detection"

// Metrics holds the service collectors on a private registry.
type Metrics struct {
	Uploads          *prometheus.CounterVec
	ProcessRequests  *prometheus.CounterVec
	Frames           prometheus.Counter
	Detections       *prometheus.CounterVec
	InferenceSeconds prometheus.Histogram
	RequestSeconds   *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates the collectors. poolStats is polled on every scrape; pass nil
// when there is no model.
func New(poolStats func() detections.PoolStats) *Metrics {
	m := &Metrics{
		Uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Accepted uploads by media kind",
		}, []string{"kind"}),
		ProcessRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_requests_total",
			Help:      "Processing requests by media kind and outcome",
		}, []string{"kind", "outcome"}),
		Frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_frames_total",
			Help:      "Video frames run through the detector",
		}),
		Detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detections returned by media kind",
		}, []string{"kind"}),
		InferenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_seconds",
			Help:      "Model forward pass latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		RequestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "status"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(m.Uploads, m.ProcessRequests, m.Frames, m.Detections, m.InferenceSeconds, m.RequestSeconds)
	if poolStats != nil {
		m.registerPool(poolStats)
	}
	return m
}

func (m *Metrics) registerPool(stats func() detections.PoolStats) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_pool_size",
			Help:      "Inference sessions in the pool",
		},
		func() float64 { return float64(stats().Size) },
	))

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_pool_in_use",
			Help:      "Inference sessions currently checked out",
		},
		func() float64 { return float64(stats().InUse) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_pool_acquired_total",
			Help:      "Sessions handed out by the pool",
		},
		func() float64 { return float64(stats().TotalAcquired) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_pool_acquire_failures_total",
			Help:      "Session acquisitions abandoned because the caller was cancelled",
		},
		func() float64 { return float64(stats().AcquireFailures) },
	))

	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_pool_wait_seconds_total",
			Help:      "Time spent waiting for a free session",
		},
		func() float64 { return stats().WaitTime.Seconds() },
	))
}

func (m *Metrics) UploadAccepted(kind models.MediaKind) {
	m.Uploads.WithLabelValues(string(kind)).Inc()
}

// ProcessFinished counts a processing request. kind is empty when the request
// failed before the media kind was known.
func (m *Metrics) ProcessFinished(kind models.MediaKind, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if kind == "" {
		kind = "unknown"
	}
	m.ProcessRequests.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) FramesProcessed(n int) {
	m.Frames.Add(float64(n))
}

func (m *Metrics) DetectionsFound(kind models.MediaKind, n int) {
	m.Detections.WithLabelValues(string(kind)).Add(float64(n))
}

func (m *Metrics) ObserveInference(d time.Duration) {
	m.InferenceSeconds.Observe(d.Seconds())
}

func (m *Metrics) ObserveRequest(route, status string, d time.Duration) {
	m.RequestSeconds.WithLabelValues(route, status).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
