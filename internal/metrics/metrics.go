package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IdentifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "layoutid",
			Name:      "identify_total",
			Help:      "Identification calls by outcome",
		},
		[]string{"outcome"},
	)

	IdentifyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "layoutid",
			Name:      "identify_duration_seconds",
			Help:      "Identification duration in seconds, extraction included",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	OCRFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "layoutid",
			Name:      "ocr_fallback_total",
			Help:      "PDFs that fell back to full page OCR",
		},
	)

	OCRFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "layoutid",
			Name:      "ocr_failures_total",
			Help:      "Skipped OCR or rasterization failures",
		},
		[]string{"stage"}, // "image" / "page" / "render"
	)

	IndexLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "layoutid",
			Name:      "index_loads_total",
			Help:      "Index builds by result",
		},
		[]string{"result"},
	)

	EnrichmentFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "layoutid",
			Name:      "enrichment_failures_total",
			Help:      "Catalog preview enrichment failures",
		},
	)

	EmbeddingCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "layoutid",
			Name:      "embedding_cache_total",
			Help:      "Query embedding cache hits and misses",
		},
		[]string{"result"},
	)

	EncoderDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "layoutid",
			Name:      "encoder_duration_seconds",
			Help:      "Encoder call duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"encoder"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "layoutid",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "layoutid",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			IdentifyTotal,
			IdentifyDuration,
			OCRFallbackTotal,
			OCRFailuresTotal,
			IndexLoadsTotal,
			EnrichmentFailuresTotal,
			EmbeddingCacheTotal,
			EncoderDuration,
			HTTPRequestDuration,
			HTTPRequestsTotal,
		)
	})
}
