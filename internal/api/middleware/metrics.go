// metrics.go — Prometheus HTTP-метрики Archive Module:
// arc_http_requests_total, arc_http_request_duration_seconds.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arc_http_requests_total",
			Help: "Общее количество HTTP-запросов к Archive Module",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arc_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Archive Module в секундах",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"method", "path"},
	)
)

// MetricsMiddleware учитывает количество и длительность запросов по нормализованному пути.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := normalizePath(r.URL.Path)

			rec := newStatusRecorder(w)
			next.ServeHTTP(rec, r)

			httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

const archivePrefix = "/oais/archive/"

// normalizePath заменяет accession_id на {id}:
// /oais/archive/AC-1/ → /oais/archive/{id}/
// /oais/archive/AC-1/download/ → /oais/archive/{id}/download/
// Неизвестные пути сводятся к "other".
func normalizePath(path string) string {
	switch path {
	case "/health/live", "/health/ready", "/metrics", "/api/openapi.yaml":
		return path
	}

	rest, ok := strings.CutPrefix(path, archivePrefix)
	if !ok || rest == "" {
		return "other"
	}
	_, tail, _ := strings.Cut(rest, "/")
	switch tail {
	case "":
		return archivePrefix + "{id}/"
	case "download/", "download":
		return archivePrefix + "{id}/download/"
	default:
		return "other"
	}
}
