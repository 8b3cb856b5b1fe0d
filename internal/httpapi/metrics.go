package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinic/queue-service/internal/store"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	queueTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_transitions_total",
			Help: "Queue item transitions by action and result",
		},
		[]string{"action", "result"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, queueTransitionsTotal)
}

func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		route := routeLabel(r.URL.Path)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(writer.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func recordTransition(action string, err error) {
	result := "ok"
	if err != nil {
		_, result, _ = mapError(err)
	}
	queueTransitionsTotal.WithLabelValues(action, result).Inc()
}

var routeTemplates = [][]string{
	{"healthz"},
	{"readyz"},
	{"metrics"},
	{"api", "realtime"},
	{"api", "reception", "queue"},
	{"api", "roles"},
	{"api", "roles", ":id"},
	{"api", "roles", ":id", "permissions"},
	{"api", "departments", ":id", "queue"},
	{"api", "queue-items", ":id"},
	{"api", "queue-items", ":id", "events"},
	{"api", "queue-items", ":id", "actions", ":action"},
}

// routeLabel maps a request path onto one of the served route templates so
// the label set stays bounded. Anything else is "other".
func routeLabel(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for _, template := range routeTemplates {
		if matchRoute(template, parts) {
			return "/" + strings.Join(template, "/")
		}
	}
	return "other"
}

func matchRoute(template, parts []string) bool {
	if len(template) != len(parts) {
		return false
	}
	for i, segment := range template {
		switch segment {
		case ":id":
			if parts[i] == "" {
				return false
			}
		case ":action":
			if !store.IsKnownAction(parts[i]) {
				return false
			}
		default:
			if parts[i] != segment {
				return false
			}
		}
	}
	return true
}
