package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &HTTPMetrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func LoggingMiddleware(logger *zap.Logger, metrics *HTTPMetrics, next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		info := &requestInfo{}
		next.ServeHTTP(writer, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))
		duration := time.Since(start)

		route := info.pattern
		if route == "" {
			route = "unmatched"
		}
		if metrics != nil {
			metrics.requests.WithLabelValues(r.Method, route, strconv.Itoa(writer.status)).Inc()
			metrics.duration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
		}

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("request_id", requestIDFromRequest(r)),
		}
		if info.agentID != "" {
			fields = append(fields, zap.String("agent_id", info.agentID))
		}
		if agencyID := r.URL.Query().Get("agency_id"); agencyID != "" {
			fields = append(fields, zap.String("agency_id", agencyID))
		}
		if writer.status >= http.StatusInternalServerError {
			logger.Warn("request", fields...)
			return
		}
		logger.Info("request", fields...)
	})
}

// requestInfo carries what inner handlers learn back to LoggingMiddleware.
// Middleware in between may copy the request, so it travels as a pointer
// in the context.
type requestInfo struct {
	pattern string
	agentID string
}

type requestInfoKey struct{}

func infoFromContext(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(*requestInfo)
	return info
}

func recordPattern(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mux.ServeHTTP(w, r)
		if info := infoFromContext(r.Context()); info != nil {
			info.pattern = r.Pattern
		}
	})
}
