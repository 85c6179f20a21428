package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry          *prometheus.Registry
	handler           http.Handler
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	fiscalTransitions *prometheus.CounterVec
	offeringActions   *prometheus.CounterVec
	versionConflicts  prometheus.Counter
}

// NewMetrics menginisialisasi registry, metrik HTTP, dan metrik domain.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Jumlah permintaan HTTP berdasarkan route dan status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
		Help:    "Durasi permintaan HTTP per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	fiscal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_fiscal_period_transitions_total",
		Help: "Jumlah transisi periode fiskal berdasarkan aksi.",
	}, []string{"action"})
	offering := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_offering_transitions_total",
		Help: "Jumlah transisi batch persembahan berdasarkan aksi.",
	}, []string{"action"})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_offering_version_conflicts_total",
		Help: "Jumlah mutasi batch yang ditolak karena versi usang.",
	})
	registry.MustRegister(requests, duration, fiscal, offering, conflicts)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		fiscalTransitions: fiscal,
		offeringActions:   offering,
		versionConflicts:  conflicts,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveFiscalTransition menghitung transisi periode fiskal.
func (m *Metrics) ObserveFiscalTransition(action string) {
	if m == nil {
		return
	}
	m.fiscalTransitions.WithLabelValues(action).Inc()
}

// ObserveOfferingTransition menghitung transisi batch persembahan.
func (m *Metrics) ObserveOfferingTransition(action string) {
	if m == nil {
		return
	}
	m.offeringActions.WithLabelValues(action).Inc()
}

// ObserveVersionConflict menghitung konflik versi optimistik.
func (m *Metrics) ObserveVersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
