package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "endpoint"})
)

// NewRouter wires every route. User and audit routes sit behind JWTAuth.
func NewRouter(h *Handler, jwtSecret string) *mux.Router {
	r := mux.NewRouter()
	r.Use(metricsMiddleware)

	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Use(JWTAuth(jwtSecret))

	apiV1.HandleFunc("/reservations", h.PurchaseHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/reservations/{id}", h.GetReservationHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/reservations/{id}/operations", h.GetReservationOperationsHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/reservations/{id}/cancel", h.CancelHandler).Methods(http.MethodPost)
	apiV1.HandleFunc("/reservations/{id}/commit", h.CommitHandler).Methods(http.MethodPost)

	apiV1.HandleFunc("/users/{id}/ledger", h.GetLedgerHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/users/{id}/operations", h.GetOperationsHandler).Methods(http.MethodGet)

	apiV1.HandleFunc("/providers/{provider}/events", h.ProviderEventHandler).Methods(http.MethodPost)

	apiV1.HandleFunc("/audit/drift", h.DriftHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/audit/users/{id}/correct", h.CorrectDriftHandler).Methods(http.MethodPost)

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		httpRequestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}
