// Package httpapi is the thin HTTP adapter wiring the store, search index,
// task registry, broker, blob stage, and signal pipeline to the service's
// stable endpoint surface. It follows the teacher's net/http ServeMux
// pattern for the ambient health/ready/metrics routes (see
// [internal/adapter/http]) but uses gorilla/mux for the domain routes,
// since the endpoint surface needs path parameters and method-specific
// middleware the stdlib mux doesn't give us as conveniently.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tlcfem/motion-base-go/internal/auth"
	"github.com/tlcfem/motion-base-go/internal/blob"
	"github.com/tlcfem/motion-base-go/internal/broker"
	"github.com/tlcfem/motion-base-go/internal/observability"
	"github.com/tlcfem/motion-base-go/internal/searchindex"
	"github.com/tlcfem/motion-base-go/internal/store"
	"github.com/tlcfem/motion-base-go/internal/tasks"
)

// Server holds every collaborator the endpoint surface needs. All fields
// are long-lived singletons created during startup, per the "global state"
// design note: nothing here is a package-level variable.
type Server struct {
	Store    *store.Store
	Index    *searchindex.Index
	Tasks    *tasks.Registry
	Broker   *broker.Broker
	Blob     *blob.Store
	Users    *auth.Users
	Tokens   *auth.TokenIssuer
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	MainSite string
}

// NewRouter builds the full gorilla/mux router, wrapped with gorilla/handlers
// CORS and gzip middleware.
func NewRouter(s *Server) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/alive", s.handleAlive).Methods(http.MethodGet)
	r.HandleFunc("/test_endpoint", s.handleTestEndpoint).Methods(http.MethodGet)
	r.HandleFunc("/total", s.handleTotal).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/task/status/{id}", s.handleTaskStatus).Methods(http.MethodGet)
	r.HandleFunc("/task/status/", s.handleTaskStatusBatch).Methods(http.MethodPost)

	r.HandleFunc("/raw/jackpot", s.handleJackpot("raw")).Methods(http.MethodGet)
	r.HandleFunc("/waveform/jackpot", s.handleJackpot("waveform")).Methods(http.MethodGet)
	r.HandleFunc("/spectrum/jackpot", s.handleJackpot("spectrum")).Methods(http.MethodGet)
	r.HandleFunc("/waveform", s.handleWaveform).Methods(http.MethodPost)
	r.HandleFunc("/query", s.handleQuery).Methods(http.MethodPost)
	r.HandleFunc("/search", s.handleSearch).Methods(http.MethodPost)
	r.HandleFunc("/process", s.handleProcess).Methods(http.MethodPost)

	r.HandleFunc("/jp/upload", s.requireUpload(s.handleUpload(regionJapan))).Methods(http.MethodPost)
	r.HandleFunc("/nz/upload", s.requireUpload(s.handleUpload(regionNewZealand))).Methods(http.MethodPost)

	r.HandleFunc("/access/{path:.*}", s.handleAccessGet).Methods(http.MethodGet)
	r.HandleFunc("/access/{path:.*}", s.requireDelete(s.handleAccessDelete)).Methods(http.MethodDelete)

	r.HandleFunc("/user/token", s.handleTokenIssue).Methods(http.MethodPost)
	r.HandleFunc("/user/whoami", s.requireAuth(s.handleWhoAmI)).Methods(http.MethodGet)
	r.HandleFunc("/user/new", s.handleUserNew).Methods(http.MethodPost)
	r.HandleFunc("/user/check", s.handleUserCheck).Methods(http.MethodPost)
	r.HandleFunc("/user/{id}", s.requireDelete(s.handleUserDelete)).Methods(http.MethodDelete)

	r.HandleFunc("/index", s.requireUpload(s.handleIndex)).Methods(http.MethodPost)

	handler := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete}),
	)(r)
	return handlers.CompressHandler(loggingMiddleware(s, handler))
}

func loggingMiddleware(s *Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		if s.Metrics != nil {
			s.Metrics.HTTPRequests.WithLabelValues(req.Method, req.URL.Path, statusClass(rec.status)).Inc()
			s.Metrics.HTTPRequestDuration.WithLabelValues(req.Method, req.URL.Path).Observe(time.Since(start).Seconds())
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
