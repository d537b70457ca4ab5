/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed as X-Request-Id
  2. RequestLog: One structured zap line per request
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the HR frontend

ROUTE GROUPS:
  /api/employees/*      Employees, summaries, lot creation
  /api/credits/*        Lot approval and offsets by lot
  /api/attendance/*     Attendance records and offsets by record
  /api/offsets/*        Apply and revert
  /api/admin/*          Reconciliation
  /metrics              Prometheus scrape endpoint

SECURITY NOTE:
  No authentication middleware. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter. Zero values are usable.
type RouterOptions struct {
	AllowedOrigins []string
	// Gatherer backs /metrics. Nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(RequestLog(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/employees", func(r chi.Router) {
			r.Post("/", h.CreateEmployee)
			r.Get("/{id}", h.GetEmployee)
			r.Get("/{id}/summary", h.GetSummary)
			r.Get("/{id}/credits", h.ListCredits)
			r.Post("/{id}/credits", h.CreateCredit)
		})

		r.Route("/credits", func(r chi.Router) {
			r.Post("/{id}/approve", h.ApproveCredit)
			r.Post("/{id}/reject", h.RejectCredit)
			r.Get("/{id}/offsets", h.ListLotOffsets)
		})

		r.Route("/attendance", func(r chi.Router) {
			r.Post("/", h.CreateAttendance)
			r.Get("/{id}", h.GetAttendance)
			r.Get("/{id}/offsets", h.ListAttendanceOffsets)
		})

		r.Route("/offsets", func(r chi.Router) {
			r.Post("/", h.ApplyOffset)
			r.Post("/{id}/revert", h.RevertOffset)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reconcile", h.Reconcile)
			r.Get("/reconciliation/runs", h.ListReconciliationRuns)
		})
	})

	return r
}

// =============================================================================
// REQUEST LOGGING
// =============================================================================

// RequestLog logs each request with its route pattern, status and latency.
// 5xx responses log at Error, /metrics and /healthz at Debug.
func RequestLog(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			if id := middleware.GetReqID(r.Context()); id != "" {
				ww.Header().Set("X-Request-Id", id)
			}

			next.ServeHTTP(ww, r)

			route := "unknown"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); strings.TrimSpace(p) != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.Int("bytes_out", ww.BytesWritten()),
			}
			if a := r.Header.Get(ActorHeader); a != "" {
				fields = append(fields, zap.String("actor", a))
			}

			switch {
			case status >= http.StatusInternalServerError:
				log.Error("http_request", fields...)
			case route == "/metrics" || route == "/healthz":
				log.Debug("http_request", fields...)
			default:
				log.Info("http_request", fields...)
			}
		})
	}
}
