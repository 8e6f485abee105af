package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Routes groups handlers.
type Routes struct {
	StartLease    http.HandlerFunc
	StopLease     http.HandlerFunc
	ActiveLease   http.HandlerFunc
	HolderHistory http.HandlerFunc
	HolderStats   http.HandlerFunc
	AllSessions   http.HandlerFunc
	Health        http.HandlerFunc
}

// NewRouter registers endpoints. Nil handlers are not mounted.
func NewRouter(routes Routes, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	mount(r.Post, "/leases", routes.StartLease)
	mount(r.Post, "/leases/{id}/stop", routes.StopLease)
	mount(r.Get, "/holders/{holder}/lease", routes.ActiveLease)
	mount(r.Get, "/holders/{holder}/sessions", routes.HolderHistory)
	mount(r.Get, "/holders/{holder}/stats", routes.HolderStats)
	mount(r.Get, "/sessions", routes.AllSessions)
	mount(r.Get, "/health", routes.Health)

	return r
}

func mount(register func(string, http.HandlerFunc), pattern string, handler http.HandlerFunc) {
	if handler != nil {
		register(pattern, handler)
	}
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
			)
		})
	}
}
