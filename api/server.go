/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. zap logger: Structured request logging
  4. CORS:       Cross-origin requests for the admin frontend

SECURITY NOTE:
  No authentication middleware here; this service runs behind the
  platform gateway which owns sessions and admin authorization.
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.Log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/donors/{id}", func(r chi.Router) {
			r.Post("/earn", h.Earn)
			r.Post("/reverse", h.Reverse)
			r.Post("/redeem", h.Redeem)
			r.Get("/balance", h.GetBalance)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/vouchers", h.GetVouchers)
		})

		r.Route("/vouchers", func(r chi.Router) {
			r.Post("/verify", h.Verify)
			r.Get("/verify", h.Verify) // QR scans arrive as GET ?token=
			r.Post("/{id}/cancel", h.Cancel)
		})

		r.Get("/rewards", h.ListRewards)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/sweep", h.Sweep)
			r.Get("/audit", h.Audit)
			r.Post("/audit/fix", h.Fix)
			r.Get("/corrections", h.Corrections)
			r.Post("/config/reload", h.ReloadConfig)
		})
	})

	return r
}

// requestLogger logs every request with method, path, status, and timing.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
