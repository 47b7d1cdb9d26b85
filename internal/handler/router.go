// internal/handler/router.go
package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/unclebandit/rallymail-backend/internal/controller"
)

// Deps is everything the router mounts.
type Deps struct {
	Campaigns      *controller.CampaignController
	Subscribers    *controller.SubscriberController
	Health         *HealthHandler
	Tokens         map[string]int
	AllowedOrigins []string
	Log            zerolog.Logger
}

// NewRouter builds the HTTP surface. /health is public, /api needs a bearer token.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(d.Log))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", d.Health.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(Authenticator(d.Tokens))

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", d.Campaigns.Submit)
			r.Get("/", d.Campaigns.History)
			r.Get("/{id}", d.Campaigns.Detail)
			r.Get("/{id}/status", d.Campaigns.Status)
			r.Post("/{id}/cancel", d.Campaigns.Cancel)
			r.Post("/{id}/resubmit-failed", d.Campaigns.ResubmitFailed)
			r.Get("/{id}/attachments/{filename}", d.Campaigns.Attachment)
		})

		r.Route("/subscribers", func(r chi.Router) {
			r.Get("/", d.Subscribers.List)
			r.Post("/", d.Subscribers.Create)
			r.Get("/stats", d.Subscribers.Stats)
			r.Post("/import", d.Subscribers.Import)
			r.Patch("/{id}/active", d.Subscribers.SetActive)
			r.Delete("/{id}", d.Subscribers.Delete)
		})
	})

	return r
}

// requestLogger writes one structured line per request.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				ev := log.Info()
				if ww.Status() >= http.StatusInternalServerError {
					ev = log.Error()
				}
				ev.Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Str("request_id", middleware.GetReqID(r.Context())).
					Msg("http request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
