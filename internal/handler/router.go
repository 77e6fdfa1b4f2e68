package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/capitalize-ai/localfirst-chat/internal/llm"
	"github.com/capitalize-ai/localfirst-chat/internal/middleware"
	"github.com/capitalize-ai/localfirst-chat/internal/service"
	"github.com/capitalize-ai/localfirst-chat/pkg/logger"
)

// RouterConfig holds everything the HTTP API is built from.
type RouterConfig struct {
	Service    *service.ChatService
	Lifecycle  Lifecycle
	Sync       SyncStatus
	Completion llm.Client
	Health     *HealthHandler
	Logger     *logger.Logger

	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter builds the HTTP API.
func NewRouter(cfg RouterConfig) http.Handler {
	log := cfg.Logger
	session := cfg.Service.Session()

	chats := NewChatHandler(cfg.Service, log)
	stream := NewStreamHandler(cfg.Service, log)
	completion := NewCompletionHandler(cfg.Completion, log)
	sessions := NewSessionHandler(cfg.Lifecycle, session, cfg.Sync, log)
	events := NewEventsHandler(session, cfg.Sync, log)
	health := cfg.Health
	if health == nil {
		health = NewHealthHandler(nil, nil)
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))
			r.Get("/shared/{token}", chats.Shared)
			r.Post("/completion", completion.Complete)
			r.Get("/models", chats.Models)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(cfg.JWTSecret))
			r.Use(middleware.UserRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

			r.Post("/session", sessions.Start)
			r.Delete("/session", sessions.Stop)

			r.Group(func(r chi.Router) {
				r.Use(RequireSession(session))

				r.Get("/state", sessions.State)
				r.Post("/sync", sessions.Sync)
				r.Get("/events", events.Events)

				r.Route("/chats", func(r chi.Router) {
					r.Post("/", chats.Create)
					r.Get("/", chats.List)

					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", chats.Select)
						r.Put("/", chats.Update)
						r.Delete("/", chats.Delete)
						r.Post("/share", chats.Share)
						r.Post("/fork", chats.Fork)

						// Messages
						r.Get("/messages", chats.Messages)
						r.Post("/messages", stream.SendMessage)
					})
				})
			})
		})
	})

	return r
}
