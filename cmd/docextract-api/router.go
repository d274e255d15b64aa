// Package main provides the API router setup.
package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/spherical-ai/spherical/libs/doc-extraction/cmd/docextract-api/handlers"
	"github.com/spherical-ai/spherical/libs/doc-extraction/cmd/docextract-api/middleware"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/api/rpc"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/config"
	"github.com/spherical-ai/spherical/libs/doc-extraction/internal/observability"
)

// Service is everything the REST and RPC surfaces call.
type Service interface {
	handlers.JobService
	rpc.Jobs
}

type readiness map[string]func(context.Context) error

func (r readiness) pingers() map[string]handlers.Pinger {
	out := make(map[string]handlers.Pinger, len(r))
	for name, fn := range r {
		out[name] = handlers.PingFunc(fn)
	}
	return out
}

// NewRouter creates the main API router with all routes configured.
func NewRouter(logger *observability.Logger, cfg *config.Config, svc Service, ready readiness) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(logger.HTTPMiddleware)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready(ready.pingers()))

	auth := middleware.Auth(middleware.AuthConfig{
		Enabled:      cfg.Auth.Enabled,
		DefaultOwner: cfg.Auth.DefaultOwner,
	})

	jobs := handlers.NewJobsHandler(logger, svc, cfg.Server.MaxUploadBytes)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobs.Submit)
			r.Get("/", jobs.List)
			r.Route("/{jobId}", func(r chi.Router) {
				r.Get("/", jobs.Get)
				r.Post("/retry", jobs.Retry)
				r.Post("/cancel", jobs.Cancel)
				r.Get("/tables.xlsx", jobs.ExportTables)
			})
		})
	})

	path, rpcHandler := rpc.NewJobService(svc, logger, cfg.Auth.DefaultOwner).Handler()
	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Mount(path, rpcHandler)
	})

	return r
}
