package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.rateLimitMiddleware)
			}

			r.Use(s.requireAuth)

			r.Get("/me", s.handleMe)

			r.Route("/boards", func(r chi.Router) {
				r.Get("/", s.handleListBoards)
				r.Get("/architectures", s.handleListArchitectures)
				r.Post("/virtual", s.handleRequestVirtualBoard)
				r.Post("/{id}/reservation", s.handleReserve)
				r.Delete("/{id}/reservation", s.handleRelease)

				// Board administration.
				r.Group(func(r chi.Router) {
					r.Use(s.requireRole(lab.RoleAdmin, lab.RoleLabCrew))

					r.Post("/", s.handleRegisterBoard)
					r.Delete("/{id}", s.handleDeleteBoard)
					r.Put("/{id}/maintenance", s.handleSetMaintenance)
					r.Put("/{id}/visibility", s.handleSetVisibility)
					r.Post("/{id}/approve", s.handleApproveBoard)
				})
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.handleListJobs)
				r.Post("/", s.handleSubmitJob)
				r.Get("/{id}", s.handleGetJob)
				r.Post("/{id}/analysis", s.handleAnalyzeJob)
			})

			r.Route("/notifications", func(r chi.Router) {
				r.Get("/", s.handleListNotifications)
				r.Delete("/", s.handleClearNotifications)
				r.Post("/{id}/read", s.handleMarkNotificationRead)
			})

			r.Route("/test-cases", func(r chi.Router) {
				r.Get("/", s.handleListTestCases)
				r.Post("/", s.handleCreateTestCase)
				r.Delete("/{id}", s.handleDeleteTestCase)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(s.requireRole(lab.RoleAdmin))

				r.Get("/users", s.handleListUsers)
				r.Post("/users", s.handleCreateUser)
				r.Put("/users/{id}", s.handleUpdateUser)
				r.Delete("/users/{id}", s.handleDeleteUser)

				r.Get("/snapshot", s.handleExport)
				r.Put("/snapshot", s.handleImport)
				r.Post("/backup", s.handleBackup)
				r.Post("/reset", s.handleReset)

				r.Get("/ai-config", s.handleGetAIConfig)
				r.Put("/ai-config", s.handleSaveAIConfig)
				r.Post("/ai-config/test", s.handleTestAIConnection)
			})
		})
	})

	return r
}

// corsMiddleware returns a CORS handler configured from the API config.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", actorHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}

	origins := s.cfg.API.Server.CORSOrigins

	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// Reflect the requesting origin so credentials work from any origin.
		opts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		opts.AllowedOrigins = origins
	}

	return cors.Handler(opts)
}
