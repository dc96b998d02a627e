// Package api is the thin endpoint layer over the core services. Routing,
// validation, and session plumbing live here; all domain behavior stays in
// the service packages.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/toolhunt/toolhunt/internal/apperr"
	"github.com/toolhunt/toolhunt/internal/config"
	"github.com/toolhunt/toolhunt/internal/schema"
	"github.com/toolhunt/toolhunt/internal/tasks"
	"github.com/toolhunt/toolhunt/internal/toolhub"
	"github.com/toolhunt/toolhunt/internal/vault"
)

// Server holds the wired dependencies for the HTTP API.
type Server struct {
	db     *gorm.DB
	tasks  *tasks.Service
	vault  *vault.Vault
	oauth  *toolhub.OAuth
	client *toolhub.Client
	schema *schema.Fetcher
	cfg    *config.Settings
	log    zerolog.Logger
}

// NewServer wires the endpoint layer.
func NewServer(db *gorm.DB, svc *tasks.Service, v *vault.Vault, oauth *toolhub.OAuth, client *toolhub.Client, sch *schema.Fetcher, cfg *config.Settings, log zerolog.Logger) *Server {
	return &Server{
		db:     db,
		tasks:  svc,
		vault:  v,
		oauth:  oauth,
		client: client,
		schema: sch,
		cfg:    cfg,
		log:    log.With().Str("component", "api").Logger(),
	}
}

// Router builds the chi router.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.With(s.requireUser).Post("/tasks/{taskID}/submit", s.handleSubmitTask)

		r.Get("/tools", s.handleListTools)
		r.Get("/fields", s.handleListFields)
		r.Get("/metrics/contributions", s.handleContributions)
		r.Get("/schema", s.handleSchema)

		r.Get("/auth/login", s.handleLogin)
		r.Get("/auth/callback", s.handleCallback)
		r.Post("/auth/logout", s.handleLogout)
		r.With(s.requireUser).Get("/user", s.handleCurrentUser)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}
