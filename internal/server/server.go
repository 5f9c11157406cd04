// Package server exposes the chat SSE endpoint and the auxiliary CRUD
// surface over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/relay/internal/orchestrator"
	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// TurnRunner executes one chat turn, emitting events on the channel.
type TurnRunner interface {
	RunTurn(ctx context.Context, req *orchestrator.TurnRequest, events chan<- any) (string, error)
}

// Store is the persistence surface of the CRUD handlers.
type Store interface {
	CreateRole(ctx context.Context, role *models.Role) error
	GetRole(ctx context.Context, id string) (*models.Role, error)
	ListRoles(ctx context.Context, userID string) ([]*models.Role, error)
	UpdateRole(ctx context.Context, role *models.Role) error
	DeleteRole(ctx context.Context, id string) error

	ListMessages(ctx context.Context, userID, roleID string, limit int) ([]*models.Message, error)
	DeleteMessages(ctx context.Context, userID, roleID string) error

	CreateJob(ctx context.Context, job *models.ScheduledJob) error
	ListJobs(ctx context.Context, userID string) ([]*models.ScheduledJob, error)
	CancelJob(ctx context.Context, userID, id string) error

	PutToken(ctx context.Context, tok *models.OAuthToken) error
}

// ProviderLister exposes the provider descriptor catalog.
type ProviderLister interface {
	Specs() []models.ProviderSpec
}

// RoleCleaner tears down role-scoped runtime state (cached adapters, the
// role's memory store) when a role is deleted.
type RoleCleaner interface {
	CleanupRole(ctx context.Context, userID, roleID string) error
}

// Server is the HTTP front end.
type Server struct {
	turns     TurnRunner
	store     Store
	providers ProviderLister
	roles     RoleCleaner
	logger    *slog.Logger
	mux       *http.ServeMux
}

// New creates the server and installs its routes. roles may be nil when no
// role-scoped state exists outside the store.
func New(turns TurnRunner, st Store, providers ProviderLister, roles RoleCleaner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default().With("component", "server")
	}
	s := &Server{
		turns:     turns,
		store:     st,
		providers: providers,
		roles:     roles,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/chat", s.handleChat)

	s.mux.HandleFunc("POST /api/roles", s.handleCreateRole)
	s.mux.HandleFunc("GET /api/roles", s.handleListRoles)
	s.mux.HandleFunc("PUT /api/roles/{id}", s.handleUpdateRole)
	s.mux.HandleFunc("DELETE /api/roles/{id}", s.handleDeleteRole)

	s.mux.HandleFunc("GET /api/messages", s.handleListMessages)
	s.mux.HandleFunc("DELETE /api/messages", s.handleDeleteMessages)

	s.mux.HandleFunc("POST /api/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	s.mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)

	s.mux.HandleFunc("POST /api/tokens", s.handlePutToken)
	s.mux.HandleFunc("GET /api/providers", s.handleListProviders)

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// userID resolves the request principal. Authentication itself is handled
// by the fronting layer; this trusts its header.
func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, store.ErrJobNotCancellable):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
