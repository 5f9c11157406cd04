package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/relay/internal/scheduler"
	"github.com/haasonsaas/relay/pkg/models"
)

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var role models.Role
	if err := decodeBody(r, &role); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if role.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	role.UserID = userID(r)
	if err := s.store.CreateRole(r.Context(), &role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.store.ListRoles(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var role models.Role
	if err := decodeBody(r, &role); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	role.ID = r.PathValue("id")
	role.UserID = userID(r)
	if err := s.store.UpdateRole(r.Context(), &role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	role, err := s.store.GetRole(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteRole(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	// The role row is gone; its memory store and cached adapters go with it.
	if s.roles != nil {
		if err := s.roles.CleanupRole(r.Context(), role.UserID, role.ID); err != nil {
			s.logger.Warn("role cleanup failed", "role_id", role.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	messages, err := s.store.ListMessages(r.Context(), userID(r), r.URL.Query().Get("role_id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteMessages(r.Context(), userID(r), r.URL.Query().Get("role_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Description string `json:"description"`
		Cadence     string `json:"cadence"`
		RoleID      string `json:"role_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.Description == "" || body.Cadence == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "description and cadence are required"})
		return
	}

	job, err := scheduler.CreateJob(userID(r), body.RoleID, body.Description, body.Cadence, time.Now())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.store.CreateJob(r.Context(), job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context(), userID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.store.CancelJob(r.Context(), userID(r), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutToken(w http.ResponseWriter, r *http.Request) {
	var tok models.OAuthToken
	if err := decodeBody(r, &tok); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if tok.Provider == "" || tok.AccessToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "provider and access_token are required"})
		return
	}
	tok.UserID = userID(r)
	if err := s.store.PutToken(r.Context(), &tok); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	specs := s.providers.Specs()
	// Credentials file names and commands are deployment detail; expose
	// the user-facing fields only.
	type providerView struct {
		Key         string `json:"key"`
		DisplayName string `json:"display_name"`
		Transport   string `json:"transport"`
		Auth        string `json:"auth"`
		Visibility  string `json:"visibility"`
	}
	out := make([]providerView, 0, len(specs))
	for _, spec := range specs {
		out = append(out, providerView{
			Key:         spec.Key,
			DisplayName: spec.DisplayName,
			Transport:   string(spec.Transport),
			Auth:        string(spec.Auth),
			Visibility:  string(spec.Visibility),
		})
	}
	writeJSON(w, http.StatusOK, out)
}
