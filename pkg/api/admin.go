package api

import (
	"cmp"
	"encoding/json"
	"io"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/infrasense/labfarm/pkg/upload"
)

// --- User management ---

// handleListUsers returns all users.
func (s *server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.DB.GetUsers(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	// Most privileged first, then by id.
	slices.SortStableFunc(users, func(a, b lab.User) int {
		if c := cmp.Compare(b.Role.Rank(), a.Role.Rank()); c != 0 {
			return c
		}

		return cmp.Compare(a.ID, b.ID)
	})

	writeJSON(w, http.StatusOK, users)
}

// handleCreateUser creates a new lab user. Status defaults to ACTIVE.
func (s *server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req lab.User
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Status == "" {
		req.Status = lab.UserActive
	}

	user, err := s.svc.DB.AddUser(r.Context(), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, user)
}

type updateUserRequest struct {
	Name         *string         `json:"name,omitempty"`
	Email        *string         `json:"email,omitempty"`
	Role         *lab.Role       `json:"role,omitempty"`
	Status       *lab.UserStatus `json:"status,omitempty"`
	BusinessUnit *string         `json:"businessUnit,omitempty"`
	Geosite      *string         `json:"geosite,omitempty"`
	Project      *string         `json:"project,omitempty"`
}

func (r *updateUserRequest) apply(u *lab.User) {
	if r.Name != nil {
		u.Name = *r.Name
	}

	if r.Email != nil {
		u.Email = *r.Email
	}

	if r.Role != nil {
		u.Role = *r.Role
	}

	if r.Status != nil {
		u.Status = *r.Status
	}

	if r.BusinessUnit != nil {
		u.BusinessUnit = *r.BusinessUnit
	}

	if r.Geosite != nil {
		u.Geosite = *r.Geosite
	}

	if r.Project != nil {
		u.Project = *r.Project
	}
}

// handleUpdateUser applies a partial update to a user.
func (s *server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := s.svc.DB.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)

		return
	}

	req.apply(&user)

	user, err = s.svc.DB.UpdateUser(r.Context(), user)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, user)
}

// handleDeleteUser removes a user. Admins cannot delete themselves.
func (s *server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if id == userFromContext(r.Context()).ID {
		s.writeError(w, lab.Conflictf("cannot delete the acting user"))

		return
	}

	if err := s.svc.DB.DeleteUser(r.Context(), id); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Snapshots ---

// handleExport returns the full lab state document.
func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	doc, err := s.svc.DB.Export(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// handleImport replaces the collections present in the request body.
func (s *server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil || !json.Valid(data) {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid snapshot document"})

		return
	}

	n, err := s.svc.DB.Import(r.Context(), data)
	if err != nil {
		s.writeError(w, err)

		return
	}

	s.log.WithField("collections", n).Info("Snapshot imported")

	writeJSON(w, http.StatusOK, map[string]int{"imported": n})
}

// handleBackup uploads a snapshot to the configured backup target.
func (s *server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if s.svc.Backups == nil {
		writeJSON(w, http.StatusServiceUnavailable,
			errorResponse{"no backup target configured"})

		return
	}

	key, err := upload.Backup(r.Context(), s.svc.DB, s.svc.Backups)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

type resetRequest struct {
	Confirm bool `json:"confirm"`
}

// handleReset overwrites the lab state with the seed. The body must carry
// {"confirm": true}.
func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if !req.Confirm {
		s.writeError(w, lab.Validationf("reset requires confirmation"))

		return
	}

	if err := s.svc.Reset(r.Context()); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- AI configuration ---

func (s *server) handleGetAIConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.DB.GetAIConfig(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

func (s *server) handleSaveAIConfig(w http.ResponseWriter, r *http.Request) {
	var req lab.AIConfig
	if !decodeBody(w, r, &req) {
		return
	}

	if err := s.svc.DB.SaveAIConfig(r.Context(), req); err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, req)
}

// handleTestAIConnection checks that the stored analysis backend answers.
func (s *server) handleTestAIConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Analysis.TestConnection(r.Context()); err != nil {
		if lab.Kind(err) == nil {
			writeJSON(w, http.StatusBadGateway, errorResponse{err.Error()})

			return
		}

		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
