package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/infrasense/labfarm/pkg/access"
	"github.com/infrasense/labfarm/pkg/lab"
	"github.com/infrasense/labfarm/pkg/reservation"
)

// maxBodyBytes bounds request bodies, including snapshot imports.
const maxBodyBytes = 16 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps a domain error to its HTTP status.
func (s *server) writeError(w http.ResponseWriter, err error) {
	var status int

	switch lab.Kind(err) {
	case lab.ErrValidation:
		status = http.StatusBadRequest
	case lab.ErrConflict:
		status = http.StatusConflict
	case lab.ErrNotFound:
		status = http.StatusNotFound
	case lab.ErrForbidden:
		status = http.StatusForbidden
	default:
		s.log.WithError(err).Error("Request failed")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"internal error"})

		return
	}

	var le *lab.Error
	if errors.As(err, &le) {
		writeJSON(w, status, errorResponse{le.Msg})

		return
	}

	writeJSON(w, status, errorResponse{err.Error()})
}

// decodeBody decodes the JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return false
	}

	return true
}

// --- Public handlers ---

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMe returns the currently authenticated user.
func (s *server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, userFromContext(r.Context()))
}

// --- Boards ---

// handleListBoards returns the boards visible to the caller. SSH access
// details are only included for the holder and board managers.
func (s *server) handleListBoards(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	opts := s.svc.AccessOptions()

	boards, err := s.svc.DB.GetBoards(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	visible := access.ComputeVisibleBoards(*user, boards, opts)
	out := make([]lab.Board, 0, len(visible))

	for _, b := range visible {
		if !user.Role.ManagesBoards() && !access.IsHolder(*user, b, opts) {
			b.Access = nil
		}

		out = append(out, b)
	}

	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleListArchitectures(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, reservation.Architectures)
}

type virtualBoardRequest struct {
	Architecture string `json:"architecture"`
}

func (s *server) handleRequestVirtualBoard(w http.ResponseWriter, r *http.Request) {
	var req virtualBoardRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b, err := s.svc.Reservations.RequestVirtualBoard(
		r.Context(), *userFromContext(r.Context()), req.Architecture,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, b)
}

type reserveRequest struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (s *server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b, err := s.svc.Reservations.Reserve(
		r.Context(), chi.URLParam(r, "id"), *userFromContext(r.Context()), req.Start, req.End,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, b)
}

// handleRelease ends a reservation. Releasing someone else's board needs
// ?force=true.
func (s *server) handleRelease(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	b, err := s.svc.Reservations.Release(
		r.Context(), chi.URLParam(r, "id"), *userFromContext(r.Context()), force,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, b)
}

func (s *server) handleRegisterBoard(w http.ResponseWriter, r *http.Request) {
	var req lab.Board
	if !decodeBody(w, r, &req) {
		return
	}

	b, err := s.svc.Reservations.RegisterBoard(r.Context(), *userFromContext(r.Context()), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, b)
}

func (s *server) handleDeleteBoard(w http.ResponseWriter, r *http.Request) {
	err := s.svc.Reservations.DeleteBoard(
		r.Context(), chi.URLParam(r, "id"), *userFromContext(r.Context()),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
	// Confirm acknowledges that an active reservation will be cleared.
	Confirm bool `json:"confirm"`
}

func (s *server) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	var req maintenanceRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b, err := s.svc.Reservations.SetMaintenance(
		r.Context(), chi.URLParam(r, "id"), *userFromContext(r.Context()), req.Enabled, req.Confirm,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, b)
}

type visibilityRequest struct {
	Visibility lab.Visibility `json:"visibility"`
}

func (s *server) handleSetVisibility(w http.ResponseWriter, r *http.Request) {
	var req visibilityRequest
	if !decodeBody(w, r, &req) {
		return
	}

	b, err := s.svc.Reservations.SetVisibility(
		r.Context(), chi.URLParam(r, "id"), *userFromContext(r.Context()), req.Visibility,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, b)
}

func (s *server) handleApproveBoard(w http.ResponseWriter, r *http.Request) {
	b, err := s.svc.Reservations.ApproveBoard(
		r.Context(), chi.URLParam(r, "id"), *userFromContext(r.Context()),
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, b)
}
