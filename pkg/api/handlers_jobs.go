package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/infrasense/labfarm/pkg/access"
	"github.com/infrasense/labfarm/pkg/lab"
)

// --- Jobs ---

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.Jobs.History(r.Context(), *userFromContext(r.Context()))
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, jobs)
}

type submitJobRequest struct {
	Boards []string     `json:"boards"`
	Tests  []string     `json:"tests"`
	Model  lab.ModelTag `json:"model"`
}

// handleSubmitJob starts a job and returns it while it is still running.
func (s *server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Model == "" {
		req.Model = lab.ModelAuto
	}

	job, err := s.svc.Jobs.Submit(
		r.Context(), *userFromContext(r.Context()), req.Boards, req.Tests, req.Model,
	)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, job)
}

// handleGetJob returns a job owned by the caller. Admins may read any job.
func (s *server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, job)
}

type analyzeRequest struct {
	Model lab.ModelTag `json:"model,omitempty"`
}

func (s *server) handleAnalyzeJob(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}

	job, ok := s.ownedJob(w, r)
	if !ok {
		return
	}

	out, err := s.svc.Analysis.AnalyzeJob(r.Context(), job.ID, req.Model)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, out)
}

// ownedJob loads the job named in the URL if the caller may see it.
// Other users' jobs are reported as missing.
func (s *server) ownedJob(w http.ResponseWriter, r *http.Request) (lab.TestJob, bool) {
	user := userFromContext(r.Context())

	job, err := s.svc.DB.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err == nil && user.Role != lab.RoleAdmin && job.UserID != user.ID {
		err = lab.NotFoundf("job %s", job.ID)
	}

	if err != nil {
		s.writeError(w, err)

		return lab.TestJob{}, false
	}

	return job, true
}

// --- Notifications ---

type notificationsResponse struct {
	Notifications []lab.Notification `json:"notifications"`
	Unread        int                `json:"unread"`
}

func (s *server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	list, err := s.svc.Notify.List(r.Context(), user.ID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	resp := notificationsResponse{Notifications: list}

	for _, n := range list {
		if !n.Read {
			resp.Unread++
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	if err := s.svc.Notify.MarkRead(r.Context(), user.ID, chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleClearNotifications(w http.ResponseWriter, r *http.Request) {
	removed, err := s.svc.Notify.ClearAll(r.Context(), userFromContext(r.Context()).ID)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// --- Test cases ---

func (s *server) handleListTestCases(w http.ResponseWriter, r *http.Request) {
	tests, err := s.svc.DB.GetTestCases(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusOK, access.VisibleTestCases(*userFromContext(r.Context()), tests))
}

// handleCreateTestCase stores a custom test case owned by the caller.
func (s *server) handleCreateTestCase(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())

	if !user.Role.CanReserve() {
		s.writeError(w, lab.Forbiddenf("role %s cannot create test cases", user.Role))

		return
	}

	var req lab.TestCase
	if !decodeBody(w, r, &req) {
		return
	}

	req.ID = ""
	req.OwnerID = user.ID
	req.Author = user.Name
	req.IsCustom = true

	if req.Category == "" {
		req.Category = lab.CategoryCustom
	}

	tc, err := s.svc.DB.AddTestCase(r.Context(), req)
	if err != nil {
		s.writeError(w, err)

		return
	}

	writeJSON(w, http.StatusCreated, tc)
}

// handleDeleteTestCase removes a test case. Owners may delete their own;
// admins may delete any.
func (s *server) handleDeleteTestCase(w http.ResponseWriter, r *http.Request) {
	user := userFromContext(r.Context())
	id := chi.URLParam(r, "id")

	tests, err := s.svc.DB.GetTestCases(r.Context())
	if err != nil {
		s.writeError(w, err)

		return
	}

	var found *lab.TestCase

	for i := range tests {
		if tests[i].ID == id {
			found = &tests[i]

			break
		}
	}

	switch {
	case found == nil:
		err = lab.NotFoundf("test case %s", id)
	case user.Role != lab.RoleAdmin && found.OwnerID != user.ID:
		err = lab.Forbiddenf("test case %s belongs to another user", id)
	default:
		err = s.svc.DB.DeleteTestCase(r.Context(), id)
	}

	if err != nil {
		s.writeError(w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
