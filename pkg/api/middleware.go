package api

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/infrasense/labfarm/pkg/lab"
)

type contextKey string

const userContextKey contextKey = "user"

// actorHeader carries the lab user id when a trusted proxy authenticates
// requests.
const actorHeader = "X-Lab-User"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAuth resolves the acting lab user from basic auth or the proxy
// header and injects it into the request context. The user must exist and
// be active.
func (s *server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(r)
		if !ok {
			if s.credentials != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="labfarm"`)
			}

			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		user, err := s.svc.DB.GetUser(r.Context(), userID)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"user not found"})

			return
		}

		if err := lab.Actor(&user); err != nil {
			s.writeError(w, err)

			return
		}

		ctx := context.WithValue(r.Context(), userContextKey, &user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate returns the claimed user id if the request proves it.
func (s *server) authenticate(r *http.Request) (string, bool) {
	if s.credentials == nil {
		id := r.Header.Get(actorHeader)

		return id, id != ""
	}

	id, password, ok := r.BasicAuth()
	if !ok {
		return "", false
	}

	hash, ok := s.credentials[id]
	if !ok || !checkPassword(hash, password) {
		return "", false
	}

	return id, true
}

// requireRole checks that the authenticated user has one of roles.
func (s *server) requireRole(roles ...lab.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := userFromContext(r.Context())
			if user == nil || !slices.Contains(roles, user.Role) {
				writeJSON(w, http.StatusForbidden,
					errorResponse{"insufficient permissions"})

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// userFromContext extracts the authenticated user from the request context.
func userFromContext(ctx context.Context) *lab.User {
	user, _ := ctx.Value(userContextKey).(*lab.User)

	return user
}
