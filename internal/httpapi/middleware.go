package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tlcfem/motion-base-go/internal/record"
)

type contextKey int

const userContextKey contextKey = 0

func userFromContext(ctx context.Context) record.User {
	user, _ := ctx.Value(userContextKey).(record.User)
	return user
}

func withUser(ctx context.Context, user record.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// bearerUser extracts and verifies the bearer token from r, returning the
// user it names.
func (s *Server) bearerUser(r *http.Request) (record.User, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return record.User{}, errors.New("httpapi: missing bearer token")
	}
	userID, err := s.Tokens.Verify(strings.TrimPrefix(header, prefix))
	if err != nil {
		return record.User{}, fmt.Errorf("httpapi: %w", err)
	}
	user, err := s.Users.FindByID(r.Context(), userID)
	if err != nil {
		return record.User{}, fmt.Errorf("httpapi: %w", err)
	}
	if user.Disabled {
		return record.User{}, errors.New("httpapi: user is disabled")
	}
	return user, nil
}

// requireAuth gates next on any valid bearer token, regardless of
// permissions, and makes the authenticated user available via
// userFromContext.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.bearerUser(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next(w, r.WithContext(withUser(r.Context(), user)))
	}
}

// requireUpload gates next on a bearer token whose user has can_upload.
func (s *Server) requireUpload(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.bearerUser(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if !user.CanUpload {
			writeError(w, http.StatusForbidden, errors.New("httpapi: user lacks can_upload"))
			return
		}
		next(w, r.WithContext(withUser(r.Context(), user)))
	}
}

// requireDelete gates next on a bearer token whose user has can_delete.
func (s *Server) requireDelete(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.bearerUser(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if !user.CanDelete {
			writeError(w, http.StatusForbidden, errors.New("httpapi: user lacks can_delete"))
			return
		}
		next(w, r.WithContext(withUser(r.Context(), user)))
	}
}
