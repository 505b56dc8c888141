package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taxdesk/pkg/types"

	"github.com/sirupsen/logrus"
)

// Context key types to avoid collisions
type contextKey string

const (
	contextKeyOwner contextKey = "owner"
	contextKeyEmail contextKey = "email"
)

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (s *Service) LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration_ms": time.Since(started).Milliseconds(),
		}).Info("http request")
	})
}

// RequireAuth verifies the access token from the Authorization header or
// the session cookie and puts the caller's Owner record on the context.
func (s *Service) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken, err := s.accessToken(r)
		if err != nil {
			s.logger.WithError(err).Debug("no usable access token")
			s.unauthorized(w)
			return
		}

		claims, err := s.verifier.Verify(r.Context(), accessToken)
		if err != nil {
			s.logger.WithError(err).Warn("failed to verify access token")
			s.unauthorized(w)
			return
		}

		owner, err := s.accounts.EnsureOwner(r.Context(), claims.Subject)
		if err != nil {
			s.logger.WithError(err).WithField("owner_id", claims.Subject).Error("failed to resolve owner")
			s.fail(w, err, "")
			return
		}

		ctx := context.WithValue(r.Context(), contextKeyOwner, owner)
		if claims.Email != "" {
			ctx = context.WithValue(ctx, contextKeyEmail, claims.Email)
		}

		s.logger.WithFields(logrus.Fields{
			"owner_id": owner.ID,
			"email":    claims.Email,
		}).Debug("authenticated owner")

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := ownerFromContext(r.Context())
		if err != nil || !owner.IsAdmin() {
			s.fail(w, fmt.Errorf("admin role required: %w", types.ErrPermissionDenied), "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) StripTrailingSlash(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		// Only strip if path is not root and has trailing slash
		if path != "/" && strings.HasSuffix(path, "/") {
			newURL := *r.URL
			newURL.Path = strings.TrimSuffix(path, "/")

			// 308 keeps the method and body of API calls
			http.Redirect(w, r, newURL.String(), http.StatusPermanentRedirect)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) accessToken(r *http.Request) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return "", fmt.Errorf("malformed authorization header")
		}
		return strings.TrimSpace(token), nil
	}

	cookie, err := r.Cookie(cookieAccessTokenName)
	if err != nil {
		return "", err
	}

	var accessToken string
	err = s.cookie.Decode(cookieAccessTokenName, cookie.Value, &accessToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt access token: %w", err)
	}
	return accessToken, nil
}

func ownerFromContext(ctx context.Context) (*types.Owner, error) {
	owner, ok := ctx.Value(contextKeyOwner).(*types.Owner)
	if !ok || owner == nil {
		return nil, fmt.Errorf("owner not found in context")
	}
	return owner, nil
}
