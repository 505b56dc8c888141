package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"taxdesk/internal/identity"
	"taxdesk/pkg/types"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
)

const cookieAccessTokenName = "taxdesk_access_token"

type Claims struct {
	Subject string
	Email   string
}

type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// JWKSVerifier checks access tokens against the identity provider's
// published key set.
type JWKSVerifier struct {
	cache   *jwk.Cache
	jwksURL string
}

func NewJWKSVerifier(cache *jwk.Cache, jwksURL string) *JWKSVerifier {
	return &JWKSVerifier{cache: cache, jwksURL: jwksURL}
}

func (v *JWKSVerifier) Verify(ctx context.Context, accessToken string) (*Claims, error) {
	set, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	token, err := jwt.Parse(
		[]byte(accessToken),
		jwt.WithKeySet(set),
		jwt.WithValidate(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	subject, ok := token.Subject()
	if !ok || subject == "" {
		return nil, fmt.Errorf("no subject claim in JWT")
	}

	claims := &Claims{Subject: subject}

	// email is optional
	var email string
	if err := token.Get("email", &email); err == nil {
		claims.Email = email
	}

	return claims, nil
}

type loginForm struct {
	Email    string `form:"email"`
	Password string `form:"password"`
}

func (s *Service) handlePostLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.badRequest(w, "Invalid form payload.")
		return
	}

	var login = new(loginForm)
	if err := decoder.Decode(login, r.Form); err != nil {
		s.badRequest(w, "Invalid form payload.")
		return
	}

	email := strings.TrimSpace(login.Email)
	if email == "" || login.Password == "" {
		s.badRequest(w, "Email and password are required.")
		return
	}

	session, err := s.accounts.Login(r.Context(), email, login.Password)
	if err != nil {
		if !errors.Is(err, identity.ErrInvalidCredentials) {
			s.logger.WithError(err).Error("failed to log in")
		}
		s.fail(w, err, "")
		return
	}

	encryptedToken, err := s.cookie.Encode(cookieAccessTokenName, session.AccessToken)
	if err != nil {
		s.logger.WithError(err).Error("failed to encrypt access token")
		s.internalServerError(w)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieAccessTokenName,
		Value:    encryptedToken,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(session.ExpiresIn.Seconds()),
		Path:     "/",
	})

	s.respond(w, http.StatusOK, success("Signed in", "Welcome back."), nil)
}

func (s *Service) handlePostLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieAccessTokenName,
		Value:    "",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
		MaxAge:   -1,
	})

	s.respond(w, http.StatusOK, success("Signed out", "You have been signed out."), nil)
}

func (s *Service) unauthorized(w http.ResponseWriter) {
	s.respond(w, http.StatusUnauthorized, &types.Notification{
		Level:   types.NotificationError,
		Title:   "Sign in required",
		Message: "Please sign in to continue.",
	}, nil)
}
