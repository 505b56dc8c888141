package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"taxdesk/internal/aggregate"
	"taxdesk/internal/documents"
	"taxdesk/internal/dualwrite"
	"taxdesk/internal/identity"
	"taxdesk/internal/store"
	"taxdesk/internal/viewcache"
	"taxdesk/pkg/types"

	"github.com/alexedwards/flow"
	"github.com/go-playground/form/v4"
	"github.com/gorilla/securecookie"
	"github.com/sirupsen/logrus"
)

var decoder = newDecoder()

// Accounts resolves authenticated users to owners.
type Accounts interface {
	Login(ctx context.Context, email, password string) (*identity.Session, error)
	EnsureOwner(ctx context.Context, subject string) (*types.Owner, error)
	Forget(subject string)
}

type Service struct {
	logger *logrus.Logger
	config *types.Config

	store       store.RecordStore
	fetcher     *aggregate.Fetcher
	coordinator *dualwrite.Coordinator
	documents   *documents.Service
	views       *viewcache.Set

	accounts Accounts
	verifier TokenVerifier
	cookie   *securecookie.SecureCookie

	server *http.Server
}

func New(
	config *types.Config,
	logger *logrus.Logger,
	recordStore store.RecordStore,
	fetcher *aggregate.Fetcher,
	coordinator *dualwrite.Coordinator,
	docs *documents.Service,
	accounts Accounts,
	verifier TokenVerifier,
) (*Service, error) {
	mux := flow.New()

	hashKey, err := base64.StdEncoding.DecodeString(config.CookieHashKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cookie hash key: %w", err)
	}
	blockKey, err := base64.StdEncoding.DecodeString(config.CookieBlockKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cookie block key: %w", err)
	}

	s := &Service{
		logger: logger,
		config: config,

		store:       recordStore,
		fetcher:     fetcher,
		coordinator: coordinator,
		documents:   docs,
		views:       viewcache.NewSet(fetcher),

		accounts: accounts,
		verifier: verifier,
		cookie:   securecookie.New(hashKey, blockKey),

		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", config.ServerPort),
			Handler:           mux,
			ReadTimeout:       time.Duration(config.ReadTimeoutSec) * time.Second,
			ReadHeaderTimeout: time.Duration(config.ReadTimeoutSec) * time.Second,
			WriteTimeout:      time.Duration(config.WriteTimeoutSec) * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
	}

	s.buildRouter(mux)

	return s, nil
}

func (s *Service) Start() error {
	return s.server.ListenAndServe()
}

// Stop drains in-flight requests and detaches the view caches so late
// writes are not patched into them.
func (s *Service) Stop(ctx context.Context) error {
	defer s.views.Close()
	return s.server.Shutdown(ctx)
}

func (s *Service) Handler() http.Handler {
	return s.server.Handler
}

func (s *Service) buildRouter(r *flow.Mux) {
	r.Use(s.StripTrailingSlash)
	r.Use(s.LoggingMiddleware)

	r.HandleFunc("/healthz", s.handleHealth, http.MethodGet)
	r.HandleFunc("/api/login", s.handlePostLogin, http.MethodPost)
	r.HandleFunc("/api/logout", s.handlePostLogout, http.MethodPost)

	r.Group(func(r *flow.Mux) {
		r.Use(s.RequireAuth)

		r.HandleFunc("/api/me", s.handleGetProfile, http.MethodGet)
		r.HandleFunc("/api/me", s.handlePostProfile, http.MethodPost)

		r.HandleFunc("/api/me/appointments", s.handlePostAppointment, http.MethodPost)
		r.HandleFunc("/api/me/referrals", s.handlePostReferral, http.MethodPost)
		r.HandleFunc("/api/me/documents", s.handlePostDocument, http.MethodPost)
		r.HandleFunc("/api/me/documents/:childID", s.handleDeleteDocument, http.MethodDelete)

		r.HandleFunc("/api/tax-forms", s.handleGetTaxForms, http.MethodGet)

		r.HandleFunc("/api/me/:type", s.handleGetMyChildren, http.MethodGet)
		r.HandleFunc("/api/me/:type/:childID/status", s.handlePostMyStatus, http.MethodPost)

		r.Group(func(r *flow.Mux) {
			r.Use(s.RequireAdmin)

			r.HandleFunc("/api/admin/summary", s.handleGetSummary, http.MethodGet)
			r.HandleFunc("/api/admin/customers", s.handleGetCustomers, http.MethodGet)
			r.HandleFunc("/api/admin/tax-forms", s.handlePostSiteTaxForm, http.MethodPost)
			r.HandleFunc("/api/admin/owners/:ownerID/tax-forms", s.handlePostOwnerTaxForm, http.MethodPost)
			r.HandleFunc("/api/admin/views/:type", s.handleGetView, http.MethodGet)
			r.HandleFunc("/api/admin/owners/:ownerID/documents", s.handlePostOwnerDocument, http.MethodPost)
			r.HandleFunc("/api/admin/owners/:ownerID/:type/:childID/statuses", s.handleGetStatusMenu, http.MethodGet)
			r.HandleFunc("/api/admin/owners/:ownerID/:type/:childID/status", s.handlePostStatus, http.MethodPost)
		})
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func newDecoder() *form.Decoder {
	d := form.NewDecoder()
	d.RegisterCustomTypeFunc(func(vals []string) (any, error) {
		if len(vals) == 0 || vals[0] == "" {
			return time.Time{}, nil
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02"} {
			if t, err := time.Parse(layout, vals[0]); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("invalid date %q", vals[0])
	}, time.Time{})
	return d
}
