package server

import (
	"net/http"
	"strings"

	"taxdesk/pkg/types"
)

type profileForm struct {
	FirstName string `form:"first_name"`
	LastName  string `form:"last_name"`
	Phone     string `form:"phone"`
	types.Address
}

func (s *Service) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromContext(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("owner not found in context")
		s.internalServerError(w)
		return
	}

	s.respond(w, http.StatusOK, nil, owner)
}

// handlePostProfile rewrites the owner's contact details. Cached views carry
// the owner's name and email, so all of them are dropped.
func (s *Service) handlePostProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, err := ownerFromContext(ctx)
	if err != nil {
		s.logger.WithError(err).Error("owner not found in context")
		s.internalServerError(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.badRequest(w, "Invalid form payload.")
		return
	}

	var profile = new(profileForm)
	if err := decoder.Decode(profile, r.Form); err != nil {
		s.logger.WithError(err).Error("failed to decode form")
		s.badRequest(w, "Invalid form payload.")
		return
	}

	// the context copy may predate admin edits such as prepared tax forms
	current, err := s.store.Owner(ctx, owner.ID)
	if err != nil {
		s.fail(w, err, "")
		return
	}

	updated := *current
	updated.FirstName = strings.TrimSpace(profile.FirstName)
	updated.LastName = strings.TrimSpace(profile.LastName)
	updated.Phone = strings.TrimSpace(profile.Phone)
	updated.Address = types.Address{
		Line1: strings.TrimSpace(profile.Line1),
		Line2: strings.TrimSpace(profile.Line2),
		City:  strings.TrimSpace(profile.City),
		State: strings.TrimSpace(profile.State),
		Zip:   strings.TrimSpace(profile.Zip),
	}

	if updated.FirstName == "" {
		s.badRequest(w, "First name is required.")
		return
	}

	if err := s.store.UpsertOwner(ctx, &updated); err != nil {
		s.logger.WithError(err).WithField("owner_id", owner.ID).Error("failed to update profile")
		s.fail(w, err, "")
		return
	}

	s.accounts.Forget(owner.ID)
	s.views.InvalidateAll()

	s.respond(w, http.StatusOK, success("Profile updated", "Your details have been saved."), &updated)
}
