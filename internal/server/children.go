package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taxdesk/pkg/types"

	"github.com/sirupsen/logrus"
)

type childList struct {
	Type     types.ChildType      `json:"type"`
	Entries  []*types.ChildRecord `json:"entries"`
	Statuses []types.Status       `json:"statuses"`
}

type appointmentForm struct {
	FullName    string    `form:"full_name"`
	Email       string    `form:"email"`
	Phone       string    `form:"phone"`
	Service     string    `form:"service"`
	RequestDate time.Time `form:"request_date"`
	Notes       string    `form:"notes"`
}

type referralForm struct {
	ReferredName  string `form:"referred_name"`
	ReferredEmail string `form:"referred_email"`
}

type statusForm struct {
	Status string `form:"status"`
}

func (s *Service) handleGetMyChildren(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, err := ownerFromContext(ctx)
	if err != nil {
		s.logger.WithError(err).Error("owner not found in context")
		s.internalServerError(w)
		return
	}

	childType, err := types.ParseChildType(r.PathValue("type"))
	if err != nil {
		s.fail(w, err, "")
		return
	}

	children, err := s.store.ListChildren(ctx, owner.ID, childType)
	if err != nil {
		s.logger.WithError(err).WithField("owner_id", owner.ID).Error("failed to list children")
		s.fail(w, err, childType)
		return
	}

	s.respond(w, http.StatusOK, nil, &childList{
		Type:     childType,
		Entries:  children,
		Statuses: childType.Statuses(),
	})
}

func (s *Service) handlePostAppointment(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromContext(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("owner not found in context")
		s.internalServerError(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.badRequest(w, "Invalid form payload.")
		return
	}

	var appt = new(appointmentForm)
	if err := decoder.Decode(appt, r.Form); err != nil {
		s.logger.WithError(err).Error("failed to decode form")
		s.badRequest(w, "Invalid form payload.")
		return
	}

	fields := &types.AppointmentFields{
		FullName:    strings.TrimSpace(appt.FullName),
		Email:       strings.ToLower(strings.TrimSpace(appt.Email)),
		Phone:       strings.TrimSpace(appt.Phone),
		Service:     strings.TrimSpace(appt.Service),
		RequestDate: appt.RequestDate,
		Notes:       strings.TrimSpace(appt.Notes),
	}
	if fields.FullName == "" {
		fields.FullName = owner.DisplayName()
	}
	if fields.Email == "" {
		fields.Email = owner.Email
	}
	if fields.RequestDate.IsZero() {
		s.badRequest(w, "A requested date is required.")
		return
	}

	s.createChild(w, r, owner, &types.ChildRecord{
		Type:        types.ChildTypeAppointment,
		Status:      types.StatusPending,
		Appointment: fields,
	}, "Appointment requested")
}

func (s *Service) handlePostReferral(w http.ResponseWriter, r *http.Request) {
	owner, err := ownerFromContext(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("owner not found in context")
		s.internalServerError(w)
		return
	}

	if err := r.ParseForm(); err != nil {
		s.badRequest(w, "Invalid form payload.")
		return
	}

	var ref = new(referralForm)
	if err := decoder.Decode(ref, r.Form); err != nil {
		s.logger.WithError(err).Error("failed to decode form")
		s.badRequest(w, "Invalid form payload.")
		return
	}

	referredEmail := strings.ToLower(strings.TrimSpace(ref.ReferredEmail))
	if referredEmail == "" {
		s.badRequest(w, "Your friend's email is required.")
		return
	}
	if strings.EqualFold(referredEmail, owner.Email) {
		s.badRequest(w, "You cannot refer yourself.")
		return
	}

	s.createChild(w, r, owner, &types.ChildRecord{
		Type:   types.ChildTypeReferral,
		Status: types.StatusPending,
		Referral: &types.ReferralFields{
			ReferrerName:  owner.DisplayName(),
			ReferrerEmail: owner.Email,
			ReferredName:  strings.TrimSpace(ref.ReferredName),
			ReferredEmail: referredEmail,
			ReferralDate:  time.Now().UTC(),
		},
	}, "Referral sent")
}

func (s *Service) createChild(w http.ResponseWriter, r *http.Request, owner *types.Owner, child *types.ChildRecord, title string) {
	created, err := s.coordinator.CreateChild(r.Context(), owner.ID, child)

	var pw *types.PartialWriteError
	switch {
	case errors.As(err, &pw):
		s.views.InvalidateType(child.Type)
		s.respond(w, http.StatusCreated, flagged(title, "Saved. It may take a moment to show up everywhere."), created)
	case err != nil:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"owner_id":   owner.ID,
			"child_type": child.Type,
		}).Error("failed to create child")
		s.fail(w, err, child.Type)
	default:
		s.views.InvalidateType(child.Type)
		s.respond(w, http.StatusCreated, success(title, "Saved."), created)
	}
}

// handlePostMyStatus lets customers cancel their own appointments. Every
// other change is an admin action.
func (s *Service) handlePostMyStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owner, err := ownerFromContext(ctx)
	if err != nil {
		s.logger.WithError(err).Error("owner not found in context")
		s.internalServerError(w)
		return
	}

	childType, err := types.ParseChildType(r.PathValue("type"))
	if err != nil {
		s.fail(w, err, "")
		return
	}
	childID := strings.TrimSpace(r.PathValue("childID"))

	status, ok := s.decodeStatus(w, r)
	if !ok {
		return
	}

	if childType != types.ChildTypeAppointment || status != types.StatusCancelled {
		s.fail(w, fmt.Errorf("customers may only cancel appointments: %w", types.ErrPermissionDenied), "")
		return
	}

	child, err := s.store.Child(ctx, owner.ID, childType, childID)
	if err != nil {
		s.fail(w, err, childType)
		return
	}

	s.setStatus(w, r, owner.ID, childType, childID, status, linkedMirror(child))
}

func (s *Service) decodeStatus(w http.ResponseWriter, r *http.Request) (types.Status, bool) {
	if err := r.ParseForm(); err != nil {
		s.badRequest(w, "Invalid form payload.")
		return "", false
	}

	var sf = new(statusForm)
	if err := decoder.Decode(sf, r.Form); err != nil {
		s.badRequest(w, "Invalid form payload.")
		return "", false
	}

	status := types.Status(strings.TrimSpace(sf.Status))
	if status == "" {
		s.badRequest(w, "A status is required.")
		return "", false
	}

	return status, true
}

// linkedMirror is the mirror the stored record points at, if any.
func linkedMirror(child *types.ChildRecord) *types.MirrorRef {
	if child.MirrorID == "" || !child.Type.Mirrored() {
		return nil
	}
	return &types.MirrorRef{Type: child.Type, ID: child.MirrorID}
}

// setStatus runs the dual write and patches the cached views in place. A
// partial write is still a change: the authoritative record moved, so the
// views follow it and the response is flagged.
func (s *Service) setStatus(w http.ResponseWriter, r *http.Request, ownerID string, childType types.ChildType, childID string, status types.Status, mirror *types.MirrorRef) {
	result, err := s.coordinator.SetChildStatus(r.Context(), ownerID, childType, childID, status, mirror)

	var pw *types.PartialWriteError
	switch {
	case errors.As(err, &pw):
		s.patchStatus(childType, ownerID, childID, status)
		s.respond(w, http.StatusOK, flagged("Status updated", fmt.Sprintf("Changed to %s. Some lists may take a moment to catch up.", status)), result)
	case err != nil:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"owner_id":   ownerID,
			"child_type": childType,
			"child_id":   childID,
		}).Error("failed to update status")
		s.fail(w, err, childType)
	default:
		s.patchStatus(childType, ownerID, childID, status)
		s.respond(w, http.StatusOK, success("Status updated", fmt.Sprintf("Changed to %s.", status)), result)
	}
}

func (s *Service) patchStatus(childType types.ChildType, ownerID, childID string, status types.Status) {
	err := s.views.Patch(childType, ownerID, childID, types.ChildPatch{Status: &status})
	if err != nil {
		s.logger.WithError(err).WithField("child_type", childType).Warn("failed to patch cached view, invalidating")
		s.views.InvalidateType(childType)
	}
}
