package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"taxdesk/internal/documents"
	"taxdesk/internal/identity"
	"taxdesk/pkg/types"
)

type envelope struct {
	Notification *types.Notification `json:"notification,omitempty"`
	Data         any                 `json:"data,omitempty"`
}

func (s *Service) respond(w http.ResponseWriter, status int, n *types.Notification, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := json.NewEncoder(w).Encode(envelope{Notification: n, Data: data})
	if err != nil {
		s.logger.WithError(err).Error("failed to write response")
	}
}

func success(title, message string) *types.Notification {
	return &types.Notification{Level: types.NotificationSuccess, Title: title, Message: message}
}

// flagged is a change that took effect but whose mirror still needs to
// catch up.
func flagged(title, message string) *types.Notification {
	return &types.Notification{Level: types.NotificationWarning, Title: title, Message: message, Flagged: true}
}

func failure(title, message string) *types.Notification {
	return &types.Notification{Level: types.NotificationError, Title: title, Message: message}
}

// fail turns an error into the notification the caller sees. A NotFound
// also drops the cached views of childType, which no longer match the
// store.
func (s *Service) fail(w http.ResponseWriter, err error, childType types.ChildType) {
	switch {
	case errors.Is(err, types.ErrNotFound):
		if childType.Valid() {
			s.views.InvalidateType(childType)
		}
		s.respond(w, http.StatusNotFound, failure("Not found", "That record no longer exists. The list has been refreshed."), nil)
	case errors.Is(err, types.ErrPermissionDenied):
		s.respond(w, http.StatusForbidden, failure("Permission denied", "You do not have access to do that."), nil)
	case errors.Is(err, identity.ErrInvalidCredentials):
		s.respond(w, http.StatusUnauthorized, failure("Sign in failed", "Invalid email or password."), nil)
	case errors.Is(err, documents.ErrFileTooLarge):
		s.respond(w, http.StatusRequestEntityTooLarge, failure("File too large", "The file exceeds the upload limit."), nil)
	case errors.Is(err, types.ErrInvalidChildType),
		errors.Is(err, types.ErrInvalidStatus),
		errors.Is(err, types.ErrInvalidRecord):
		s.respond(w, http.StatusBadRequest, failure("Invalid request", err.Error()), nil)
	case errors.Is(err, types.ErrStoreUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		s.respond(w, http.StatusServiceUnavailable, failure("Something went wrong", "Please try again in a moment."), nil)
	default:
		s.logger.WithError(err).Error("unhandled error")
		s.internalServerError(w)
	}
}

func (s *Service) badRequest(w http.ResponseWriter, message string) {
	s.respond(w, http.StatusBadRequest, failure("Invalid request", message), nil)
}

func (s *Service) internalServerError(w http.ResponseWriter) {
	s.respond(w, http.StatusInternalServerError, failure("Something went wrong", "Please try again in a moment."), nil)
}
