package server

import (
	"net/http"
	"strings"

	"taxdesk/internal/aggregate"
	"taxdesk/internal/viewcache"
	"taxdesk/pkg/types"
)

const recentLimit = 5

type viewResponse struct {
	*types.AggregateView
	Statuses []types.Status `json:"statuses"`
}

type statusMenu struct {
	Current types.Status   `json:"current"`
	Options []types.Status `json:"options"`
}

func (s *Service) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	owners, err := s.fetcher.Customers(ctx)
	if err != nil {
		s.logger.WithError(err).Error("failed to list customers")
		s.fail(w, err, "")
		return
	}

	views := make(map[types.ChildType]*types.AggregateView, len(types.ChildTypes))
	for _, t := range types.ChildTypes {
		view, err := s.views.Get(ctx, viewcache.Key{Type: t, Source: types.ViewSourceFanOut})
		if err != nil {
			s.logger.WithError(err).WithField("child_type", t).Error("failed to fetch view")
			s.fail(w, err, t)
			return
		}
		views[t] = view
	}

	summary := aggregate.Summarize(owners, views, recentLimit)

	var n *types.Notification
	if summary.Partial {
		n = &types.Notification{
			Level:   types.NotificationWarning,
			Title:   "Some customers could not be loaded",
			Message: "Counts may be incomplete.",
		}
	}
	s.respond(w, http.StatusOK, n, summary)
}

func (s *Service) handleGetView(w http.ResponseWriter, r *http.Request) {
	childType, err := types.ParseChildType(r.PathValue("type"))
	if err != nil {
		s.fail(w, err, "")
		return
	}

	source := types.ViewSourceFanOut
	if types.ViewSource(r.URL.Query().Get("source")) == types.ViewSourceMirror {
		if !childType.Mirrored() {
			s.badRequest(w, "That record type has no mirror.")
			return
		}
		source = types.ViewSourceMirror
	}

	cache := s.views.Cache(viewcache.Key{Type: childType, Source: source})
	if r.URL.Query().Get("refresh") != "" {
		cache.Invalidate()
	}

	view, err := cache.Get(r.Context())
	if err != nil {
		s.logger.WithError(err).WithField("child_type", childType).Error("failed to fetch view")
		s.fail(w, err, childType)
		return
	}

	var n *types.Notification
	if view.Partial {
		n = &types.Notification{
			Level:   types.NotificationWarning,
			Title:   "Some customers could not be loaded",
			Message: "The list may be incomplete.",
		}
	}
	s.respond(w, http.StatusOK, n, &viewResponse{AggregateView: view, Statuses: childType.Statuses()})
}

func (s *Service) handleGetStatusMenu(w http.ResponseWriter, r *http.Request) {
	childType, err := types.ParseChildType(r.PathValue("type"))
	if err != nil {
		s.fail(w, err, "")
		return
	}

	child, err := s.store.Child(r.Context(), r.PathValue("ownerID"), childType, r.PathValue("childID"))
	if err != nil {
		s.fail(w, err, childType)
		return
	}

	s.respond(w, http.StatusOK, nil, &statusMenu{
		Current: child.Status,
		Options: childType.NextStatuses(child.Status),
	})
}

// handlePostStatus changes a record's status. The mirror is always taken
// from the stored record so the two copies stay paired.
func (s *Service) handlePostStatus(w http.ResponseWriter, r *http.Request) {
	childType, err := types.ParseChildType(r.PathValue("type"))
	if err != nil {
		s.fail(w, err, "")
		return
	}
	ownerID := strings.TrimSpace(r.PathValue("ownerID"))
	childID := strings.TrimSpace(r.PathValue("childID"))

	status, ok := s.decodeStatus(w, r)
	if !ok {
		return
	}

	child, err := s.store.Child(r.Context(), ownerID, childType, childID)
	if err != nil {
		s.fail(w, err, childType)
		return
	}

	s.setStatus(w, r, ownerID, childType, childID, status, linkedMirror(child))
}
