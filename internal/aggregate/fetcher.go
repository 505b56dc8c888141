// Package aggregate builds cross-owner views of child records, either by
// fanning out over every owner's partition or by reading the mirror tables.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"taxdesk/internal/store"
	"taxdesk/pkg/types"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

type Fetcher struct {
	store       store.RecordStore
	logger      *logrus.Logger
	concurrency int
	now         func() time.Time
}

func New(recordStore store.RecordStore, logger *logrus.Logger) *Fetcher {
	return &Fetcher{
		store:       recordStore,
		logger:      logger,
		concurrency: defaultConcurrency,
		now:         time.Now,
	}
}

// WithConcurrency bounds how many owner partitions are read at once.
func (f *Fetcher) WithConcurrency(n int) *Fetcher {
	if n > 0 {
		f.concurrency = n
	}
	return f
}

// Customers lists every non-admin owner in listing order.
func (f *Fetcher) Customers(ctx context.Context) ([]*types.Owner, error) {
	owners, err := f.store.ListAllOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}

	customers := make([]*types.Owner, 0, len(owners))
	for _, o := range owners {
		if o.IsAdmin() {
			continue
		}
		customers = append(customers, o)
	}
	return customers, nil
}

// FetchAggregateView reads childType from every customer's partition and
// flattens the results, owner order first then child order. An owner whose
// partition cannot be read is logged and left out, and the view is marked
// partial. A failure to list owners is returned as an error, and so is a
// cancelled ctx, so callers never cache a view that only reflects the
// cancellation.
func (f *Fetcher) FetchAggregateView(ctx context.Context, childType types.ChildType) (*types.AggregateView, error) {
	if !childType.Valid() {
		return nil, fmt.Errorf("%w: %q", types.ErrInvalidChildType, childType)
	}

	owners, err := f.Customers(ctx)
	if err != nil {
		return nil, err
	}

	results := make([][]*types.ChildRecord, len(owners))
	failures := make([]error, len(owners))

	var g errgroup.Group
	g.SetLimit(f.concurrency)
	for i, owner := range owners {
		g.Go(func() error {
			children, err := f.store.ListChildren(ctx, owner.ID, childType)
			if err != nil {
				if ctx.Err() == nil {
					failures[i] = err
				}
				return nil
			}
			results[i] = children
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	view := &types.AggregateView{
		Type:      childType,
		Source:    types.ViewSourceFanOut,
		Entries:   make([]*types.ChildRecord, 0),
		FetchedAt: f.now().UTC(),
	}

	for i, owner := range owners {
		if failures[i] != nil {
			f.logger.WithError(failures[i]).
				WithField("owner_id", owner.ID).
				WithField("child_type", childType).
				Warn("skipping owner in aggregate view")
			view.Partial = true
			view.FailedOwners = append(view.FailedOwners, owner.ID)
			continue
		}

		for _, child := range results[i] {
			enrich(child, owner)
			view.Entries = append(view.Entries, child)
		}
	}

	f.logger.WithFields(logrus.Fields{
		"child_type": childType,
		"owners":     len(owners),
		"entries":    len(view.Entries),
		"partial":    view.Partial,
	}).Debug("fetched aggregate view")

	return view, nil
}

// FetchMirrorView reads the top-level copies of childType in one query and
// joins owner display fields from a single owner listing. Entries are keyed
// by their authoritative child id.
func (f *Fetcher) FetchMirrorView(ctx context.Context, childType types.ChildType) (*types.AggregateView, error) {
	if !childType.Mirrored() {
		return nil, fmt.Errorf("%w: %s has no mirror table", types.ErrInvalidChildType, childType)
	}

	owners, err := f.Customers(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*types.Owner, len(owners))
	for _, o := range owners {
		byID[o.ID] = o
	}

	mirrors, err := f.store.ListMirrors(ctx, childType)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s mirrors: %w", childType, err)
	}

	view := &types.AggregateView{
		Type:      childType,
		Source:    types.ViewSourceMirror,
		Entries:   make([]*types.ChildRecord, 0, len(mirrors)),
		FetchedAt: f.now().UTC(),
	}

	for _, m := range mirrors {
		child := m.Child.Clone()
		child.ID = m.ChildID
		child.OwnerID = m.OwnerID
		child.MirrorID = m.ID

		if owner, ok := byID[m.OwnerID]; ok {
			enrich(child, owner)
		} else {
			f.logger.WithField("mirror_id", m.ID).
				WithField("owner_id", m.OwnerID).
				Debug("mirror references an unknown owner")
		}
		view.Entries = append(view.Entries, child)
	}

	return view, nil
}

func enrich(child *types.ChildRecord, owner *types.Owner) {
	child.OwnerName = owner.DisplayName()
	child.OwnerEmail = owner.Email
}

// Summarize builds the admin dashboard from already fetched views.
func Summarize(owners []*types.Owner, views map[types.ChildType]*types.AggregateView, recent int) *types.DashboardSummary {
	summary := &types.DashboardSummary{
		Counts:             make(map[types.ChildType]map[types.Status]int, len(views)),
		RecentAppointments: make([]*types.ChildRecord, 0),
		RecentOwners:       make([]*types.Owner, 0),
	}
	recent = max(recent, 0)

	for t, view := range views {
		if view == nil {
			continue
		}
		counts := view.CountByStatus()
		for _, s := range t.Statuses() {
			if _, ok := counts[s]; !ok {
				counts[s] = 0
			}
		}
		summary.Counts[t] = counts
		summary.Partial = summary.Partial || view.Partial
	}

	if referrals, ok := summary.Counts[types.ChildTypeReferral]; ok {
		summary.ActiveReferrals = referrals[types.StatusPending]
	}

	if view := views[types.ChildTypeAppointment]; view != nil {
		appts := make([]*types.ChildRecord, len(view.Entries))
		for i, e := range view.Entries {
			appts[i] = e.Clone()
		}
		sort.SliceStable(appts, func(i, j int) bool {
			return appts[i].CreatedAt.After(appts[j].CreatedAt)
		})
		summary.RecentAppointments = appts[:min(recent, len(appts))]
	}

	newest := make([]*types.Owner, 0, len(owners))
	for _, o := range owners {
		if !o.IsAdmin() {
			newest = append(newest, o)
		}
	}
	sort.SliceStable(newest, func(i, j int) bool {
		return newest[i].SignupDate.After(newest[j].SignupDate)
	})
	summary.RecentOwners = newest[:min(recent, len(newest))]

	return summary
}
