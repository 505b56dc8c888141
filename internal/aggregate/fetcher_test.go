package aggregate

import (
	"context"
	"testing"
	"time"

	"taxdesk/internal/memstore"
	"taxdesk/internal/viewcache"
	"taxdesk/pkg/types"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func owner(id, first string, signupDay int) *types.Owner {
	return &types.Owner{
		ID:         id,
		FirstName:  first,
		LastName:   "Tester",
		Email:      id + "@example.com",
		SignupDate: epoch.AddDate(0, 0, signupDay),
	}
}

func appointment(id string, status types.Status, createdDay int) *types.ChildRecord {
	return &types.ChildRecord{
		ID:        id,
		Type:      types.ChildTypeAppointment,
		Status:    status,
		CreatedAt: epoch.AddDate(0, 0, createdDay),
		Appointment: &types.AppointmentFields{
			FullName:    "Walk In",
			Email:       "walkin@example.com",
			RequestDate: epoch,
		},
	}
}

func newFetcher(s *memstore.Store) (*Fetcher, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return New(s, logger), hook
}

func TestFetchAggregateViewEmpty(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	for i, id := range []string{"cust1", "cust2", "cust3"} {
		require.NoError(t, s.UpsertOwner(ctx, owner(id, "Owner", i)))
	}

	f, _ := newFetcher(s)
	view, err := f.FetchAggregateView(ctx, types.ChildTypeAppointment)
	require.NoError(t, err)

	assert.NotNil(t, view.Entries)
	assert.Empty(t, view.Entries)
	assert.False(t, view.Partial)
	assert.Equal(t, types.ViewSourceFanOut, view.Source)
}

func TestFetchAggregateViewOrderAndEnrichment(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.UpsertOwner(ctx, owner("cust2", "Bob", 2)))
	require.NoError(t, s.UpsertOwner(ctx, owner("cust1", "Alice", 1)))
	require.NoError(t, s.UpsertOwner(ctx, &types.Owner{ID: "admin1", Role: types.OwnerRoleAdmin, SignupDate: epoch}))

	for _, c := range []struct {
		owner string
		rec   *types.ChildRecord
	}{
		{"cust2", appointment("C", types.StatusPending, 1)},
		{"cust1", appointment("B", types.StatusConfirmed, 2)},
		{"cust1", appointment("A", types.StatusPending, 1)},
		{"admin1", appointment("X", types.StatusPending, 1)},
	} {
		_, err := s.CreateChild(ctx, c.owner, c.rec)
		require.NoError(t, err)
	}

	f, _ := newFetcher(s)
	view, err := f.FetchAggregateView(ctx, types.ChildTypeAppointment)
	require.NoError(t, err)
	require.Len(t, view.Entries, 3)

	// owner listing order, then child listing order; admins are not customers
	assert.Equal(t, "A", view.Entries[0].ID)
	assert.Equal(t, "B", view.Entries[1].ID)
	assert.Equal(t, "C", view.Entries[2].ID)

	assert.Equal(t, "Alice Tester", view.Entries[0].OwnerName)
	assert.Equal(t, "cust1@example.com", view.Entries[0].OwnerEmail)
	assert.Equal(t, "Bob Tester", view.Entries[2].OwnerName)
}

func TestFetchAggregateViewPartial(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	for i, id := range []string{"cust1", "cust2", "cust3"} {
		require.NoError(t, s.UpsertOwner(ctx, owner(id, "Owner", i)))
		_, err := s.CreateChild(ctx, id, appointment("A-"+id, types.StatusPending, 0))
		require.NoError(t, err)
	}
	s.FailOn(memstore.OpListChildren, "cust2", types.ErrStoreUnavailable)

	f, hook := newFetcher(s)
	view, err := f.FetchAggregateView(ctx, types.ChildTypeAppointment)
	require.NoError(t, err)

	assert.True(t, view.Partial)
	assert.Equal(t, []string{"cust2"}, view.FailedOwners)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, "A-cust1", view.Entries[0].ID)
	assert.Equal(t, "A-cust3", view.Entries[1].ID)

	var warned bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["owner_id"] == "cust2" {
			warned = true
		}
	}
	assert.True(t, warned, "failed owner should be logged")
}

// ctxStore behaves like a networked backend: reads stop once ctx is done.
type ctxStore struct {
	*memstore.Store
}

func (s ctxStore) ListChildren(ctx context.Context, ownerID string, childType types.ChildType) ([]*types.ChildRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.ListChildren(ctx, ownerID, childType)
}

func TestCancelledFetchIsNotCached(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	for i, id := range []string{"cust1", "cust2"} {
		require.NoError(t, s.UpsertOwner(ctx, owner(id, "Owner", i)))
		_, err := s.CreateChild(ctx, id, appointment("A-"+id, types.StatusPending, 0))
		require.NoError(t, err)
	}

	logger, hook := test.NewNullLogger()
	f := New(ctxStore{s}, logger)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	_, err := f.FetchAggregateView(cancelled, types.ChildTypeAppointment)
	assert.ErrorIs(t, err, context.Canceled)
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, logrus.WarnLevel, e.Level, "cancellation is not an owner failure")
	}

	views := viewcache.NewSet(f)
	defer views.Close()
	key := viewcache.Key{Type: types.ChildTypeAppointment, Source: types.ViewSourceFanOut}

	_, err = views.Get(cancelled, key)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, views.Cache(key).Cached())

	view, err := views.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, view.Partial)
	assert.Empty(t, view.FailedOwners)
	assert.Len(t, view.Entries, 2)
}

func TestFetchAggregateViewOwnerListingFails(t *testing.T) {
	s := memstore.New()
	s.FailOn(memstore.OpListOwners, "", types.ErrPermissionDenied)

	f, _ := newFetcher(s)
	_, err := f.FetchAggregateView(context.Background(), types.ChildTypeReferral)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
}

func TestFetchMirrorView(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.UpsertOwner(ctx, owner("cust1", "Alice", 0)))

	id, err := s.CreateChild(ctx, "cust1", appointment("A", types.StatusPending, 0))
	require.NoError(t, err)
	child, err := s.Child(ctx, "cust1", types.ChildTypeAppointment, id)
	require.NoError(t, err)
	mirrorID, err := s.CreateMirror(ctx, &types.MirrorRecord{Child: child})
	require.NoError(t, err)

	f, _ := newFetcher(s)
	view, err := f.FetchMirrorView(ctx, types.ChildTypeAppointment)
	require.NoError(t, err)
	require.Len(t, view.Entries, 1)

	entry := view.Entries[0]
	assert.Equal(t, "A", entry.ID)
	assert.Equal(t, mirrorID, entry.MirrorID)
	assert.Equal(t, "Alice Tester", entry.OwnerName)
	assert.Equal(t, types.ViewSourceMirror, view.Source)

	_, err = f.FetchMirrorView(ctx, types.ChildTypeTaxDocument)
	assert.ErrorIs(t, err, types.ErrInvalidChildType)
}

func TestSummarize(t *testing.T) {
	owners := []*types.Owner{
		owner("cust1", "Alice", 1),
		owner("cust2", "Bob", 3),
		{ID: "admin1", Role: types.OwnerRoleAdmin, SignupDate: epoch.AddDate(0, 0, 9)},
	}
	views := map[types.ChildType]*types.AggregateView{
		types.ChildTypeAppointment: {
			Entries: []*types.ChildRecord{
				appointment("A", types.StatusPending, 1),
				appointment("B", types.StatusConfirmed, 5),
				appointment("C", types.StatusPending, 3),
			},
		},
		types.ChildTypeReferral: {
			Partial: true,
			Entries: []*types.ChildRecord{
				{ID: "R1", Type: types.ChildTypeReferral, Status: types.StatusPending},
				{ID: "R2", Type: types.ChildTypeReferral, Status: types.StatusExpired},
			},
		},
	}

	summary := Summarize(owners, views, 2)

	assert.Equal(t, 2, summary.Counts[types.ChildTypeAppointment][types.StatusPending])
	assert.Equal(t, 0, summary.Counts[types.ChildTypeAppointment][types.StatusCancelled])
	assert.Equal(t, 1, summary.ActiveReferrals)
	assert.True(t, summary.Partial)

	require.Len(t, summary.RecentAppointments, 2)
	assert.Equal(t, "B", summary.RecentAppointments[0].ID)
	assert.Equal(t, "C", summary.RecentAppointments[1].ID)

	require.Len(t, summary.RecentOwners, 2)
	assert.Equal(t, "cust2", summary.RecentOwners[0].ID)
}
