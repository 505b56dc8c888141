package viewcache

import (
	"context"
	"errors"
	"testing"

	"taxdesk/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(owner, id string, status types.Status) *types.ChildRecord {
	return &types.ChildRecord{
		ID:          id,
		OwnerID:     owner,
		Type:        types.ChildTypeAppointment,
		Status:      status,
		OwnerName:   owner + " name",
		Appointment: &types.AppointmentFields{FullName: "Walk In"},
	}
}

type countingLoader struct {
	calls int
	view  func() *types.AggregateView
	err   error
}

func (l *countingLoader) load(ctx context.Context) (*types.AggregateView, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.view(), nil
}

func baseView() *types.AggregateView {
	return &types.AggregateView{
		Type: types.ChildTypeAppointment,
		Entries: []*types.ChildRecord{
			entry("cust1", "A", types.StatusPending),
			entry("cust1", "B", types.StatusConfirmed),
			entry("cust2", "A", types.StatusPending),
		},
	}
}

func TestGetLoadsOnce(t *testing.T) {
	l := &countingLoader{view: baseView}
	c := New(l.load)

	_, err := c.Get(context.Background())
	require.NoError(t, err)
	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, l.calls)
}

func TestGetReturnsCopies(t *testing.T) {
	c := New((&countingLoader{view: baseView}).load)

	v1, err := c.Get(context.Background())
	require.NoError(t, err)
	v1.Entries[0].Status = types.StatusCancelled
	v1.Entries = v1.Entries[:1]

	v2, err := c.Get(context.Background())
	require.NoError(t, err)
	require.Len(t, v2.Entries, 3)
	assert.Equal(t, types.StatusPending, v2.Entries[0].Status)
}

func TestPatchIsolation(t *testing.T) {
	ctx := context.Background()
	c := New((&countingLoader{view: baseView}).load)

	before, err := c.Get(ctx)
	require.NoError(t, err)

	status := types.StatusConfirmed
	ok, err := c.Patch("cust1", "A", types.ChildPatch{Status: &status})
	require.NoError(t, err)
	require.True(t, ok)

	after, err := c.Get(ctx)
	require.NoError(t, err)

	expected := before.Clone()
	expected.Entries[0].Status = types.StatusConfirmed
	assert.Equal(t, expected, after)

	// same child id under another owner is a different record
	assert.Equal(t, types.StatusPending, after.Entries[2].Status)
}

func TestPatchIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	c := New((&countingLoader{view: baseView}).load)
	before, err := c.Get(ctx)
	require.NoError(t, err)

	bad := types.StatusVerified
	name := "Renamed"
	ok, err := c.Patch("cust1", "A", types.ChildPatch{Status: &bad, OwnerName: &name})
	assert.ErrorIs(t, err, types.ErrInvalidStatus)
	assert.False(t, ok)

	after, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestPatchUnknownEntry(t *testing.T) {
	ctx := context.Background()
	c := New((&countingLoader{view: baseView}).load)
	_, err := c.Get(ctx)
	require.NoError(t, err)

	status := types.StatusConfirmed
	ok, err := c.Patch("cust9", "A", types.ChildPatch{Status: &status})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateRefetches(t *testing.T) {
	l := &countingLoader{view: baseView}
	c := New(l.load)
	ctx := context.Background()

	_, err := c.Get(ctx)
	require.NoError(t, err)
	c.Invalidate()
	assert.False(t, c.Cached())

	_, err = c.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, l.calls)
}

func TestLoadErrorIsNotCached(t *testing.T) {
	l := &countingLoader{err: types.ErrStoreUnavailable}
	c := New(l.load)

	_, err := c.Get(context.Background())
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
	assert.False(t, c.Cached())

	l.err = nil
	l.view = baseView
	_, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.True(t, c.Cached())
}

func TestDetachedCacheIgnoresLatePatches(t *testing.T) {
	ctx := context.Background()
	c := New((&countingLoader{view: baseView}).load)
	_, err := c.Get(ctx)
	require.NoError(t, err)

	c.Detach()
	status := types.StatusCancelled
	ok, err := c.Patch("cust1", "A", types.ChildPatch{Status: &status})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, c.Remove("cust1", "A"))

	// a detached cache still answers but never keeps what it loads
	_, err = c.Get(ctx)
	require.NoError(t, err)
	assert.False(t, c.Cached())
	assert.True(t, c.Detached())
}

func TestLoadRacingPatchIsNotKept(t *testing.T) {
	var c *Cache
	status := types.StatusCancelled
	c = New(func(ctx context.Context) (*types.AggregateView, error) {
		// a write lands while the fetch is in flight
		_, err := c.Patch("cust1", "A", types.ChildPatch{Status: &status})
		if err != nil {
			return nil, err
		}
		return baseView(), nil
	})

	view, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Len(t, view.Entries, 3)
	assert.False(t, c.Cached())
}

func TestRemoveKeepsOrder(t *testing.T) {
	ctx := context.Background()
	c := New((&countingLoader{view: baseView}).load)
	_, err := c.Get(ctx)
	require.NoError(t, err)

	assert.True(t, c.Remove("cust1", "B"))
	view, err := c.Get(ctx)
	require.NoError(t, err)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, "A", view.Entries[0].ID)
	assert.Equal(t, "cust2", view.Entries[1].OwnerID)
}

type stubFetcher struct {
	fanout, mirror int
}

func (f *stubFetcher) FetchAggregateView(ctx context.Context, t types.ChildType) (*types.AggregateView, error) {
	f.fanout++
	v := baseView()
	v.Source = types.ViewSourceFanOut
	return v, nil
}

func (f *stubFetcher) FetchMirrorView(ctx context.Context, t types.ChildType) (*types.AggregateView, error) {
	f.mirror++
	if t == types.ChildTypeTaxDocument {
		return nil, errors.New("no mirror")
	}
	v := baseView()
	v.Source = types.ViewSourceMirror
	return v, nil
}

func TestSetPatchesEverySource(t *testing.T) {
	ctx := context.Background()
	f := &stubFetcher{}
	s := NewSet(f)

	fan := Key{Type: types.ChildTypeAppointment, Source: types.ViewSourceFanOut}
	mir := Key{Type: types.ChildTypeAppointment, Source: types.ViewSourceMirror}

	_, err := s.Get(ctx, fan)
	require.NoError(t, err)
	_, err = s.Get(ctx, mir)
	require.NoError(t, err)
	assert.Same(t, s.Cache(fan), s.Cache(fan))

	status := types.StatusCompleted
	require.NoError(t, s.Patch(types.ChildTypeAppointment, "cust1", "B", types.ChildPatch{Status: &status}))

	for _, k := range []Key{fan, mir} {
		v, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, v.Entries[1].Status)
	}
	assert.Equal(t, 1, f.fanout)
	assert.Equal(t, 1, f.mirror)

	bad := types.StatusExpired
	assert.ErrorIs(t, s.Patch(types.ChildTypeAppointment, "cust1", "B", types.ChildPatch{Status: &bad}), types.ErrInvalidStatus)

	s.InvalidateType(types.ChildTypeAppointment)
	_, err = s.Get(ctx, fan)
	require.NoError(t, err)
	assert.Equal(t, 2, f.fanout)

	old := s.Cache(fan)
	s.Close()
	assert.True(t, old.Detached())
	assert.NotSame(t, old, s.Cache(fan))
}

func TestClosedSetNeverCachesAgain(t *testing.T) {
	ctx := context.Background()
	f := &stubFetcher{}
	s := NewSet(f)
	fan := Key{Type: types.ChildTypeAppointment, Source: types.ViewSourceFanOut}

	s.Close()

	late := s.Cache(fan)
	assert.True(t, late.Detached())
	assert.NotSame(t, late, s.Cache(fan))

	for range 2 {
		v, err := s.Get(ctx, fan)
		require.NoError(t, err)
		assert.Len(t, v.Entries, 3)
	}
	assert.Equal(t, 2, f.fanout)
	assert.False(t, late.Cached())
	assert.Empty(t, s.forType(types.ChildTypeAppointment))

	// patches after close have nothing to touch
	status := types.StatusCompleted
	require.NoError(t, s.Patch(types.ChildTypeAppointment, "cust1", "B", types.ChildPatch{Status: &status}))
}
