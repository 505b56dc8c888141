package seed

import (
	"context"
	"testing"

	"taxdesk/internal/documents"
	"taxdesk/internal/dualwrite"
	"taxdesk/internal/memstore"
	"taxdesk/pkg/types"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	s := memstore.New()
	blobs := memstore.NewBlobs()
	coord := dualwrite.New(s, logger)
	docs := documents.New(s, coord, blobs, logger)

	for range 2 {
		require.NoError(t, SeedOwners(ctx, s))
		require.NoError(t, SeedChildren(ctx, s, coord))
		require.NoError(t, SeedDocuments(ctx, s, docs))
	}

	owners, err := s.ListAllOwners(ctx)
	require.NoError(t, err)
	assert.Len(t, owners, len(fakeOwners))

	appts, err := s.ListMirrors(ctx, types.ChildTypeAppointment)
	require.NoError(t, err)
	// one per customer plus a second for every other one
	assert.Len(t, appts, 8)

	refs, err := s.ListMirrors(ctx, types.ChildTypeReferral)
	require.NoError(t, err)
	assert.Len(t, refs, 5)

	assert.Equal(t, 5, blobs.Len())

	children, err := s.ListChildren(ctx, "11111111-1111-1111-1111-111111111111", types.ChildTypeAppointment)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.NotEmpty(t, children[0].MirrorID)
}
