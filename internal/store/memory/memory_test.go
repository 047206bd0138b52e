package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/servicesync/internal/domain"
)

func TestStore_SaveLoadDelete(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	id := domain.NewServiceID("h", "chat")

	_, err := s.Load(ctx, id)
	require.ErrorIs(t, err, domain.ErrNotFound)

	rec := domain.ServiceRecord{ID: id, Kind: "relay", State: []byte("v1"), Subscribers: []domain.NodeID{"a"}}
	require.NoError(t, s.Save(ctx, rec))

	// Mutating the caller's copy must not leak into the store.
	rec.State[0] = 'X'
	rec.Subscribers[0] = "z"

	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got.State)
	assert.Equal(t, []domain.NodeID{"a"}, got.Subscribers)
	assert.Equal(t, 1, s.Saves(id))

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Load(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, s.Count())
}

func TestStore_LoadAllSorted(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	for _, id := range []domain.ServiceID{
		domain.NewServiceID("b", "x"),
		domain.NewServiceID("a", "z"),
		domain.NewServiceID("a", "y"),
	} {
		require.NoError(t, s.Save(ctx, domain.ServiceRecord{ID: id}))
	}

	all, err := s.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "y@a", all[0].ID.String())
	assert.Equal(t, "z@a", all[1].ID.String())
	assert.Equal(t, "x@b", all[2].ID.String())
}
