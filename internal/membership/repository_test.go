package membership_test

import (
	"context"
	"testing"

	"channelchat/internal/membership"
	"channelchat/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_GetServer(t *testing.T) {
	database := testutil.OpenSQLite(t)
	fx := testutil.NewFixtures(t, database)
	fx.Server("s1", "Cats")

	repo := membership.NewRepository(database.Conn)

	s, err := repo.GetServer(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Cats", s.Name)
	assert.False(t, s.CreatedAt.IsZero())

	_, err = repo.GetServer(context.Background(), "missing")
	assert.ErrorIs(t, err, membership.ErrServerNotFound)
}

func TestRepository_IsMember(t *testing.T) {
	database := testutil.OpenSQLite(t)
	fx := testutil.NewFixtures(t, database)
	alice := fx.User("alice")
	bob := fx.User("bob")
	fx.Server("s1", "Cats", alice)

	repo := membership.NewRepository(database.Conn)
	ctx := context.Background()

	ok, err := repo.IsMember(ctx, "s1", alice.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.IsMember(ctx, "s1", bob.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.AddMember(ctx, "s1", bob.ID))
	require.NoError(t, repo.AddMember(ctx, "s1", bob.ID), "adding twice is a no-op")
	ok, err = repo.IsMember(ctx, "s1", bob.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, repo.RemoveMember(ctx, "s1", bob.ID))
	ok, err = repo.IsMember(ctx, "s1", bob.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
