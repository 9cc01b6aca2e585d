package user_test

import (
	"context"
	"testing"

	"channelchat/internal/testutil"
	"channelchat/internal/user"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_CreateAndGet(t *testing.T) {
	database := testutil.OpenSQLite(t)
	repo := user.NewRepository(database.Conn)
	ctx := context.Background()

	created, err := repo.CreateUser(ctx, "alice")
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	got, err := repo.GetUserByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, user.Identity{ID: created.ID, Username: "alice"}, got.Identity())

	byName, err := repo.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, created.ID, byName.ID)

	_, err = repo.GetUserByID(ctx, created.ID+100)
	assert.ErrorIs(t, err, user.ErrUserNotFound)

	_, err = repo.CreateUser(ctx, "alice")
	assert.Error(t, err, "usernames are unique")
}
