// Package testutil provides database fixtures shared by package tests.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"channelchat/internal/db"
	"channelchat/internal/membership"
	"channelchat/internal/user"

	"github.com/stretchr/testify/require"
)

// OpenSQLite returns a migrated SQLite database in a temp directory, closed on cleanup.
func OpenSQLite(t *testing.T) *db.Database {
	t.Helper()

	database, err := db.NewDatabase(db.SQLite, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, database.AutoMigrate())
	return database
}

// Fixtures creates users, servers and memberships directly through the repositories.
type Fixtures struct {
	t       *testing.T
	Users   *user.Repository
	Servers *membership.Repository
}

func NewFixtures(t *testing.T, database *db.Database) *Fixtures {
	return &Fixtures{
		t:       t,
		Users:   user.NewRepository(database.Conn),
		Servers: membership.NewRepository(database.Conn),
	}
}

func (f *Fixtures) User(username string) *user.User {
	f.t.Helper()
	u, err := f.Users.CreateUser(context.Background(), username)
	require.NoError(f.t, err)
	return u
}

func (f *Fixtures) Server(id, name string, members ...*user.User) *membership.Server {
	f.t.Helper()
	s, err := f.Servers.CreateServer(context.Background(), id, name)
	require.NoError(f.t, err)
	for _, m := range members {
		require.NoError(f.t, f.Servers.AddMember(context.Background(), s.ID, m.ID))
	}
	return s
}
