package membership

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrServerNotFound = errors.New("server not found")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetServer(ctx context.Context, id string) (*Server, error) {
	s := &Server{}
	query := "SELECT id, name, created_at FROM servers WHERE id = $1"

	err := r.db.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.Name, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrServerNotFound
		}
		return nil, err
	}

	return s, nil
}

func (r *Repository) IsMember(ctx context.Context, serverID string, userID int64) (bool, error) {
	var exists bool
	query := `SELECT EXISTS (
		SELECT 1 FROM server_members WHERE server_id = $1 AND user_id = $2
	)`

	if err := r.db.QueryRowContext(ctx, query, serverID, userID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// CreateServer and AddMember back fixtures and the load generator; the
// server management service owns these rows in production.
func (r *Repository) CreateServer(ctx context.Context, id, name string) (*Server, error) {
	s := &Server{ID: id, Name: name, CreatedAt: time.Now().UTC()}
	query := "INSERT INTO servers (id, name, created_at) VALUES ($1, $2, $3)"

	if _, err := r.db.ExecContext(ctx, query, s.ID, s.Name, s.CreatedAt); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Repository) AddMember(ctx context.Context, serverID string, userID int64) error {
	query := `INSERT INTO server_members (server_id, user_id, joined_at) VALUES ($1, $2, $3)
		ON CONFLICT (server_id, user_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query, serverID, userID, time.Now().UTC())
	return err
}

func (r *Repository) RemoveMember(ctx context.Context, serverID string, userID int64) error {
	query := "DELETE FROM server_members WHERE server_id = $1 AND user_id = $2"

	_, err := r.db.ExecContext(ctx, query, serverID, userID)
	return err
}
