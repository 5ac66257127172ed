package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS virtual_identities (
	remote_id  TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	localpart  TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// SQLStore persists virtual identities in Postgres.
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps db and creates the table if needed.
func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create virtual_identities: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Get loads the identity for remoteID.
func (s *SQLStore) Get(ctx context.Context, remoteID string) (*VirtualIdentity, bool, error) {
	vi := &VirtualIdentity{}
	err := s.db.QueryRowContext(ctx,
		`SELECT remote_id, user_id, localpart, created_at FROM virtual_identities WHERE remote_id = $1`,
		remoteID,
	).Scan(&vi.RemoteID, &vi.UserID, &vi.Localpart, &vi.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select virtual identity %q: %w", remoteID, err)
	}
	return vi, true, nil
}

// Put stores vi. An existing row for the same remote identity wins.
func (s *SQLStore) Put(ctx context.Context, vi *VirtualIdentity) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO virtual_identities (remote_id, user_id, localpart, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (remote_id) DO NOTHING`,
		vi.RemoteID, vi.UserID, vi.Localpart, vi.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert virtual identity %q: %w", vi.RemoteID, err)
	}
	return nil
}
