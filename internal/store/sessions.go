package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetSession returns the resumable session id for a folder, or "" if the
// folder has no session yet.
func (s *Store) GetSession(ctx context.Context, folder string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT session_id FROM sessions WHERE folder = ?`, folder).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}
	return id, nil
}

// SetSession records the session id for a folder.
func (s *Store) SetSession(ctx context.Context, folder, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (folder, session_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(folder) DO UPDATE SET session_id = excluded.session_id, updated_at = excluded.updated_at`,
		folder, sessionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// ResetSession drops a folder's session so the next run starts fresh.
func (s *Store) ResetSession(ctx context.Context, folder string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE folder = ?`, folder); err != nil {
		return fmt.Errorf("reset session: %w", err)
	}
	return nil
}
