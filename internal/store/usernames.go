package store

import (
	"context"
	"fmt"
)

// PendingUsernames lists up to limit fact rows still missing a user name.
func (s *Store) PendingUsernames(ctx context.Context, limit int) ([]UsernameCandidate, error) {
	var rows []UsernameCandidate
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, project_id FROM pipelines WHERE user_name IS NULL OR user_name = '' LIMIT ?`,
		limit); err != nil {
		return nil, fmt.Errorf("%w: pending usernames: %w", ErrStore, err)
	}

	return rows, nil
}

// SetUsername fills user_name for id only while it is still empty, so a
// concurrent upsert that already learned the name wins. Reports whether a
// row actually changed.
func (s *Store) SetUsername(ctx context.Context, id int64, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipelines SET user_name = ? WHERE id = ? AND (user_name IS NULL OR user_name = '')`,
		name, id)
	if err != nil {
		return false, fmt.Errorf("%w: set username %d: %w", ErrStore, id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: set username %d: %w", ErrStore, id, err)
	}

	return n > 0, nil
}
