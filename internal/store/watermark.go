package store

import (
	"context"
	"fmt"
	"time"
)

// Watermark returns the persisted last-poll timestamp. ok is false when no
// watermark has been recorded yet; callers fall back to their own clock.
func (s *Store) Watermark(ctx context.Context) (ts int64, ok bool, err error) {
	err = s.db.GetContext(ctx, &ts, `SELECT last_poll_at FROM poll_state WHERE id = 1`)
	if err != nil {
		if isNoRows(err) {
			return 0, false, nil
		}

		return 0, false, fmt.Errorf("%w: read watermark: %w", ErrStore, err)
	}

	return ts, true, nil
}

// SetWatermark records ts as the last successful poll time.
func (s *Store) SetWatermark(ctx context.Context, ts int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO poll_state (id, last_poll_at) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET last_poll_at = excluded.last_poll_at`, ts)
	if err != nil {
		return fmt.Errorf("%w: set watermark: %w", ErrStore, err)
	}

	return nil
}

// seedWatermark stamps the current time only when no watermark exists, so a
// restart never skips the window since the previous successful poll.
func (s *Store) seedWatermark(ctx context.Context) error {
	_, ok, err := s.Watermark(ctx)
	if err != nil {
		return err
	}

	if ok {
		return nil
	}

	return s.SetWatermark(ctx, time.Now().Unix())
}
