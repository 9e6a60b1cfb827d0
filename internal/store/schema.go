package store

import (
	"context"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS pipelines (
    id INTEGER PRIMARY KEY,
    project_id INTEGER NOT NULL,
    project_name TEXT NOT NULL,
    project_full_path TEXT NOT NULL,
    ref_name TEXT NOT NULL,
    user_name TEXT,
    sha TEXT,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    finished_at INTEGER,
    duration INTEGER,
    web_url TEXT,
    UNIQUE(id)
);

CREATE TABLE IF NOT EXISTS poll_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    last_poll_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS daily_stats (
    date TEXT NOT NULL,
    project_id INTEGER NOT NULL,
    project_name TEXT NOT NULL,
    project_full_path TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    count INTEGER DEFAULT 0,
    total_duration INTEGER DEFAULT 0,
    count_with_duration INTEGER DEFAULT 0,
    PRIMARY KEY (date, project_id, status)
);

CREATE INDEX IF NOT EXISTS idx_query ON pipelines(project_name, status, created_at);
CREATE INDEX IF NOT EXISTS idx_status_created ON pipelines(status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_project_created ON pipelines(project_name, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_watermark ON pipelines(finished_at);
`

// dailyStatsColumnSQL probes for a column on daily_stats; the table name is
// baked in because pragma_table_info does not take bind parameters for it.
const dailyStatsColumnSQL = `SELECT 1 FROM pragma_table_info('daily_stats') WHERE name = ? LIMIT 1`

// migrate upgrades daily_stats tables created by earlier schema versions.
// Each step probes for its column and only alters when it is missing, so
// re-running is free.
func (s *Store) migrate(ctx context.Context) error {
	hasWithDuration, err := s.dailyStatsHasColumn(ctx, "count_with_duration")
	if err != nil {
		return err
	}

	if !hasWithDuration {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE daily_stats ADD COLUMN count_with_duration INTEGER DEFAULT 0`); err != nil {
			return fmt.Errorf("%w: add count_with_duration: %w", ErrStore, err)
		}
	}

	hasFullPath, err := s.dailyStatsHasColumn(ctx, "project_full_path")
	if err != nil {
		return err
	}

	if !hasFullPath {
		if _, err := s.db.ExecContext(ctx, `ALTER TABLE daily_stats ADD COLUMN project_full_path TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("%w: add project_full_path: %w", ErrStore, err)
		}

		// Older builds stored whichever name the write path had on hand.
		// The fact rows know the real path per project, so copy it over;
		// cells whose project left the fact table keep project_name.
		backfill := `
UPDATE daily_stats SET project_full_path = COALESCE(
    (SELECT p.project_full_path FROM pipelines p
     WHERE p.project_id = daily_stats.project_id
     ORDER BY p.created_at DESC LIMIT 1),
    project_name)`
		if _, err := s.db.ExecContext(ctx, backfill); err != nil {
			return fmt.Errorf("%w: backfill project_full_path: %w", ErrStore, err)
		}
	}

	return nil
}

func (s *Store) dailyStatsHasColumn(ctx context.Context, column string) (bool, error) {
	var one int

	err := s.db.GetContext(ctx, &one, dailyStatsColumnSQL, column)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}

		return false, fmt.Errorf("%w: probe column %s: %w", ErrStore, column, err)
	}

	return true, nil
}
