package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// upsertPipelineSQL writes one fact row. The update arm encodes the merge
// rules for repeated observations of the same pipeline:
//   - a non-terminal observation never downgrades a terminal row (status
//     and finished_at stick once finished_at is set),
//   - duration and web_url only move forward (absent never erases a value),
//   - user_name is kept unless the incoming value is non-empty,
//   - sha always follows the latest observation,
//   - created_at and the project/ref identity are immutable after insert.
const upsertPipelineSQL = `
INSERT INTO pipelines (id, project_id, project_name, project_full_path, ref_name,
                       user_name, sha, status, created_at, finished_at, web_url, duration)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    status = CASE
        WHEN excluded.finished_at IS NULL AND pipelines.finished_at IS NOT NULL THEN pipelines.status
        ELSE excluded.status
    END,
    finished_at = CASE
        WHEN excluded.finished_at IS NOT NULL THEN excluded.finished_at
        ELSE pipelines.finished_at
    END,
    sha = excluded.sha,
    duration = CASE
        WHEN excluded.duration IS NOT NULL THEN excluded.duration
        ELSE pipelines.duration
    END,
    web_url = COALESCE(excluded.web_url, pipelines.web_url),
    user_name = CASE
        WHEN excluded.user_name != '' THEN excluded.user_name
        ELSE pipelines.user_name
    END`

// incrementCellSQL moves one pipeline into a (date, project, status) cell,
// creating the cell on first use. Project names ride along so renamed
// projects converge on their latest name.
const incrementCellSQL = `
INSERT INTO daily_stats (date, project_id, project_name, project_full_path, status,
                         count, total_duration, count_with_duration)
VALUES (?, ?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(date, project_id, status) DO UPDATE SET
    count = daily_stats.count + 1,
    total_duration = daily_stats.total_duration + excluded.total_duration,
    count_with_duration = daily_stats.count_with_duration + excluded.count_with_duration,
    project_name = excluded.project_name,
    project_full_path = excluded.project_full_path`

// decrementCellSQL takes one pipeline out of the cell it was counted in.
const decrementCellSQL = `
UPDATE daily_stats SET
    count = count - 1,
    total_duration = total_duration - ?,
    count_with_duration = count_with_duration - ?
WHERE date = ? AND project_id = ? AND status = ?`

// existingRow is the in-transaction snapshot taken before the fact upsert;
// the aggregate reconciliation compares the merge outcome against it.
type existingRow struct {
	Status     string `db:"status"`
	Duration   *int64 `db:"duration"`
	CreatedAt  int64  `db:"created_at"`
	FinishedAt *int64 `db:"finished_at"`
}

// postImage is the status and duration the fact row holds after the upsert,
// computed in Go by mirroring the CASE arms of upsertPipelineSQL. Aggregates
// reconcile against this, not the raw observation: a stale non-terminal
// re-read of a finished pipeline must leave both tables exactly as they
// were, and after every upsert each touched cell must match what a full
// rebuild would compute from the fact table.
type postImage struct {
	status   string
	duration *int64
}

func mergePostImage(p Pipeline, existing *existingRow) postImage {
	img := postImage{status: p.Status, duration: p.Duration}

	if existing == nil {
		return img
	}

	if p.FinishedAt == nil && existing.FinishedAt != nil {
		img.status = existing.Status
	}

	if p.Duration == nil {
		img.duration = existing.Duration
	}

	return img
}

// UpsertPipeline stores one observation of a pipeline and reconciles the
// daily aggregates in the same transaction. Concurrent calls for the same
// pipeline ID are serialized so the read-merge-adjust sequence never
// interleaves; either both tables move or neither does.
func (s *Store) UpsertPipeline(ctx context.Context, p Pipeline) error {
	unlock := s.locks.lock(p.ID)
	defer unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin upsert %d: %w", ErrStore, p.ID, err)
	}

	// Rollback is a no-op once the transaction committed.
	defer func() { _ = tx.Rollback() }()

	var existing *existingRow

	var snapshot existingRow

	err = tx.GetContext(ctx, &snapshot,
		`SELECT status, duration, created_at, finished_at FROM pipelines WHERE id = ?`, p.ID)

	switch {
	case err == nil:
		existing = &snapshot
	case isNoRows(err):
		existing = nil
	default:
		return fmt.Errorf("%w: read existing %d: %w", ErrStore, p.ID, err)
	}

	_, err = tx.ExecContext(ctx, upsertPipelineSQL,
		p.ID, p.ProjectID, p.ProjectName, p.ProjectFullPath, p.RefName,
		p.UserName, p.SHA, p.Status, p.CreatedAt, p.FinishedAt, p.WebURL, p.Duration)
	if err != nil {
		return fmt.Errorf("%w: upsert fact %d: %w", ErrStore, p.ID, err)
	}

	if err := applyAggregates(ctx, tx, p, existing); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit upsert %d: %w", ErrStore, p.ID, err)
	}

	return nil
}

// applyAggregates adjusts daily_stats for the transition from the existing
// snapshot to the post-image of the fact row. Dates for the old and new
// cell are derived independently from their own created_at values.
func applyAggregates(ctx context.Context, tx *sqlx.Tx, p Pipeline, existing *existingRow) error {
	img := mergePostImage(p, existing)

	newDate := utcDate(p.CreatedAt)

	newHasDur := img.duration != nil

	var newDur int64
	if newHasDur {
		newDur = *img.duration
	}

	if existing == nil {
		return incrementCell(ctx, tx, p, newDate, img.status, newDur, newHasDur)
	}

	oldHasDur := existing.Duration != nil

	var oldDur int64
	if oldHasDur {
		oldDur = *existing.Duration
	}

	if existing.Status == img.status {
		return reconcileDuration(ctx, tx, p, newDate, img.status, oldDur, newDur, oldHasDur, newHasDur)
	}

	// Status changed: move the pipeline from its old cell to the new one.
	var oldWithDur int64
	if oldHasDur {
		oldWithDur = 1
	}

	oldDate := utcDate(existing.CreatedAt)

	_, err := tx.ExecContext(ctx, decrementCellSQL, oldDur, oldWithDur, oldDate, p.ProjectID, existing.Status)
	if err != nil {
		return fmt.Errorf("%w: decrement cell for %d: %w", ErrStore, p.ID, err)
	}

	return incrementCell(ctx, tx, p, newDate, img.status, newDur, newHasDur)
}

// reconcileDuration handles a re-observation with an unchanged status: the
// pipeline stays in its cell, only the duration sums may move.
func reconcileDuration(ctx context.Context, tx *sqlx.Tx, p Pipeline, date, status string, oldDur, newDur int64, oldHas, newHas bool) error {
	switch {
	case oldHas && newHas:
		delta := newDur - oldDur
		if delta == 0 {
			return nil
		}

		_, err := tx.ExecContext(ctx,
			`UPDATE daily_stats SET total_duration = total_duration + ?
			 WHERE date = ? AND project_id = ? AND status = ?`,
			delta, date, p.ProjectID, status)
		if err != nil {
			return fmt.Errorf("%w: shift duration for %d: %w", ErrStore, p.ID, err)
		}

	case !oldHas && newHas:
		_, err := tx.ExecContext(ctx,
			`UPDATE daily_stats SET total_duration = total_duration + ?,
			        count_with_duration = count_with_duration + 1
			 WHERE date = ? AND project_id = ? AND status = ?`,
			newDur, date, p.ProjectID, status)
		if err != nil {
			return fmt.Errorf("%w: gain duration for %d: %w", ErrStore, p.ID, err)
		}

	case oldHas && !newHas:
		// Unreachable through the current merge rules (an absent incoming
		// duration preserves the stored one) but kept so the branch table
		// stays total.
		_, err := tx.ExecContext(ctx,
			`UPDATE daily_stats SET total_duration = total_duration - ?,
			        count_with_duration = count_with_duration - 1
			 WHERE date = ? AND project_id = ? AND status = ?`,
			oldDur, date, p.ProjectID, status)
		if err != nil {
			return fmt.Errorf("%w: drop duration for %d: %w", ErrStore, p.ID, err)
		}
	}

	return nil
}

func incrementCell(ctx context.Context, tx *sqlx.Tx, p Pipeline, date, status string, dur int64, hasDur bool) error {
	var withDur int64
	if hasDur {
		withDur = 1
	}

	_, err := tx.ExecContext(ctx, incrementCellSQL,
		date, p.ProjectID, p.ProjectName, p.ProjectFullPath, status, dur, withDur)
	if err != nil {
		return fmt.Errorf("%w: increment cell for %d: %w", ErrStore, p.ID, err)
	}

	return nil
}

// utcDate renders a unix timestamp as its UTC calendar day, matching what
// SQLite's date(x, 'unixepoch') produces for the rebuild path.
func utcDate(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02")
}
