package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jinghong-mfg/mto-status-service/internal/models"
)

// CreateSyncRun records the start of a synchronization pass and returns
// its id.
func (db *Database) CreateSyncRun(ctx context.Context, run models.SyncRun) (int64, error) {
	counts, err := marshalCounts(run.Counts)
	if err != nil {
		return 0, err
	}

	var id int64
	query := `
        INSERT INTO mto_sync_runs
            (status, trigger_source, started_at, range_start, range_end, days_back, chunk_days, doc_counts)
        VALUES
            ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id
    `
	err = db.Pool.QueryRow(ctx, query,
		string(run.Status),
		run.Trigger,
		run.StartedAt,
		dateParam(run.RangeStart),
		dateParam(run.RangeEnd),
		run.DaysBack,
		run.ChunkDays,
		counts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert sync run: %w", err)
	}
	return id, nil
}

// FinishSyncRun moves a run into a terminal status with its final
// counts and error message.
func (db *Database) FinishSyncRun(ctx context.Context, id int64, status models.SyncRunStatus, docCounts map[models.DocType]int, errorMessage string) error {
	counts, err := marshalCounts(docCounts)
	if err != nil {
		return err
	}

	query := `
        UPDATE mto_sync_runs
        SET status = $2, finished_at = now(), doc_counts = $3, error_message = $4
        WHERE id = $1
    `
	result, err := db.Pool.Exec(ctx, query, id, string(status), counts, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to finish sync run %d: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("sync run %d not found", id)
	}
	return nil
}

// LatestSyncRun returns the most recently started run, or nil when no
// sync has ever run.
func (db *Database) LatestSyncRun(ctx context.Context) (*models.SyncRun, error) {
	runs, err := db.RecentSyncRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// RecentSyncRuns returns up to limit runs, newest first.
func (db *Database) RecentSyncRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
        SELECT id, status, trigger_source, started_at, finished_at, range_start, range_end, days_back, chunk_days, doc_counts, error_message
        FROM mto_sync_runs
        ORDER BY started_at DESC, id DESC
        LIMIT $1
    `
	rows, err := db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []models.SyncRun
	for rows.Next() {
		var run models.SyncRun
		var status, trigger string
		var rangeStart, rangeEnd *time.Time
		var counts []byte
		err := rows.Scan(
			&run.ID,
			&status,
			&trigger,
			&run.StartedAt,
			&run.FinishedAt,
			&rangeStart,
			&rangeEnd,
			&run.DaysBack,
			&run.ChunkDays,
			&counts,
			&run.ErrorMessage,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		run.Status = models.SyncRunStatus(status)
		run.Trigger = trigger
		if rangeStart != nil {
			run.RangeStart = *rangeStart
		}
		if rangeEnd != nil {
			run.RangeEnd = *rangeEnd
		}
		if len(counts) > 0 {
			if err := json.Unmarshal(counts, &run.Counts); err != nil {
				return nil, fmt.Errorf("failed to decode doc counts of run %d: %w", run.ID, err)
			}
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}
	return runs, nil
}

// RecoverStaleRuns marks runs left in running state by a crashed or
// restarted instance as failed. Called once at boot before the sync
// service accepts triggers.
func (db *Database) RecoverStaleRuns(ctx context.Context) (int64, error) {
	query := `
        UPDATE mto_sync_runs
        SET status = $1, finished_at = now(), error_message = 'interrupted by service restart'
        WHERE status = $2
    `
	result, err := db.Pool.Exec(ctx, query, string(models.SyncStatusError), string(models.SyncStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale sync runs: %w", err)
	}
	return result.RowsAffected(), nil
}

func marshalCounts(counts map[models.DocType]int) ([]byte, error) {
	if counts == nil {
		counts = map[models.DocType]int{}
	}
	b, err := json.Marshal(counts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode doc counts: %w", err)
	}
	return b, nil
}
