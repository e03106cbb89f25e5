package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// ErrJobNotFound means the bulk job ID does not exist.
var ErrJobNotFound = errors.New("engine: bulk job not found")

// CreateBulkJob inserts a job and its items atomically. Items start
// pending; the job starts pending with total_items set.
func (s *Store) CreateBulkJob(ctx context.Context, jobType JobType, filterCriteria string, updateFields json.RawMessage, items []NewJobItem) (*BulkJob, error) {
	if !KnownJobType(jobType) {
		return nil, fmt.Errorf("engine: unknown job type %q", jobType)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("engine: bulk job needs at least one item")
	}

	jobID := uuid.NewString()
	now := s.nowFunc()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: begin create job: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bulk_jobs (id, job_type, filter_criteria, update_fields, total_items, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		jobID, string(jobType), filterCriteria, nullJSON(updateFields), len(items), JobPending, now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("engine: inserting bulk job: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO bulk_job_items (job_id, entity_id, payload, status) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("engine: preparing item insert: %w", err)
	}
	defer stmt.Close()

	for i, item := range items {
		if _, err := stmt.ExecContext(ctx, jobID, item.EntityID, nullJSON(item.Payload), ItemPending); err != nil {
			return nil, fmt.Errorf("engine: inserting job item %d (%s): %w", i, item.EntityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("engine: commit create job: %w", err)
	}

	s.logger.Info("bulk job created",
		slog.String("job_id", jobID),
		slog.String("job_type", string(jobType)),
		slog.Int("items", len(items)),
	)

	return s.GetBulkJob(ctx, jobID)
}

// GetBulkJob loads one job by ID.
func (s *Store) GetBulkJob(ctx context.Context, jobID string) (*BulkJob, error) {
	return s.scanJob(s.db.QueryRowContext(ctx, sqlSelectJob+` WHERE id = ?`, jobID))
}

// ListBulkJobs returns jobs newest first.
func (s *Store) ListBulkJobs(ctx context.Context, limit int) ([]BulkJob, error) {
	rows, err := s.db.QueryContext(ctx, sqlSelectJob+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("engine: listing bulk jobs: %w", err)
	}
	defer rows.Close()

	var jobs []BulkJob

	for rows.Next() {
		job, scanErr := s.scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine: iterating bulk jobs: %w", err)
	}

	return jobs, nil
}

// RunnableJobs returns pending or processing jobs oldest first, for the
// daemon's polling loop.
func (s *Store) RunnableJobs(ctx context.Context) ([]BulkJob, error) {
	rows, err := s.db.QueryContext(ctx,
		sqlSelectJob+` WHERE status IN (?, ?) ORDER BY created_at`, JobPending, JobProcessing)
	if err != nil {
		return nil, fmt.Errorf("engine: listing runnable jobs: %w", err)
	}
	defer rows.Close()

	var jobs []BulkJob

	for rows.Next() {
		job, scanErr := s.scanJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		jobs = append(jobs, *job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine: iterating runnable jobs: %w", err)
	}

	return jobs, nil
}

// MarkJobProcessing transitions a pending job to processing, stamping
// started_at on the first batch only.
func (s *Store) MarkJobProcessing(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bulk_jobs SET status = ?, started_at = COALESCE(started_at, ?)
		 WHERE id = ? AND status = ?`,
		JobProcessing, s.nowFunc().UnixNano(), jobID, JobPending)
	if err != nil {
		return fmt.Errorf("engine: marking job %s processing: %w", jobID, err)
	}

	return nil
}

// PendingItems returns up to limit pending items in insertion order.
func (s *Store) PendingItems(ctx context.Context, jobID string, limit int) ([]BulkJobItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, entity_id, payload, status, attempts, error_msg, response_data
		 FROM bulk_job_items WHERE job_id = ? AND status = ? ORDER BY id LIMIT ?`,
		jobID, ItemPending, limit)
	if err != nil {
		return nil, fmt.Errorf("engine: loading pending items for %s: %w", jobID, err)
	}
	defer rows.Close()

	var items []BulkJobItem

	for rows.Next() {
		var (
			item     BulkJobItem
			payload  sql.NullString
			errMsg   sql.NullString
			respData sql.NullString
		)

		if err := rows.Scan(&item.ID, &item.JobID, &item.EntityID, &payload,
			&item.Status, &item.Attempts, &errMsg, &respData); err != nil {
			return nil, fmt.Errorf("engine: scanning job item: %w", err)
		}

		item.Payload = rawJSON(payload)
		item.ErrorMessage = errMsg.String
		item.ResponseData = rawJSON(respData)

		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("engine: iterating job items: %w", err)
	}

	return items, nil
}

// MarkItemProcessing transitions an item from pending to processing,
// immediately before the remote call. The claim is stamped so a crashed
// process's items can be reclaimed later.
func (s *Store) MarkItemProcessing(ctx context.Context, itemID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bulk_job_items SET status = ?, claimed_at = ? WHERE id = ? AND status = ?`,
		ItemProcessing, s.nowFunc().UnixNano(), itemID, ItemPending)
	if err != nil {
		return fmt.Errorf("engine: marking item %d processing: %w", itemID, err)
	}

	return requireTransition(result, itemID, ItemPending)
}

// ReclaimStaleItems returns processing items claimed longer than olderThan
// ago to pending, without counting an attempt. A crash between claiming an
// item and settling it leaves the row processing forever; reclaiming lets
// the next batch pick it up instead of stalling the job.
func (s *Store) ReclaimStaleItems(ctx context.Context, jobID string, olderThan time.Duration) (int64, error) {
	cutoff := s.nowFunc().Add(-olderThan).UnixNano()

	result, err := s.db.ExecContext(ctx,
		`UPDATE bulk_job_items SET status = ?, claimed_at = NULL
		 WHERE job_id = ? AND status = ? AND claimed_at < ?`,
		ItemPending, jobID, ItemProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("engine: reclaiming stale items for %s: %w", jobID, err)
	}

	reclaimed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("engine: reclaimed rows for %s: %w", jobID, err)
	}

	return reclaimed, nil
}

// CompleteItem marks a processing item completed, capturing the response.
func (s *Store) CompleteItem(ctx context.Context, itemID int64, response json.RawMessage) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bulk_job_items SET status = ?, response_data = ? WHERE id = ? AND status = ?`,
		ItemCompleted, nullJSON(response), itemID, ItemProcessing)
	if err != nil {
		return fmt.Errorf("engine: completing item %d: %w", itemID, err)
	}

	return requireTransition(result, itemID, ItemProcessing)
}

// RequeueItem returns a processing item to pending after a failed attempt
// below the ceiling, recording the attempt and error.
func (s *Store) RequeueItem(ctx context.Context, itemID int64, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bulk_job_items SET status = ?, claimed_at = NULL, attempts = attempts + 1, error_msg = ?
		 WHERE id = ? AND status = ?`,
		ItemPending, errMsg, itemID, ItemProcessing)
	if err != nil {
		return fmt.Errorf("engine: requeueing item %d: %w", itemID, err)
	}

	return requireTransition(result, itemID, ItemProcessing)
}

// ReleaseItem returns a processing item to pending without counting an
// attempt. Used when a batch stops for backpressure: the interrupted call
// was never the item's fault.
func (s *Store) ReleaseItem(ctx context.Context, itemID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bulk_job_items SET status = ?, claimed_at = NULL WHERE id = ? AND status = ?`,
		ItemPending, itemID, ItemProcessing)
	if err != nil {
		return fmt.Errorf("engine: releasing item %d: %w", itemID, err)
	}

	return requireTransition(result, itemID, ItemProcessing)
}

// FailItem permanently fails a processing item at the attempt ceiling.
func (s *Store) FailItem(ctx context.Context, itemID int64, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE bulk_job_items SET status = ?, attempts = attempts + 1, error_msg = ?
		 WHERE id = ? AND status = ?`,
		ItemFailed, errMsg, itemID, ItemProcessing)
	if err != nil {
		return fmt.Errorf("engine: failing item %d: %w", itemID, err)
	}

	return requireTransition(result, itemID, ItemProcessing)
}

// requireTransition enforces that a guarded status UPDATE matched a row.
func requireTransition(result sql.Result, itemID int64, from string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("engine: item %d rows affected: %w", itemID, err)
	}

	if rows == 0 {
		return fmt.Errorf("engine: item %d is not %s", itemID, from)
	}

	return nil
}

// RefreshJobCounters recomputes the job's counters from item statuses and
// settles the terminal state: a processing job with zero pending items
// becomes completed. Derived, never accumulated, so retried batch steps
// cannot drift the counts.
func (s *Store) RefreshJobCounters(ctx context.Context, jobID string) (*BulkJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: begin refresh counters: %w", err)
	}
	defer tx.Rollback()

	var pending, processing, completed, failed, skipped int

	rows, err := tx.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM bulk_job_items WHERE job_id = ? GROUP BY status`, jobID)
	if err != nil {
		return nil, fmt.Errorf("engine: counting items for %s: %w", jobID, err)
	}

	for rows.Next() {
		var (
			status string
			count  int
		)

		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, fmt.Errorf("engine: scanning item counts: %w", err)
		}

		switch status {
		case ItemPending:
			pending = count
		case ItemProcessing:
			processing = count
		case ItemCompleted:
			completed = count
		case ItemFailed:
			failed = count
		case ItemSkipped:
			skipped = count
		}
	}

	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("engine: iterating item counts: %w", err)
	}

	rows.Close()

	_, err = tx.ExecContext(ctx,
		`UPDATE bulk_jobs SET processed_items = ?, failed_items = ?, skipped_items = ? WHERE id = ?`,
		completed, failed, skipped, jobID)
	if err != nil {
		return nil, fmt.Errorf("engine: updating counters for %s: %w", jobID, err)
	}

	// Settle completion: nothing left to do and nothing in flight.
	if pending == 0 && processing == 0 {
		_, err = tx.ExecContext(ctx,
			`UPDATE bulk_jobs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
			JobCompleted, s.nowFunc().UnixNano(), jobID, JobProcessing)
		if err != nil {
			return nil, fmt.Errorf("engine: completing job %s: %w", jobID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("engine: commit refresh counters: %w", err)
	}

	return s.GetBulkJob(ctx, jobID)
}

// CancelJob flips all pending items to skipped and the job to cancelled.
// Completed and failed items keep their history.
func (s *Store) CancelJob(ctx context.Context, jobID string) (*BulkJob, error) {
	job, err := s.GetBulkJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Status == JobCompleted || job.Status == JobCancelled {
		return nil, fmt.Errorf("engine: job %s is already %s", jobID, job.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: begin cancel job: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE bulk_job_items SET status = ? WHERE job_id = ? AND status = ?`,
		ItemSkipped, jobID, ItemPending)
	if err != nil {
		return nil, fmt.Errorf("engine: skipping pending items for %s: %w", jobID, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE bulk_jobs SET status = ?, completed_at = ? WHERE id = ?`,
		JobCancelled, s.nowFunc().UnixNano(), jobID)
	if err != nil {
		return nil, fmt.Errorf("engine: cancelling job %s: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("engine: commit cancel job: %w", err)
	}

	return s.refreshAfterMutation(ctx, jobID)
}

// RetryJob flips all failed items back to pending and the job back to
// pending. Completed and skipped items are untouched; attempt counts and
// error messages stay as history.
func (s *Store) RetryJob(ctx context.Context, jobID string) (*BulkJob, error) {
	job, err := s.GetBulkJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.FailedItems == 0 {
		return nil, fmt.Errorf("engine: job %s has no failed items", jobID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: begin retry job: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`UPDATE bulk_job_items SET status = ? WHERE job_id = ? AND status = ?`,
		ItemPending, jobID, ItemFailed)
	if err != nil {
		return nil, fmt.Errorf("engine: requeueing failed items for %s: %w", jobID, err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE bulk_jobs SET status = ?, completed_at = NULL WHERE id = ?`,
		JobPending, jobID)
	if err != nil {
		return nil, fmt.Errorf("engine: reopening job %s: %w", jobID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("engine: commit retry job: %w", err)
	}

	return s.refreshAfterMutation(ctx, jobID)
}

// refreshAfterMutation recomputes counters after cancel/retry.
func (s *Store) refreshAfterMutation(ctx context.Context, jobID string) (*BulkJob, error) {
	return s.RefreshJobCounters(ctx, jobID)
}

const sqlSelectJob = `SELECT id, job_type, filter_criteria, update_fields, total_items,
	processed_items, failed_items, skipped_items, status, created_at, started_at, completed_at
 FROM bulk_jobs`

func (s *Store) scanJob(row rowScanner) (*BulkJob, error) {
	var (
		job          BulkJob
		jobType      string
		updateFields sql.NullString
		createdAt    int64
		startedAt    sql.NullInt64
		completedAt  sql.NullInt64
	)

	err := row.Scan(&job.ID, &jobType, &job.FilterCriteria, &updateFields,
		&job.TotalItems, &job.ProcessedItems, &job.FailedItems, &job.SkippedItems,
		&job.Status, &createdAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("engine: scanning bulk job: %w", err)
	}

	job.JobType = JobType(jobType)
	job.UpdateFields = rawJSON(updateFields)
	job.CreatedAt = time.Unix(0, createdAt)

	if startedAt.Valid {
		job.StartedAt = time.Unix(0, startedAt.Int64)
	}

	if completedAt.Valid {
		job.CompletedAt = time.Unix(0, completedAt.Int64)
	}

	return &job, nil
}

// nullJSON converts empty JSON to NULL for optional TEXT columns.
func nullJSON(raw json.RawMessage) sql.NullString {
	return sql.NullString{String: string(raw), Valid: len(raw) > 0}
}

// rawJSON converts a nullable TEXT column back to JSON.
func rawJSON(col sql.NullString) json.RawMessage {
	if !col.Valid || col.String == "" {
		return nil
	}

	return json.RawMessage(col.String)
}
