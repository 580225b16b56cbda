package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/codemarcinu/new-egents/internal/models"
)

const jobColumns = `
	id, receipt_id, state, attempt, max_attempts, run_at, last_error,
	started_at, finished_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	j := &models.Job{}
	err := row.Scan(&j.ID, &j.ReceiptID, &j.State, &j.Attempt, &j.MaxAttempts, &j.RunAt, &j.LastError,
		&j.StartedAt, &j.FinishedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return j, nil
}

// CreateJob queues a pipeline run for a receipt and points the receipt at
// it in the same transaction: task id set, stale cancel flag cleared and a
// settled status put back to pending. The step is never touched. The
// partial unique index on active jobs turns a concurrent second submission
// into ErrJobActive, which leaves the receipt as it was.
func (db *DB) CreateJob(ctx context.Context, id string, receiptID int64, maxAttempts int) (*models.Job, error) {
	if id == "" {
		id = uuid.NewString()
	}
	var job *models.Job
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		job, err = scanJob(tx.QueryRow(ctx, `
			INSERT INTO pipeline_jobs (id, receipt_id, state, attempt, max_attempts, run_at)
			VALUES ($1, $2, 'queued', 0, $3, NOW())
			RETURNING `+jobColumns,
			id, receiptID, maxAttempts,
		))
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE receipts
			SET task_id = $2, cancel_requested = FALSE,
			    error_message = CASE WHEN status = 'processing' THEN error_message ELSE NULL END,
			    status = CASE WHEN status = 'processing' THEN status ELSE 'pending' END,
			    updated_at = NOW()
			WHERE id = $1
		`, receiptID, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrReceiptNotFound
		}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err, "uq_pipeline_jobs_active") {
			return nil, ErrJobActive
		}
		if isForeignKeyViolation(err) {
			return nil, ErrReceiptNotFound
		}
		return nil, err
	}
	return job, nil
}

// ClaimDueJob moves the oldest due job to running and bumps its attempt.
// Workers racing for the same row skip it; nil means nothing is due. Jobs
// that used up their attempts are never handed out again.
func (db *DB) ClaimDueJob(ctx context.Context) (*models.Job, error) {
	job, err := scanJob(db.Pool.QueryRow(ctx, `
		UPDATE pipeline_jobs
		SET state = 'running', attempt = attempt + 1, started_at = NOW(), updated_at = NOW()
		WHERE id = (
			SELECT id FROM pipeline_jobs
			WHERE state IN ('queued', 'retrying') AND run_at <= NOW() AND attempt < max_attempts
			ORDER BY run_at ASC, created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
	))
	if errors.Is(err, ErrJobNotFound) {
		return nil, nil
	}
	return job, err
}

// GetJob retrieves a job by id
func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	return scanJob(db.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM pipeline_jobs WHERE id = $1`, id))
}

// GetActiveJob returns the queued, running or retrying job of a receipt.
func (db *DB) GetActiveJob(ctx context.Context, receiptID int64) (*models.Job, error) {
	return scanJob(db.Pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM pipeline_jobs
		WHERE receipt_id = $1 AND state IN ('queued', 'running', 'retrying')
	`, receiptID))
}

// GetLatestJob returns the most recently created job of a receipt
func (db *DB) GetLatestJob(ctx context.Context, receiptID int64) (*models.Job, error) {
	return scanJob(db.Pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM pipeline_jobs
		WHERE receipt_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, receiptID))
}

// FinishJob records a terminal state
func (db *DB) FinishJob(ctx context.Context, id string, state models.JobState, lastError *string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_jobs
		SET state = $2, last_error = COALESCE($3, last_error), finished_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, state, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ScheduleRetry puts a failed attempt back in the queue at runAt
func (db *DB) ScheduleRetry(ctx context.Context, id string, runAt time.Time, lastError string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_jobs
		SET state = 'retrying', run_at = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1
	`, id, runAt, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// DeferJob hands a claimed job back without using up its attempt, e.g.
// when another worker still holds the receipt.
func (db *DB) DeferJob(ctx context.Context, id string, runAt time.Time) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_jobs
		SET state = 'retrying', attempt = GREATEST(attempt - 1, 0), run_at = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'running'
	`, id, runAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// CancelQueuedJob cancels a job that no worker has picked up yet. It
// reports false when the job is already running or finished.
func (db *DB) CancelQueuedJob(ctx context.Context, receiptID int64) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_jobs
		SET state = 'cancelled', finished_at = NOW(), updated_at = NOW()
		WHERE receipt_id = $1 AND state IN ('queued', 'retrying')
	`, receiptID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RequeueStaleJobs returns running jobs whose worker died to the queue.
// The attempt they used is kept. Jobs with no attempt left are not touched;
// FailStaleJobs settles those.
func (db *DB) RequeueStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error) {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE pipeline_jobs
		SET state = 'retrying', run_at = NOW(), last_error = 'worker lost', updated_at = NOW()
		WHERE state = 'running' AND started_at < $1 AND attempt < max_attempts
	`, startedBefore)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// FailStaleJobs fails running jobs whose worker died on their last
// attempt and returns them so their receipts can be marked failed.
func (db *DB) FailStaleJobs(ctx context.Context, startedBefore time.Time) ([]models.Job, error) {
	rows, err := db.Pool.Query(ctx, `
		UPDATE pipeline_jobs
		SET state = 'failed', last_error = 'worker lost on final attempt', finished_at = NOW(), updated_at = NOW()
		WHERE state = 'running' AND started_at < $1 AND attempt >= max_attempts
		RETURNING `+jobColumns,
		startedBefore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}
