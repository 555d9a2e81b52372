package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

const jobColumns = `id, queue_name, name, payload, max_attempts, backoff_type, backoff_delay_ms,
	remove_on_complete, remove_on_fail, attempts_made, state, progress, return_value, failed_reason,
	created_at, processed_at, finished_at, heartbeat_at, updated_at`

// jobRow mirrors a queue_jobs row. JSON columns are scanned as text so the
// same code works for Postgres JSONB and SQLite TEXT.
type jobRow struct {
	ID               string         `db:"id"`
	Queue            string         `db:"queue_name"`
	Name             string         `db:"name"`
	Payload          string         `db:"payload"`
	MaxAttempts      int            `db:"max_attempts"`
	BackoffType      string         `db:"backoff_type"`
	BackoffDelayMS   int64          `db:"backoff_delay_ms"`
	RemoveOnComplete bool           `db:"remove_on_complete"`
	RemoveOnFail     bool           `db:"remove_on_fail"`
	AttemptsMade     int            `db:"attempts_made"`
	State            string         `db:"state"`
	Progress         sql.NullString `db:"progress"`
	ReturnValue      sql.NullString `db:"return_value"`
	FailedReason     sql.NullString `db:"failed_reason"`
	CreatedAt        time.Time      `db:"created_at"`
	ProcessedAt      sql.NullTime   `db:"processed_at"`
	FinishedAt       sql.NullTime   `db:"finished_at"`
	HeartbeatAt      sql.NullTime   `db:"heartbeat_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r *jobRow) toJob() *Job {
	job := &Job{
		ID:      r.ID,
		Queue:   r.Queue,
		Name:    r.Name,
		Payload: []byte(r.Payload),
		Opts: Options{
			Attempts: r.MaxAttempts,
			Backoff: Backoff{
				Type:  BackoffType(r.BackoffType),
				Delay: time.Duration(r.BackoffDelayMS) * time.Millisecond,
			},
			RemoveOnComplete: r.RemoveOnComplete,
			RemoveOnFail:     r.RemoveOnFail,
		},
		AttemptsMade: r.AttemptsMade,
		FailedReason: r.FailedReason.String,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
		state:        State(r.State),
	}

	if r.Progress.Valid {
		job.Progress = []byte(r.Progress.String)
	}
	if r.ReturnValue.Valid {
		job.ReturnValue = []byte(r.ReturnValue.String)
	}
	if r.ProcessedAt.Valid {
		job.ProcessedAt = &r.ProcessedAt.Time
	}
	if r.FinishedAt.Valid {
		job.FinishedAt = &r.FinishedAt.Time
	}
	if r.HeartbeatAt.Valid {
		job.HeartbeatAt = &r.HeartbeatAt.Time
	}

	return job
}

// Store handles all database operations on job records
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore creates a new Store instance
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Insert writes a new job record
func (s *Store) Insert(ctx context.Context, job *Job) error {
	query := s.db.Rebind(`
		INSERT INTO queue_jobs (id, queue_name, name, payload, max_attempts, backoff_type, backoff_delay_ms,
			remove_on_complete, remove_on_fail, attempts_made, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Queue,
		job.Name,
		string(job.Payload),
		job.Opts.Attempts,
		string(job.Opts.Backoff.Type),
		job.Opts.Backoff.Delay.Milliseconds(),
		job.Opts.RemoveOnComplete,
		job.Opts.RemoveOnFail,
		job.AttemptsMade,
		string(job.state),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}

	return nil
}

// Delete removes a job record regardless of its state
func (s *Store) Delete(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM queue_jobs WHERE id = ?`), jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

// Get retrieves a job by its ID
func (s *Store) Get(ctx context.Context, jobID string) (*Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toJob(), nil
}

// UpdateProgress overwrites the progress column
func (s *Store) UpdateProgress(ctx context.Context, jobID, progress string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE queue_jobs SET progress = ?, updated_at = ? WHERE id = ?`),
		progress, s.now(), jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	return expectOne(res, ErrJobNotFound)
}

// Claim moves a waiting or delayed job to active and counts the attempt.
// Only one caller can win the transition.
func (s *Store) Claim(ctx context.Context, jobID string) (*Job, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE queue_jobs
		SET state = ?,
		    attempts_made = attempts_made + 1,
		    processed_at = ?,
		    heartbeat_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND state IN (?, ?)
	`), string(StateActive), now, now, now, jobID, string(StateWaiting), string(StateDelayed))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	claimErr := expectOne(res, ErrJobNotClaimable)
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if claimErr != nil {
		return nil, claimErr
	}

	return job, nil
}

// Heartbeat renews the lease of the given attempt
func (s *Store) Heartbeat(ctx context.Context, jobID string, attempt int) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE queue_jobs
		SET heartbeat_at = ?, updated_at = ?
		WHERE id = ? AND state = ? AND attempts_made = ?
	`), now, now, jobID, string(StateActive), attempt)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}
	return expectOne(res, ErrAttemptSuperseded)
}

// Complete records a successful attempt
func (s *Store) Complete(ctx context.Context, jobID string, attempt int, returnValue sql.NullString) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE queue_jobs
		SET state = ?, return_value = ?, finished_at = ?, heartbeat_at = NULL, updated_at = ?
		WHERE id = ? AND state = ? AND attempts_made = ?
	`), string(StateCompleted), returnValue, now, now, jobID, string(StateActive), attempt)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return expectOne(res, ErrAttemptSuperseded)
}

// MarkDelayed parks a failed attempt until its retry is delivered
func (s *Store) MarkDelayed(ctx context.Context, jobID string, attempt int, reason string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE queue_jobs
		SET state = ?, failed_reason = ?, heartbeat_at = NULL, updated_at = ?
		WHERE id = ? AND state = ? AND attempts_made = ?
	`), string(StateDelayed), reason, now, jobID, string(StateActive), attempt)
	if err != nil {
		return fmt.Errorf("failed to mark job delayed: %w", err)
	}
	return expectOne(res, ErrAttemptSuperseded)
}

// MarkFailed records a terminal failure
func (s *Store) MarkFailed(ctx context.Context, jobID string, attempt int, reason string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE queue_jobs
		SET state = ?, failed_reason = ?, finished_at = ?, heartbeat_at = NULL, updated_at = ?
		WHERE id = ? AND state = ? AND attempts_made = ?
	`), string(StateFailed), reason, now, now, jobID, string(StateActive), attempt)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return expectOne(res, ErrAttemptSuperseded)
}

// TouchDelayed restarts the overdue clock of a delayed attempt
func (s *Store) TouchDelayed(ctx context.Context, jobID string, attempt int) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE queue_jobs SET updated_at = ?
		WHERE id = ? AND state = ? AND attempts_made = ?
	`), s.now(), jobID, string(StateDelayed), attempt)
	if err != nil {
		return fmt.Errorf("failed to touch delayed job: %w", err)
	}
	return expectOne(res, ErrAttemptSuperseded)
}

// RemoveAttempt deletes a job that finished and is not retained
func (s *Store) RemoveAttempt(ctx context.Context, jobID string, attempt int) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM queue_jobs WHERE id = ? AND state = ? AND attempts_made = ?
	`), jobID, string(StateActive), attempt)
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	return expectOne(res, ErrAttemptSuperseded)
}

// FindStalled returns active jobs whose lease was last renewed before the cutoff
func (s *Store) FindStalled(ctx context.Context, before time.Time, limit int) ([]*Job, error) {
	return s.selectJobs(ctx, `
		SELECT `+jobColumns+` FROM queue_jobs
		WHERE state = ? AND heartbeat_at < ?
		ORDER BY heartbeat_at
		LIMIT ?
	`, string(StateActive), before, limit)
}

// FindDelayed returns delayed jobs last touched before the cutoff
func (s *Store) FindDelayed(ctx context.Context, before time.Time, limit int) ([]*Job, error) {
	return s.selectJobs(ctx, `
		SELECT `+jobColumns+` FROM queue_jobs
		WHERE state = ? AND updated_at < ?
		ORDER BY updated_at
		LIMIT ?
	`, string(StateDelayed), before, limit)
}

// Clean deletes finished jobs of one queue and state that finished before the cutoff
func (s *Store) Clean(ctx context.Context, queueName string, state State, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM queue_jobs WHERE queue_name = ? AND state = ? AND finished_at < ?
	`), queueName, string(state), before)
	if err != nil {
		return 0, fmt.Errorf("failed to clean jobs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// JobFilter narrows a job listing. Results are ordered newest first and
// Cursor points at the last job of the previous page.
type JobFilter struct {
	Queue    string
	State    State
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of a job in a listing
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// List returns up to PageSize+1 jobs matching the filter so callers can tell
// whether another page exists
func (s *Store) List(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM queue_jobs WHERE 1=1`
	args := []any{}

	if filter.Queue != "" {
		query += " AND queue_name = ?"
		args = append(args, filter.Queue)
	}

	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, string(filter.State))
	}

	if filter.Cursor != nil {
		query += " AND (created_at < ? OR (created_at = ? AND id < ?))"
		args = append(args, filter.Cursor.CreatedAt.UTC(), filter.Cursor.CreatedAt.UTC(), filter.Cursor.JobID)
	}

	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, filter.PageSize+1)

	jobs, err := s.selectJobs(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// RemoveFinished deletes a completed or failed job
func (s *Store) RemoveFinished(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		DELETE FROM queue_jobs WHERE id = ? AND state IN (?, ?)
	`), jobID, string(StateCompleted), string(StateFailed))
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}

	if err := expectOne(res, ErrJobNotFinished); err != nil {
		if _, getErr := s.Get(ctx, jobID); errors.Is(getErr, ErrJobNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	return nil
}

func (s *Store) selectJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to select jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toJob())
	}
	return jobs, nil
}

func expectOne(res sql.Result, miss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return miss
	}
	return nil
}
