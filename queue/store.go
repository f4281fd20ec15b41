package queue

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/tonearm/tonearm/errors"
)

// DefaultRecordExpiry is how long a job record survives after its last
// write before the purge pass treats it as gone.
const DefaultRecordExpiry = 24 * time.Hour

// Store handles persistence of jobs and the schedulable indexes.
//
// The job row is the source of truth; job_type_index and user_job_index are
// derived and rebuildable. Mutations that must be atomic (job write + index
// insert, checkout, cleanup) run in a single transaction.
type Store struct {
	db     *sql.DB
	expiry time.Duration
}

// NewStore creates a job store with the default record expiry.
func NewStore(db *sql.DB) *Store {
	return NewStoreWithExpiry(db, DefaultRecordExpiry)
}

// NewStoreWithExpiry creates a job store with a custom record expiry.
func NewStoreWithExpiry(db *sql.DB, expiry time.Duration) *Store {
	return &Store{db: db, expiry: expiry}
}

// CreateJob inserts the job row and its index entries in one transaction:
// the type-index entry scored by scheduled_at and, when the job carries a
// user reference, a user-index entry scored by created_at.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	progressJSON, err := MarshalProgress(job.Progress)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin enqueue transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (
			id, job_type, priority, payload, user_ref, provider, status,
			retry_count, max_retries, error, progress,
			created_at, scheduled_at, started_at, completed_at, updated_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Type,
		job.Priority,
		nullString(string(job.Payload)),
		nullString(job.UserRef),
		nullString(job.Provider),
		job.Status,
		job.RetryCount,
		job.MaxRetries,
		nullString(job.Error),
		nullString(progressJSON),
		job.CreatedAt,
		job.ScheduledAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.UpdatedAt.Add(s.expiry),
	)
	if err != nil {
		return errors.Wrap(err, "failed to create job")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_type_index (job_type, job_id, score) VALUES (?, ?, ?)`,
		job.Type, job.ID, job.ScheduledAt.Unix())
	if err != nil {
		return errors.Wrap(err, "failed to index job by type")
	}

	if job.UserRef != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO user_job_index (user_ref, job_id, score) VALUES (?, ?, ?)`,
			job.UserRef, job.ID, job.CreatedAt.Unix())
		if err != nil {
			return errors.Wrap(err, "failed to index job by user")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit enqueue")
	}
	return nil
}

// GetJob retrieves a job by ID. Records past their expiry are treated as
// absent even if the purge pass has not removed them yet.
func (s *Store) GetJob(ctx context.Context, id string, now time.Time) (*Job, error) {
	query := `SELECT ` + standardJobColumns() + ` FROM jobs WHERE id = ? AND expires_at > ?`

	var job Job
	row := s.db.QueryRowContext(ctx, query, id, now)
	if err := scanJobFromRow(row, &job); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("job %s", id)
		}
		return nil, errors.Wrap(err, "failed to get job")
	}
	return &job, nil
}

// UpdateJob writes the job's mutable fields and refreshes the record expiry.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	progressJSON, err := MarshalProgress(job.Progress)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    retry_count = ?,
		    error = ?,
		    progress = ?,
		    scheduled_at = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?,
		    expires_at = ?
		WHERE id = ?`,
		job.Status,
		job.RetryCount,
		nullString(job.Error),
		nullString(progressJSON),
		job.ScheduledAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.UpdatedAt.Add(s.expiry),
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("job %s", job.ID)
	}
	return nil
}

// CheckoutDue claims up to limit due jobs of the given types in one
// transaction: due Retrying jobs are promoted back to Pending, due Pending
// jobs are selected ordered by priority descending then creation time
// ascending, their index rows are deleted (the de-facto execution lock) and
// their status flipped to Processing. The atomicity closes the orphan window
// between index removal and the status write.
func (s *Store) CheckoutDue(ctx context.Context, types []JobType, limit int, now time.Time) ([]*Job, error) {
	if len(types) == 0 || limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin checkout transaction")
	}
	defer tx.Rollback()

	typeArgs := make([]interface{}, len(types))
	for i, t := range types {
		typeArgs[i] = t
	}
	inClause := placeholders(len(types))

	// Retrying jobs whose backoff elapsed go back to Pending first, so the
	// same tick can pick them up.
	promoteArgs := append([]interface{}{StatusPending, now, now.Add(s.expiry), StatusRetrying, now}, typeArgs...)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, updated_at = ?, expires_at = ?
		WHERE status = ? AND scheduled_at <= ? AND job_type IN (`+inClause+`)`,
		promoteArgs...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to promote retrying jobs")
	}

	selectArgs := append([]interface{}{}, typeArgs...)
	selectArgs = append(selectArgs, now.Unix(), StatusPending, now, limit)
	rows, err := tx.QueryContext(ctx, `
		SELECT `+prefixedJobColumns("j")+`
		FROM jobs j
		INNER JOIN job_type_index i ON i.job_id = j.id
		WHERE i.job_type IN (`+inClause+`)
		  AND i.score <= ?
		  AND j.status = ?
		  AND j.expires_at > ?
		ORDER BY j.priority DESC, j.created_at ASC
		LIMIT ?`,
		selectArgs...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select due jobs")
	}

	jobs, err := scanJobs(rows, "due jobs")
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, tx.Commit()
	}

	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM job_type_index WHERE job_id = ?`, job.ID); err != nil {
			return nil, errors.Wrapf(err, "failed to check out job %s", job.ID)
		}

		job.Start(now)
		if _, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, started_at = ?, updated_at = ?, expires_at = ?
			WHERE id = ?`,
			job.Status, job.StartedAt, job.UpdatedAt, job.UpdatedAt.Add(s.expiry), job.ID); err != nil {
			return nil, errors.Wrapf(err, "failed to mark job %s processing", job.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit checkout")
	}
	return jobs, nil
}

// RescheduleJob writes the job and re-inserts its type-index entry scored by
// the new scheduled_at, in one transaction. Used for retry backoff and for
// reopening terminal jobs.
func (s *Store) RescheduleJob(ctx context.Context, job *Job) error {
	progressJSON, err := MarshalProgress(job.Progress)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin reschedule transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?,
		    retry_count = ?,
		    error = ?,
		    progress = ?,
		    scheduled_at = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?,
		    expires_at = ?
		WHERE id = ?`,
		job.Status,
		job.RetryCount,
		nullString(job.Error),
		nullString(progressJSON),
		job.ScheduledAt,
		job.StartedAt,
		job.CompletedAt,
		job.UpdatedAt,
		job.UpdatedAt.Add(s.expiry),
		job.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update job for reschedule")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO job_type_index (job_type, job_id, score)
		VALUES (?, ?, ?)`,
		job.Type, job.ID, job.ScheduledAt.Unix())
	if err != nil {
		return errors.Wrap(err, "failed to re-index job")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit reschedule")
	}
	return nil
}

// ListUserJobs returns a user's jobs in recency order (user-index score
// descending), optionally filtered by status.
func (s *Store) ListUserJobs(ctx context.Context, userRef string, status *Status, limit int, now time.Time) ([]*Job, error) {
	query := `
		SELECT ` + prefixedJobColumns("j") + `
		FROM jobs j
		INNER JOIN user_job_index u ON u.job_id = j.id
		WHERE u.user_ref = ? AND j.expires_at > ?`
	args := []interface{}{userRef, now}
	if status != nil {
		query += ` AND j.status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY u.score DESC, j.created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list user jobs")
	}
	return scanJobs(rows, "user jobs")
}

// QueueDepth returns the current type-index cardinality for one job type,
// not a cumulative historical count.
func (s *Store) QueueDepth(ctx context.Context, jobType JobType) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_type_index WHERE job_type = ?`, jobType).Scan(&depth)
	if err != nil {
		return 0, errors.Wrap(err, "failed to get queue depth")
	}
	return depth, nil
}

// QueueDepths returns the index cardinality for every known job type.
func (s *Store) QueueDepths(ctx context.Context) (map[JobType]int, error) {
	depths := make(map[JobType]int, len(JobTypes()))
	for _, t := range JobTypes() {
		depths[t] = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_type, COUNT(*) FROM job_type_index GROUP BY job_type`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get queue depths")
	}
	defer rows.Close()

	for rows.Next() {
		var jobType JobType
		var count int
		if err := rows.Scan(&jobType, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan queue depth")
		}
		depths[jobType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating queue depths")
	}
	return depths, nil
}

// CleanupJobs removes terminal jobs past the cutoff: Completed/Failed by
// completed_at, DeadLetter by created_at. Index entries go in the same
// transaction. Pending/Processing/Retrying jobs are never touched.
func (s *Store) CleanupJobs(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin cleanup transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM jobs
		WHERE (status IN (?, ?) AND completed_at IS NOT NULL AND completed_at < ?)
		   OR (status = ? AND created_at < ?)`,
		StatusCompleted, StatusFailed, cutoff, StatusDeadLetter, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to select cleanup candidates")
	}

	ids, err := collectIDs(rows)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, tx.Commit()
	}

	if err := deleteJobRows(ctx, tx, ids); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit cleanup")
	}
	return len(ids), nil
}

// PurgeExpired removes records whose expiry has passed, regardless of
// status, emulating store-level TTL.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin purge transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM jobs WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to select expired jobs")
	}

	ids, err := collectIDs(rows)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, tx.Commit()
	}

	if err := deleteJobRows(ctx, tx, ids); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit purge")
	}
	return len(ids), nil
}

// RequeueStale returns Processing jobs whose started_at is older than the
// cutoff back to Pending and re-indexes them. Operator-facing reaper for
// jobs abandoned by a crashed process.
func (s *Store) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin requeue transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, job_type FROM jobs
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		StatusProcessing, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to select stale jobs")
	}

	type staleJob struct {
		id      string
		jobType JobType
	}
	var stale []staleJob
	for rows.Next() {
		var sj staleJob
		if err := rows.Scan(&sj.id, &sj.jobType); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "failed to scan stale job")
		}
		stale = append(stale, sj)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "error iterating stale jobs")
	}
	if len(stale) == 0 {
		return 0, tx.Commit()
	}

	for _, sj := range stale {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, started_at = NULL, scheduled_at = ?, updated_at = ?, expires_at = ?
			WHERE id = ?`,
			StatusPending, now, now, now.Add(s.expiry), sj.id)
		if err != nil {
			return 0, errors.Wrapf(err, "failed to requeue stale job %s", sj.id)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO job_type_index (job_type, job_id, score)
			VALUES (?, ?, ?)`,
			sj.jobType, sj.id, now.Unix())
		if err != nil {
			return 0, errors.Wrapf(err, "failed to re-index stale job %s", sj.id)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit requeue")
	}
	return len(stale), nil
}

// CountByStatus returns live job counts per status.
func (s *Store) CountByStatus(ctx context.Context, now time.Time) (map[Status]int, error) {
	counts := make(map[Status]int)

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE expires_at > ? GROUP BY status`, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count jobs by status")
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan status count")
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating status counts")
	}
	return counts, nil
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, what string) ([]*Job, error) {
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := scanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return jobs, nil
}

// collectIDs drains an id-only result set.
func collectIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan job id")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job ids")
	}
	return ids, nil
}

// deleteJobRows removes jobs and their index entries inside tx.
func deleteJobRows(ctx context.Context, tx *sql.Tx, ids []string) error {
	in := placeholders(len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM user_job_index WHERE job_id IN (`+in+`)`, args...); err != nil {
		return errors.Wrap(err, "failed to delete user index entries")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM job_type_index WHERE job_id IN (`+in+`)`, args...); err != nil {
		return errors.Wrap(err, "failed to delete type index entries")
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE id IN (`+in+`)`, args...); err != nil {
		return errors.Wrap(err, "failed to delete jobs")
	}
	return nil
}

// placeholders returns "?, ?, ..." with n placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// prefixedJobColumns returns standardJobColumns with a table alias prefix.
func prefixedJobColumns(alias string) string {
	cols := strings.Split(standardJobColumns(), ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// nullString maps "" to NULL for optional text columns.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
