package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// jobScanArgs holds the nullable column targets for scanning a job row.
type jobScanArgs struct {
	Payload     sql.NullString
	UserRef     sql.NullString
	Provider    sql.NullString
	ErrorMsg    sql.NullString
	ProgressRaw sql.NullString
	StartedAt   sql.NullTime
	CompletedAt sql.NullTime
}

// jobScanTargets returns scan destinations for the job and its nullable
// columns, in the order of standardJobColumns.
func jobScanTargets(job *Job, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Type,
		&job.Priority,
		&args.Payload,
		&args.UserRef,
		&args.Provider,
		&job.Status,
		&job.RetryCount,
		&job.MaxRetries,
		&args.ErrorMsg,
		&args.ProgressRaw,
		&job.CreatedAt,
		&job.ScheduledAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.UpdatedAt,
	}
}

// applyJobScanArgs copies the scanned nullable columns onto the job.
func applyJobScanArgs(job *Job, args *jobScanArgs) error {
	if args.Payload.Valid {
		job.Payload = json.RawMessage(args.Payload.String)
	}
	if args.UserRef.Valid {
		job.UserRef = args.UserRef.String
	}
	if args.Provider.Valid {
		job.Provider = args.Provider.String
	}
	if args.ErrorMsg.Valid {
		job.Error = args.ErrorMsg.String
	}
	if args.ProgressRaw.Valid {
		progress, err := UnmarshalProgress(args.ProgressRaw.String)
		if err != nil {
			return fmt.Errorf("failed to unmarshal progress for job %s: %w", job.ID, err)
		}
		job.Progress = progress
	}
	if args.StartedAt.Valid {
		job.StartedAt = &args.StartedAt.Time
	}
	if args.CompletedAt.Valid {
		job.CompletedAt = &args.CompletedAt.Time
	}
	return nil
}

// scanJobFromRow scans a single job from a sql.Row
func scanJobFromRow(row *sql.Row, job *Job) error {
	args := &jobScanArgs{}
	if err := row.Scan(jobScanTargets(job, args)...); err != nil {
		return err
	}
	return applyJobScanArgs(job, args)
}

// scanJobFromRows scans a single job from sql.Rows (for use in loops)
func scanJobFromRows(rows *sql.Rows, job *Job) error {
	args := &jobScanArgs{}
	if err := rows.Scan(jobScanTargets(job, args)...); err != nil {
		return err
	}
	return applyJobScanArgs(job, args)
}

// standardJobColumns is the column list matching jobScanTargets order.
func standardJobColumns() string {
	return `id, job_type, priority, payload, user_ref, provider, status,
		retry_count, max_retries, error, progress,
		created_at, scheduled_at, started_at, completed_at, updated_at`
}
