package async

import (
	"database/sql"
	"time"
)

// JobScanArgs holds the nullable columns scanned alongside a Job.
type JobScanArgs struct {
	Payload    []byte
	ParentID   sql.NullInt64
	ClaimedBy  sql.NullString
	ClaimedAt  sql.NullTime
	StartedAt  sql.NullTime
	FinishedAt sql.NullTime
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan destinations in StandardJobSelectColumns order
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Kind,
		&job.Status,
		&args.Payload,
		&args.ParentID,
		&job.IsMaster,
		&job.Active,
		&job.Result,
		&args.ClaimedBy,
		&job.CancelRequested,
		&job.StopRequested,
		&job.ScheduledAt,
		&args.ClaimedAt,
		&args.StartedAt,
		&args.FinishedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	}
}

// ProcessJobScanArgs copies the scanned nullable values into job.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if len(args.Payload) > 0 {
		job.Payload = append([]byte(nil), args.Payload...)
	}
	if args.ParentID.Valid {
		id := args.ParentID.Int64
		job.ParentID = &id
	}
	if args.ClaimedBy.Valid {
		job.ClaimedBy = args.ClaimedBy.String
	}
	job.ClaimedAt = nullTime(args.ClaimedAt)
	job.StartedAt = nullTime(args.StartedAt)
	job.FinishedAt = nullTime(args.FinishedAt)
	job.ScheduledAt = job.ScheduledAt.UTC()
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans a single job from a *sql.Row or *sql.Rows
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	args := GetJobScanArgs()
	if err := row.Scan(GetJobScanTargets(&job, args)...); err != nil {
		return nil, err
	}
	ProcessJobScanArgs(&job, args)
	return &job, nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, kind, status, payload, parent_id, is_master, active, result,
		claimed_by, cancel_requested, stop_requested,
		scheduled_at, claimed_at, started_at, finished_at, created_at, updated_at`
}
