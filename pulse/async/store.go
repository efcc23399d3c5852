package async

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/teranos/fleet/db"
	"github.com/teranos/fleet/errors"
)

// Store handles persistence of jobs
type Store struct {
	db      *sql.DB
	dialect db.Dialect
	now     func() time.Time

	// SQLite has no row locks; read-modify-write of a payload is serialized here
	// on top of the immediate transaction.
	payloadMu sync.Mutex
}

// NewStore creates a job store for the given dialect
func NewStore(conn *sql.DB, dialect db.Dialect) *Store {
	return &Store{
		db:      conn,
		dialect: dialect,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Dialect reports the SQL flavour the store speaks
func (s *Store) Dialect() db.Dialect {
	return s.dialect
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

// Enqueue persists a pending job and returns its id
func (s *Store) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}

	now := s.now()
	scheduledAt := req.ScheduledAt.UTC()
	if req.ScheduledAt.IsZero() {
		scheduledAt = now
	}
	payload := string(req.Payload)
	if payload == "" {
		payload = "{}"
	}
	var parentID sql.NullInt64
	if req.ParentID != nil {
		parentID = sql.NullInt64{Int64: *req.ParentID, Valid: true}
	}

	var id int64
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO jobs (kind, status, payload, parent_id, is_master, active, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		req.Kind, JobStatusPending, payload, parentID, req.IsMaster, true, scheduledAt, now, now,
	).Scan(&id)
	if err != nil {
		err = storeErr(err, "failed to enqueue job", 0)
		return 0, errors.WithDetail(err, fmt.Sprintf("Kind: %s", req.Kind))
	}
	return id, nil
}

// ClaimNext atomically claims the oldest due, active, non-master pending job.
// Returns nil when nothing is claimable. Two concurrent callers never receive
// the same job: Postgres skips rows locked by other claimants, SQLite serializes
// writers, and the outer status guard makes the transition a compare-and-set.
func (s *Store) ClaimNext(ctx context.Context, claimant string, kinds ...string) (*Job, error) {
	now := s.now()

	var kindFilter string
	args := []interface{}{claimant, now, now, true, false, now}
	if len(kinds) > 0 {
		kindFilter = " AND kind IN (" + db.Placeholders(len(kinds)) + ")"
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	var lockClause string
	if s.dialect == db.Postgres {
		lockClause = " FOR UPDATE SKIP LOCKED"
	}

	query := `
		UPDATE jobs SET status = 'claimed', claimed_by = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = 'pending' AND active = ? AND is_master = ? AND scheduled_at <= ?` + kindFilter + `
			ORDER BY scheduled_at, created_at, id
			LIMIT 1` + lockClause + `
		) AND status = 'pending'
		RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, s.q(query), args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		if db.IsContention(err) {
			return nil, errors.Mark(errors.Wrap(err, "claim contended"), ErrClaimConflict)
		}
		return nil, storeErr(err, "failed to claim job", 0)
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		// Deleted between claim and read
		return nil, nil
	}
	return job, nil
}

// Get retrieves a job by id; nil when absent
func (s *Store) Get(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+StandardJobSelectColumns()+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr(err, "failed to get job", id)
	}
	return job, nil
}

// UpdateStatus moves a job to status, recording result.
// The update is a compare-and-set on the status read, so a concurrent
// transition makes this call fail with ErrInvalidTransition instead of
// overwriting the other writer.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status JobStatus, result string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return jobNotFound(id)
	}
	return s.transition(ctx, s.db, job.ID, job.Status, status, result)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *Store) transition(ctx context.Context, ex execer, id int64, from, to JobStatus, result string) error {
	if !CanTransition(from, to) {
		return invalidTransition(id, from, to)
	}

	now := s.now()
	set := []string{"status = ?", "result = ?", "updated_at = ?"}
	args := []interface{}{to, result, now}
	switch {
	case to == JobStatusRunning:
		set = append(set, "started_at = ?")
		args = append(args, now)
	case to.Terminal():
		set = append(set, "finished_at = ?")
		args = append(args, now)
	}
	args = append(args, id, from)

	res, err := ex.ExecContext(ctx, s.q(`UPDATE jobs SET `+strings.Join(set, ", ")+` WHERE id = ? AND status = ?`), args...)
	if err != nil {
		return storeErr(err, "failed to update job status", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err, "failed to get rows affected", id)
	}
	if n == 0 {
		err := invalidTransition(id, from, to)
		return errors.WithDetail(err, "status changed concurrently")
	}
	return nil
}

// UpdatePayload replaces the payload; last writer wins
func (s *Store) UpdatePayload(ctx context.Context, id int64, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return errors.NewInvalidRequestError("payload for job %d is not valid JSON", id)
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET payload = ?, updated_at = ? WHERE id = ?`),
		string(payload), s.now(), id)
	if err != nil {
		return storeErr(err, "failed to update payload", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return jobNotFound(id)
	}
	return nil
}

// MutatePayload runs a read-modify-write of the payload in one transaction
// and returns the stored result. fn must not touch the store.
func (s *Store) MutatePayload(ctx context.Context, id int64, fn func(json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error) {
	if s.dialect == db.SQLite {
		s.payloadMu.Lock()
		defer s.payloadMu.Unlock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(err, "failed to begin payload transaction", id)
	}
	defer tx.Rollback()

	selectQuery := `SELECT payload FROM jobs WHERE id = ?`
	if s.dialect == db.Postgres {
		selectQuery += ` FOR UPDATE`
	}
	var current []byte
	err = tx.QueryRowContext(ctx, s.q(selectQuery), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobNotFound(id)
	}
	if err != nil {
		return nil, storeErr(err, "failed to read payload", id)
	}

	next, err := fn(json.RawMessage(current))
	if err != nil {
		return nil, err
	}
	if !json.Valid(next) {
		return nil, errors.NewInvalidRequestError("mutated payload for job %d is not valid JSON", id)
	}

	if _, err := tx.ExecContext(ctx, s.q(`UPDATE jobs SET payload = ?, updated_at = ? WHERE id = ?`),
		string(next), s.now(), id); err != nil {
		return nil, storeErr(err, "failed to write payload", id)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr(err, "failed to commit payload", id)
	}
	return next, nil
}

// Filter narrows List. Zero values mean "any".
type Filter struct {
	Statuses []JobStatus
	Kind     string
	ParentID *int64
	Limit    int
}

// DefaultListLimit caps List when Filter.Limit is zero
const DefaultListLimit = 100

// List returns jobs matching f, newest first
func (s *Store) List(ctx context.Context, f Filter) ([]*Job, error) {
	var where []string
	var args []interface{}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+db.Placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}
	if f.ParentID != nil {
		where = append(where, "parent_id = ?")
		args = append(args, *f.ParentID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, storeErr(err, "failed to list jobs", 0)
	}
	defer rows.Close()

	return scanJobs(rows, "jobs")
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows, context string) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "error iterating "+context, 0)
	}
	return jobs, nil
}

// CountByStatus returns job counts keyed by status
func (s *Store) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, storeErr(err, "failed to count jobs", 0)
	}
	defer rows.Close()

	counts := make(map[JobStatus]int, len(AllStatuses))
	for rows.Next() {
		var status JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storeErr(err, "failed to scan job count", 0)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "error iterating job counts", 0)
	}
	return counts, nil
}

// Delete removes a job. Non-terminal children are canceled first: pending and
// claimed children move to canceled, running children get the cancel flag.
// Returns the number of children affected.
func (s *Store) Delete(ctx context.Context, id int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr(err, "failed to begin delete", id)
	}
	defer tx.Rollback()

	now := s.now()
	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = 'canceled', result = ?, finished_at = ?, updated_at = ?
		WHERE parent_id = ? AND status IN ('pending', 'claimed')`),
		ResultParentDeleted, now, now, id)
	if err != nil {
		return 0, storeErr(err, "failed to cancel child jobs", id)
	}
	canceled, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, s.q(`
		UPDATE jobs SET cancel_requested = ?, updated_at = ?
		WHERE parent_id = ? AND status = 'running'`),
		true, now, id)
	if err != nil {
		return 0, storeErr(err, "failed to flag running child jobs", id)
	}
	flagged, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return 0, storeErr(err, "failed to delete job", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, jobNotFound(id)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr(err, "failed to commit delete", id)
	}
	return int(canceled + flagged), nil
}

// Cancel stops a job as far as its status allows: pending and claimed jobs
// become canceled, running jobs get the cooperative cancel flag, finished jobs
// are rejected.
func (s *Store) Cancel(ctx context.Context, id int64) error {
	// Two attempts: a claimed job may start running between read and write.
	for attempt := 0; attempt < 2; attempt++ {
		job, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if job == nil {
			return jobNotFound(id)
		}

		switch job.Status {
		case JobStatusPending, JobStatusClaimed:
			err := s.transition(ctx, s.db, id, job.Status, JobStatusCanceled, ResultCanceled)
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return err
		case JobStatusRunning:
			return s.setFlag(ctx, id, "cancel_requested", true)
		default:
			return invalidTransition(id, job.Status, JobStatusCanceled)
		}
	}
	return errors.Mark(errors.Newf("job %d changed status while canceling", id), errors.ErrConflict)
}

// Stop asks a recurring job to finish after its current pass
func (s *Store) Stop(ctx context.Context, id int64) error {
	return s.setFlag(ctx, id, "stop_requested", true)
}

// Pause makes a pending job unclaimable until Resume
func (s *Store) Pause(ctx context.Context, id int64) error {
	return s.setFlag(ctx, id, "active", false)
}

// Resume makes a paused job claimable again
func (s *Store) Resume(ctx context.Context, id int64) error {
	return s.setFlag(ctx, id, "active", true)
}

// setFlag updates a boolean column of a non-terminal job
func (s *Store) setFlag(ctx context.Context, id int64, column string, value bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET `+column+` = ?, updated_at = ?
		WHERE id = ? AND status NOT IN ('completed', 'error', 'canceled')`),
		value, s.now(), id)
	if err != nil {
		return storeErr(err, "failed to set "+column, id)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return jobNotFound(id)
	}
	err = errors.Newf("job %d already finished (%s)", id, job.Status)
	return errors.Mark(err, errors.ErrConflict)
}

// Heartbeat bumps updated_at so the lease reaper leaves a long-running job alone
func (s *Store) Heartbeat(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, s.q(`UPDATE jobs SET updated_at = ? WHERE id = ? AND status IN ('claimed', 'running')`),
		s.now(), id)
	if err != nil {
		return storeErr(err, "failed to heartbeat job", id)
	}
	return nil
}

// Continue completes a claimed or running job as partial progress and enqueues
// its continuation (same kind, new payload, parent_id = job id) atomically.
func (s *Store) Continue(ctx context.Context, id int64, payload json.RawMessage, delay time.Duration, result string) (int64, error) {
	if len(payload) > 0 && !json.Valid(payload) {
		return 0, errors.NewInvalidRequestError("continuation payload for job %d is not valid JSON", id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storeErr(err, "failed to begin continuation", id)
	}
	defer tx.Rollback()

	var kind string
	var status JobStatus
	err = tx.QueryRowContext(ctx, s.q(`SELECT kind, status FROM jobs WHERE id = ?`), id).Scan(&kind, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, jobNotFound(id)
	}
	if err != nil {
		return 0, storeErr(err, "failed to read job", id)
	}

	// claimed -> completed is not a legal single step; record running first.
	if status == JobStatusClaimed {
		if err := s.transition(ctx, tx, id, JobStatusClaimed, JobStatusRunning, ""); err != nil {
			return 0, err
		}
		status = JobStatusRunning
	}
	if err := s.transition(ctx, tx, id, status, JobStatusCompleted, result); err != nil {
		return 0, err
	}

	now := s.now()
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var nextID int64
	err = tx.QueryRowContext(ctx, s.q(`
		INSERT INTO jobs (kind, status, payload, parent_id, is_master, active, scheduled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		kind, JobStatusPending, string(payload), id, false, true, now.Add(delay), now, now,
	).Scan(&nextID)
	if err != nil {
		return 0, storeErr(err, "failed to enqueue continuation", id)
	}

	if err := tx.Commit(); err != nil {
		return 0, storeErr(err, "failed to commit continuation", id)
	}
	return nextID, nil
}

// Replacement links a job expired by the reaper to the job that replaces it
type Replacement struct {
	ExpiredID     int64
	ReplacementID int64
}

// ReapExpired fails claimed or running jobs whose last update is older than
// lease and enqueues a replacement carrying the same kind and payload.
// A zero lease disables reaping.
func (s *Store) ReapExpired(ctx context.Context, lease time.Duration) ([]Replacement, error) {
	if lease <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(err, "failed to begin reap", 0)
	}
	defer tx.Rollback()

	now := s.now()
	cutoff := now.Add(-lease)

	type expired struct {
		id      int64
		kind    string
		status  JobStatus
		payload []byte
	}
	rows, err := tx.QueryContext(ctx, s.q(`
		SELECT id, kind, status, payload FROM jobs
		WHERE status IN ('claimed', 'running') AND updated_at < ?
		ORDER BY id`), cutoff)
	if err != nil {
		return nil, storeErr(err, "failed to find expired jobs", 0)
	}
	var candidates []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.kind, &e.status, &e.payload); err != nil {
			rows.Close()
			return nil, storeErr(err, "failed to scan expired job", 0)
		}
		candidates = append(candidates, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "error iterating expired jobs", 0)
	}

	var out []Replacement
	for _, e := range candidates {
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE jobs SET status = 'error', result = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND updated_at < ?`),
			ResultLeaseExpired, now, now, e.id, e.status, cutoff)
		if err != nil {
			return nil, storeErr(err, "failed to expire job", e.id)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}

		var nextID int64
		err = tx.QueryRowContext(ctx, s.q(`
			INSERT INTO jobs (kind, status, payload, parent_id, is_master, active, scheduled_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`),
			e.kind, JobStatusPending, string(e.payload), e.id, false, true, now, now, now,
		).Scan(&nextID)
		if err != nil {
			return nil, storeErr(err, "failed to enqueue replacement", e.id)
		}
		out = append(out, Replacement{ExpiredID: e.id, ReplacementID: nextID})
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr(err, "failed to commit reap", 0)
	}
	return out, nil
}
