package resource

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/teranos/fleet/db"
	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/remote"
)

// Resource is one worker identity
type Resource struct {
	ID            int64          `json:"id"`
	Label         string         `json:"label"`
	Status        Status         `json:"status"`
	StatusReason  string         `json:"status_reason,omitempty"`
	SessionHandle []byte         `json:"-"`
	Egress        *remote.Egress `json:"egress,omitempty"`
	CooldownUntil *time.Time     `json:"cooldown_until,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Remote returns what a remote.Client needs to connect this resource
func (r *Resource) Remote() remote.Resource {
	return remote.Resource{
		ID:            r.ID,
		Label:         r.Label,
		SessionHandle: r.SessionHandle,
		Egress:        r.Egress,
	}
}

// CreateRequest describes a resource to register
type CreateRequest struct {
	Label         string         `json:"label" validate:"required,max=128"`
	SessionHandle []byte         `json:"session_handle,omitempty"`
	Egress        *remote.Egress `json:"egress,omitempty"`
}

// ErrConflict marks a label that is already registered
var ErrConflict = errors.New("resource already exists")

// Registry persists resources and guards their status transitions
type Registry struct {
	db       *sql.DB
	dialect  db.Dialect
	validate *validator.Validate
	logger   *zap.SugaredLogger
	now      func() time.Time
}

// NewRegistry creates a registry for the given dialect
func NewRegistry(conn *sql.DB, dialect db.Dialect, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		db:       conn,
		dialect:  dialect,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Named("resource"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *Registry) q(query string) string {
	return r.dialect.Rebind(query)
}

const selectColumns = `id, label, status, status_reason, session_handle, egress_config, cooldown_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResource(row rowScanner) (*Resource, error) {
	var res Resource
	var egress []byte
	var cooldown sql.NullTime
	if err := row.Scan(&res.ID, &res.Label, &res.Status, &res.StatusReason, &res.SessionHandle,
		&egress, &cooldown, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return nil, err
	}
	if len(egress) > 0 {
		var e remote.Egress
		if err := json.Unmarshal(egress, &e); err != nil {
			err = errors.Wrap(err, "failed to decode egress config")
			return nil, errors.WithDetail(err, fmt.Sprintf("Resource ID: %d", res.ID))
		}
		res.Egress = &e
	}
	if cooldown.Valid {
		t := cooldown.Time.UTC()
		res.CooldownUntil = &t
	}
	res.CreatedAt = res.CreatedAt.UTC()
	res.UpdatedAt = res.UpdatedAt.UTC()
	return &res, nil
}

func resourceNotFound(id int64) error {
	return errors.NewNotFoundError("resource %d not found", id)
}

func dbErr(err error, msg string, id int64) error {
	err = errors.Mark(errors.Wrap(err, msg), errors.ErrServiceUnavailable)
	if id != 0 {
		err = errors.WithDetail(err, fmt.Sprintf("Resource ID: %d", id))
	}
	return err
}

// Create registers a resource in status new
func (r *Registry) Create(ctx context.Context, req CreateRequest) (int64, error) {
	if err := r.validate.StructCtx(ctx, req); err != nil {
		return 0, errors.Mark(errors.Wrap(err, "invalid resource"), errors.ErrInvalidRequest)
	}

	var egress interface{}
	if req.Egress != nil {
		raw, err := json.Marshal(req.Egress)
		if err != nil {
			return 0, errors.Wrap(err, "failed to encode egress config")
		}
		egress = string(raw)
	}

	now := r.now()
	var id int64
	err := r.db.QueryRowContext(ctx, r.q(`
		INSERT INTO resources (label, status, session_handle, egress_config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		req.Label, StatusNew, req.SessionHandle, egress, now, now,
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			err = errors.Mark(errors.Wrapf(ErrConflict, "label %q", req.Label), errors.ErrConflict)
			return 0, err
		}
		return 0, dbErr(err, "failed to create resource", 0)
	}
	r.logger.Infow("Resource registered", "resource_id", id, "label", req.Label)
	return id, nil
}

// Get returns a resource; nil when absent
func (r *Registry) Get(ctx context.Context, id int64) (*Resource, error) {
	row := r.db.QueryRowContext(ctx, r.q(`SELECT `+selectColumns+` FROM resources WHERE id = ?`), id)
	res, err := scanResource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbErr(err, "failed to get resource", id)
	}
	return res, nil
}

// List returns resources in the given statuses (all when none), by id
func (r *Registry) List(ctx context.Context, statuses ...Status) ([]*Resource, error) {
	query := `SELECT ` + selectColumns + ` FROM resources`
	var args []interface{}
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + db.Placeholders(len(statuses)) + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY id`

	rows, err := r.db.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, dbErr(err, "failed to list resources", 0)
	}
	defer rows.Close()

	var out []*Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, dbErr(err, "failed to scan resource", 0)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "error iterating resources", 0)
	}
	return out, nil
}

// Eligible filters ids down to resources that may take work, keeping order.
// Rate-limited resources whose cooldown has passed are revived first.
func (r *Registry) Eligible(ctx context.Context, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := r.ReviveCooledDown(ctx); err != nil {
		return nil, err
	}

	args := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := r.db.QueryContext(ctx, r.q(`
		SELECT id FROM resources
		WHERE id IN (`+db.Placeholders(len(ids))+`) AND status IN ('new', 'active')`), args...)
	if err != nil {
		return nil, dbErr(err, "failed to check eligibility", 0)
	}
	defer rows.Close()

	ok := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, dbErr(err, "failed to scan resource id", 0)
		}
		ok[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err, "error iterating resource ids", 0)
	}

	out := make([]int64, 0, len(ok))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if ok[id] && !seen[id] {
			out = append(out, id)
			seen[id] = true
		}
	}
	return out, nil
}

// MarkStatus moves a resource to status with a reason. Marking the status it
// already has is a no-op; a move the table forbids returns an ErrConflict.
// cooldown applies to rate_limited only.
func (r *Registry) MarkStatus(ctx context.Context, id int64, to Status, reason string, cooldown time.Duration) error {
	res, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if res == nil {
		return resourceNotFound(id)
	}
	if res.Status == to {
		return nil
	}
	if !CanTransition(res.Status, to) {
		err := errors.Newf("resource %d cannot move from %s to %s", id, res.Status, to)
		return errors.Mark(err, errors.ErrConflict)
	}

	now := r.now()
	var until interface{}
	if to == StatusRateLimited && cooldown > 0 {
		until = now.Add(cooldown)
	}
	result, err := r.db.ExecContext(ctx, r.q(`
		UPDATE resources SET status = ?, status_reason = ?, cooldown_until = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		to, reason, until, now, id, res.Status)
	if err != nil {
		return dbErr(err, "failed to update resource status", id)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Lost to a concurrent writer; re-evaluate against the new status.
		return r.MarkStatus(ctx, id, to, reason, cooldown)
	}

	r.logger.Infow("Resource status changed",
		"resource_id", id,
		"from", res.Status,
		"to", to,
		"reason", reason)
	return nil
}

// Reinstate returns a resource to active regardless of its status.
// It is the operator's way out of needs_reauth, frozen and banned.
func (r *Registry) Reinstate(ctx context.Context, id int64, reason string) error {
	result, err := r.db.ExecContext(ctx, r.q(`
		UPDATE resources SET status = 'active', status_reason = ?, cooldown_until = NULL, updated_at = ?
		WHERE id = ?`), reason, r.now(), id)
	if err != nil {
		return dbErr(err, "failed to reinstate resource", id)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return resourceNotFound(id)
	}
	r.logger.Infow("Resource reinstated", "resource_id", id, "reason", reason)
	return nil
}

// ReviveCooledDown moves rate_limited resources whose cooldown has passed back to active
func (r *Registry) ReviveCooledDown(ctx context.Context) (int, error) {
	now := r.now()
	result, err := r.db.ExecContext(ctx, r.q(`
		UPDATE resources SET status = 'active', status_reason = '', cooldown_until = NULL, updated_at = ?
		WHERE status = 'rate_limited' AND cooldown_until IS NOT NULL AND cooldown_until <= ?`), now, now)
	if err != nil {
		return 0, dbErr(err, "failed to revive resources", 0)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		r.logger.Infow("Resources revived after cooldown", "count", n)
	}
	return int(n), nil
}

// UpdateSession stores new session material, e.g. after re-authentication
func (r *Registry) UpdateSession(ctx context.Context, id int64, handle []byte) error {
	result, err := r.db.ExecContext(ctx, r.q(`UPDATE resources SET session_handle = ?, updated_at = ? WHERE id = ?`),
		handle, r.now(), id)
	if err != nil {
		return dbErr(err, "failed to update session", id)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return resourceNotFound(id)
	}
	return nil
}

// Delete removes a resource
func (r *Registry) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, r.q(`DELETE FROM resources WHERE id = ?`), id)
	if err != nil {
		return dbErr(err, "failed to delete resource", id)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return resourceNotFound(id)
	}
	return nil
}

// ParseStatuses converts a comma separated list, rejecting unknown names
func ParseStatuses(list string) ([]Status, error) {
	if strings.TrimSpace(list) == "" {
		return nil, nil
	}
	var out []Status
	for _, s := range strings.Split(list, ",") {
		s = strings.TrimSpace(s)
		if !IsValidStatus(s) {
			return nil, errors.NewInvalidRequestError("unknown resource status %q", s)
		}
		out = append(out, Status(s))
	}
	return out, nil
}
