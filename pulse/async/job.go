// Package async provides durable jobs with an atomic claim, a forward-only
// state machine, and pulse-driven pollers that dispatch claimed jobs to handlers.
package async

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teranos/fleet/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusClaimed   JobStatus = "claimed"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusError     JobStatus = "error"
	JobStatusCanceled  JobStatus = "canceled"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []JobStatus{
	JobStatusPending, JobStatusClaimed, JobStatusRunning,
	JobStatusCompleted, JobStatusError, JobStatusCanceled,
}

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	for _, status := range AllStatuses {
		if JobStatus(s) == status {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusError || s == JobStatusCanceled
}

// Statuses only move forward. canceled is reachable before execution starts;
// claimed -> error covers executors that cannot start and expired leases.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusClaimed, JobStatusCanceled},
	JobStatusClaimed: {JobStatusRunning, JobStatusCanceled, JobStatusError},
	JobStatusRunning: {JobStatusCompleted, JobStatusError},
}

// CanTransition reports whether from -> to is a legal move
func CanTransition(from, to JobStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is a durable unit of orchestrated work.
//
// Payload is owned by the handler registered for Kind; the store never looks inside.
// By convention the "plan" and "progress" sections are shared with the controller.
type Job struct {
	ID              int64           `json:"id"`
	Kind            string          `json:"kind"`
	Status          JobStatus       `json:"status"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ParentID        *int64          `json:"parent_id,omitempty"`
	IsMaster        bool            `json:"is_master"`
	Active          bool            `json:"active"`
	Result          string          `json:"result,omitempty"`
	ClaimedBy       string          `json:"claimed_by,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	StopRequested   bool            `json:"stop_requested,omitempty"`
	ScheduledAt     time.Time       `json:"scheduled_at"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// EnqueueRequest describes a job to create.
// A zero ScheduledAt means "now".
type EnqueueRequest struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at,omitempty"`
	ParentID    *int64          `json:"parent_id,omitempty"`
	IsMaster    bool            `json:"is_master,omitempty"`
}

func (r EnqueueRequest) validate() error {
	if r.Kind == "" {
		return errors.NewInvalidRequestError("job kind cannot be empty")
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return errors.NewInvalidRequestError("payload for kind %s is not valid JSON", r.Kind)
	}
	return nil
}

// DecodePayload unmarshals the job payload into v
func (j *Job) DecodePayload(v interface{}) error {
	if len(j.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		err = errors.Wrap(err, "failed to decode job payload")
		return errors.WithDetail(err, fmt.Sprintf("Job ID: %d", j.ID))
	}
	return nil
}

// PayloadSection decodes the top-level key of a payload object into v.
// A missing key leaves v untouched and reports false.
func PayloadSection(payload json.RawMessage, key string, v interface{}) (bool, error) {
	if len(payload) == 0 {
		return false, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		return false, errors.Wrap(err, "payload is not a JSON object")
	}
	raw, ok := doc[key]
	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, errors.Wrapf(err, "failed to decode payload section %q", key)
	}
	return true, nil
}

// SetPayloadSection returns payload with key replaced by v; other keys are preserved.
func SetPayloadSection(payload json.RawMessage, key string, v interface{}) (json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, errors.Wrap(err, "payload is not a JSON object")
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode payload section %q", key)
	}
	doc[key] = raw
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode payload")
	}
	return out, nil
}
