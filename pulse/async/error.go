package async

import (
	"fmt"

	"github.com/teranos/fleet/errors"
)

var (
	// ErrInvalidTransition is returned for a status move the state machine forbids,
	// including a compare-and-set that lost to a concurrent writer.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrClaimConflict means another claimant won a contended claim; retry next tick.
	ErrClaimConflict = errors.New("claim conflict")

	// ErrStoreUnavailable marks failures reaching the database.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrDetached is returned by a handler that keeps the job running after Execute
	// returns (recurring watches). The pool leaves the status untouched.
	ErrDetached = errors.New("job detached from worker")

	// ErrNoEligibleResources means no healthy resource is left to run the job.
	ErrNoEligibleResources = errors.New("no eligible resources")

	// ErrCanceled is returned by handlers that observed an operator cancel mid-run.
	ErrCanceled = errors.New("canceled by operator")
)

// Result strings written by the core
const (
	ResultLeaseExpired   = "claim lease expired"
	ResultParentDeleted  = "parent job deleted"
	ResultHandedOff      = "handed off at shutdown"
	ResultStoreOutage    = "store unavailable, handed off"
	ResultStopped        = "stopped"
	ResultNoHandler      = "no handler registered"
	ResultCanceled       = "canceled by operator"
	ResultNoEligibleRsrc = "no eligible resources"
)

func invalidTransition(id int64, from, to JobStatus) error {
	err := errors.Wrapf(ErrInvalidTransition, "job %d cannot move from %s to %s", id, from, to)
	err = errors.WithDetail(err, fmt.Sprintf("Job ID: %d", id))
	return errors.Mark(err, errors.ErrConflict)
}

func jobNotFound(id int64) error {
	return errors.NewNotFoundError("job %d not found", id)
}

// storeErr wraps a database failure and marks it unavailable.
func storeErr(err error, msg string, id int64) error {
	err = errors.Mark(errors.Wrap(err, msg), ErrStoreUnavailable)
	if id != 0 {
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %d", id))
	}
	return err
}

// IsStoreOutage reports whether err means the store (or a service standing in
// for it) could not be reached. Such an error never fails a job.
func IsStoreOutage(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.IsServiceUnavailableError(err)
}

// ReasonFor maps a handler error to the result recorded on the job.
func ReasonFor(err error) string {
	switch {
	case errors.Is(err, ErrNoEligibleResources):
		return ResultNoEligibleRsrc
	case errors.Is(err, ErrCanceled):
		return ResultCanceled
	default:
		return err.Error()
	}
}
