package remote

import (
	"fmt"
	"time"
)

// RateLimitedError asks the caller to wait before calling again.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: retry after %s", e.RetryAfter)
}

// Resource statuses a client can report through InvalidResourceError.
// They mirror the registry's failure statuses.
const (
	StatusNeedsReauth = "needs_reauth"
	StatusFrozen      = "frozen"
	StatusBanned      = "banned"
)

// InvalidResourceError means the session can no longer be used.
type InvalidResourceError struct {
	Status string
	Reason string
}

func (e *InvalidResourceError) Error() string {
	return fmt.Sprintf("resource invalid (%s): %s", e.Status, e.Reason)
}

// TargetError is a permanent failure of one target (private, gone, forbidden).
type TargetError struct {
	Reason string
}

func (e *TargetError) Error() string {
	return "target failed: " + e.Reason
}

// UnknownError is a failure the client could not classify.
type UnknownError struct {
	Reason string
}

func (e *UnknownError) Error() string {
	return "unknown remote error: " + e.Reason
}

// ConnectError wraps a failure to open a session.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string {
	return "connect: " + e.Err.Error()
}

func (e *ConnectError) Unwrap() error { return e.Err }
