// Package retry classifies remote failures and retries the transient ones.
package retry

import (
	"context"

	"github.com/teranos/fleet/errors"
	"github.com/teranos/fleet/remote"
)

// Class is the failure taxonomy the controller acts on
type Class int

const (
	Unknown Class = iota
	Transient
	ResourceDead
	TargetPermanent
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case ResourceDead:
		return "resource_dead"
	case TargetPermanent:
		return "target_permanent"
	default:
		return "unknown"
	}
}

// Classify maps an error from a remote call to its Class.
// Only typed errors are trusted; anything else is Unknown. A store outage met
// while applying a target is Transient: it says nothing about the target.
func Classify(err error) Class {
	if err == nil {
		return Unknown
	}

	var rateLimited *remote.RateLimitedError
	var invalid *remote.InvalidResourceError
	var connect *remote.ConnectError
	var target *remote.TargetError

	switch {
	case errors.As(err, &rateLimited), errors.Is(err, context.DeadlineExceeded), IsStoreOutage(err):
		return Transient
	case errors.As(err, &invalid), errors.As(err, &connect):
		return ResourceDead
	case errors.As(err, &target):
		return TargetPermanent
	default:
		return Unknown
	}
}

// IsStoreOutage reports whether err is the store or another local dependency
// being unreachable rather than a verdict on the target.
func IsStoreOutage(err error) bool {
	return errors.IsServiceUnavailableError(err)
}
